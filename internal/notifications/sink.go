// Package notifications delivers alert and recovery messages to operators.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rs/zerolog/log"
)

// MaxBodyLength bounds notification bodies; longer bodies are truncated.
const MaxBodyLength = 200

const (
	alertTitle    = "Pulse Autoheal Alert"
	recoveryTitle = "Pulse Autoheal Recovery"
)

// Sink delivers one notification.
type Sink interface {
	Send(ctx context.Context, title, body string) error
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Send(_ context.Context, title, body string) error {
	log.Info().Str("title", title).Str("body", body).Msg("Notification")
	return nil
}

// Discard drops every notification. Used when notifications are disabled.
type Discard struct{}

func (Discard) Send(context.Context, string, string) error { return nil }

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatAlert renders the per-cycle alert for the given issues.
func FormatAlert(status models.ServerStatus, issues []*models.Issue) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Server Status: %s\n\n", strings.ToUpper(string(status)))
	for _, issue := range issues {
		fmt.Fprintf(&b, "- [%s] %s\n", strings.ToUpper(string(issue.Severity)), issue.Description)
	}
	return alertTitle, truncate(b.String(), MaxBodyLength)
}

// FormatRecovery renders the notification sent after a successful action.
func FormatRecovery(issue *models.Issue, action models.RecoveryAction, message string) (string, string) {
	body := fmt.Sprintf("Recovered: %s\nAction: %s\n%s", issue.Description, action, message)
	return recoveryTitle, truncate(body, MaxBodyLength)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
