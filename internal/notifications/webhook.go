package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WebhookSink POSTs a JSON payload to a URL with exponential backoff retry.
type WebhookSink struct {
	URL         string
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	client      *http.Client
}

// WebhookPayload is the JSON body sent to the webhook.
type WebhookPayload struct {
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var nowFn = time.Now

// NewWebhookSink returns a sink with three retries and a 1s base backoff.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:         url,
		MaxRetries:  3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Send delivers the payload, retrying transport errors, 429 and 5xx responses.
func (w *WebhookSink) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(WebhookPayload{
		Source:    "pulse-autoheal",
		Title:     title,
		Message:   body,
		Timestamp: nowFn().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	backoff := w.BaseBackoff
	for attempt := 0; attempt <= w.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying webhook after backoff")
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.MaxBackoff {
				backoff = w.MaxBackoff
			}
		}

		retryable, err := w.sendOnce(ctx, payload)
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt).Msg("Webhook succeeded after retry")
			}
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Webhook attempt failed")
		if !retryable {
			break
		}
	}
	return fmt.Errorf("webhook failed: %w", lastErr)
}

func (w *WebhookSink) sendOnce(ctx context.Context, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pulse-autoheal")

	client := w.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}
