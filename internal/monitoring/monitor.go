// Package monitoring runs the observe, diagnose and recover loop for one host.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/collector"
	"github.com/rcourtman/pulse-autoheal/internal/logging"
	"github.com/rcourtman/pulse-autoheal/internal/metrics"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rcourtman/pulse-autoheal/internal/notifications"
	"github.com/rcourtman/pulse-autoheal/internal/remediation"
	"github.com/rcourtman/pulse-autoheal/internal/status"
	"github.com/rs/zerolog/log"
)

const (
	// MaxRecoveriesPerCycle caps how many issues one recovery phase attempts.
	MaxRecoveriesPerCycle = 3
	// OfflineErrorThreshold is the error count above which the host is offline.
	OfflineErrorThreshold = 5
)

// Diagnoser is the subset of the diagnostic engine the loop depends on.
type Diagnoser interface {
	Analyze(m models.HealthMetrics) []*models.Issue
	Learn(ctx context.Context, issues []*models.Issue, m models.HealthMetrics) error
	BestAction(ctx context.Context, issue *models.Issue) (models.RecoveryAction, bool)
	RecordOutcome(ctx context.Context, issueID string, component models.Component, action models.RecoveryAction, success bool, duration time.Duration) error
}

// Executor runs one recovery action.
type Executor interface {
	Execute(ctx context.Context, action models.RecoveryAction, ac remediation.ActionContext) remediation.Outcome
}

// Config controls loop timing.
type Config struct {
	CheckInterval    time.Duration
	RecoveryCooldown time.Duration
}

// Snapshot is a point-in-time view of the monitor state.
type Snapshot struct {
	Status             models.ServerStatus
	Issues             []*models.Issue
	LastRecovery       time.Time
	RecoveryInProgress bool
}

// Monitor owns the orchestration state for one host.
type Monitor struct {
	cfg       Config
	source    collector.Source
	engine    Diagnoser
	executor  Executor
	notifier  notifications.Sink
	publisher status.Publisher

	mu           sync.RWMutex
	status       models.ServerStatus
	lastRecovery time.Time
	active       map[string]*models.Issue

	inFlight atomic.Bool
}

var nowFn = time.Now

// New creates a monitor. A nil notifier or publisher disables that output.
func New(cfg Config, source collector.Source, engine Diagnoser, executor Executor, notifier notifications.Sink, publisher status.Publisher) *Monitor {
	if notifier == nil {
		notifier = notifications.Discard{}
	}
	if publisher == nil {
		publisher = status.Multi{}
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		engine:    engine,
		executor:  executor,
		notifier:  notifier,
		publisher: publisher,
		status:    models.StatusUnknown,
		active:    make(map[string]*models.Issue),
	}
}

// Run executes cycles until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info().
		Dur("checkInterval", m.cfg.CheckInterval).
		Dur("recoveryCooldown", m.cfg.RecoveryCooldown).
		Msg("Starting monitoring loop")

	for {
		m.RunCycle(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("Monitoring loop stopped")
			return ctx.Err()
		case <-time.After(m.cfg.CheckInterval):
		}
	}
}

// RunCycle performs one monitoring cycle. Failures are logged and never
// propagate to the caller.
func (m *Monitor) RunCycle(ctx context.Context) {
	ctx, _ = logging.WithCycleID(ctx, "")
	logger := logging.FromContext(ctx)
	start := nowFn()
	errorCount := 0

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("Monitoring cycle panicked")
		}
		metrics.RecordCycle(time.Since(start), errorCount)
	}()

	snapshot := m.source.Collect(ctx)
	errorCount = snapshot.ErrorCount

	issues := m.engine.Analyze(snapshot)
	if err := m.engine.Learn(ctx, issues, snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to record diagnostic patterns")
	}
	metrics.RecordIssues(issues)

	computed := StatusFor(issues, snapshot.ErrorCount)
	m.mu.Lock()
	if !m.inFlight.Load() {
		m.status = computed
	}
	m.active = make(map[string]*models.Issue, len(issues))
	for _, issue := range issues {
		m.active[issue.ID] = issue
	}
	m.mu.Unlock()

	logger.Info().
		Str("status", string(computed)).
		Int("issues", len(issues)).
		Int("errors", snapshot.ErrorCount).
		Msg("Health check complete")

	report := status.NewReport(computed, snapshot, issues, m.inFlight.Load(), nowFn())
	if err := m.publisher.Publish(ctx, report); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish status")
	}

	if len(issues) > 0 && !m.inFlight.Load() {
		m.recover(ctx, issues, computed)
	}

	if hasCritical(issues) {
		title, body := notifications.FormatAlert(computed, issues)
		m.notify(ctx, "alert", title, body)
	}
}

func (m *Monitor) recover(ctx context.Context, issues []*models.Issue, computed models.ServerStatus) {
	logger := logging.FromContext(ctx)

	m.mu.RLock()
	last := m.lastRecovery
	m.mu.RUnlock()
	if !last.IsZero() && nowFn().Sub(last) < m.cfg.RecoveryCooldown {
		logger.Debug().
			Time("lastRecovery", last).
			Msg("Recovery cooldown active, skipping")
		return
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	metrics.SetRecoveryInProgress(true)
	m.setStatus(models.StatusRecovering)

	defer func() {
		m.mu.Lock()
		m.lastRecovery = nowFn()
		m.status = computed
		m.mu.Unlock()
		m.inFlight.Store(false)
		metrics.SetRecoveryInProgress(false)
	}()

	ordered := make([]*models.Issue, len(issues))
	copy(ordered, issues)
	models.SortBySeverity(ordered)
	if len(ordered) > MaxRecoveriesPerCycle {
		ordered = ordered[:MaxRecoveriesPerCycle]
	}

	for _, issue := range ordered {
		action, ok := m.engine.BestAction(ctx, issue)
		if !ok {
			logger.Debug().Str("issue", issue.ID).Msg("No recovery action available")
			continue
		}

		outcome := m.executor.Execute(ctx, action, remediation.ActionContext{Component: issue.Component})
		metrics.RecordRecovery(action, outcome.Success, outcome.Duration)

		if err := m.engine.RecordOutcome(ctx, issue.ID, issue.Component, action, outcome.Success, outcome.Duration); err != nil {
			logger.Warn().Err(err).Str("issue", issue.ID).Msg("Failed to record recovery outcome")
		}

		if !outcome.Success {
			logger.Warn().
				Str("issue", issue.ID).
				Str("action", string(action)).
				Str("message", outcome.Message).
				Msg("Recovery action failed")
			continue
		}

		m.mu.Lock()
		issue.Resolved = true
		issue.Resolution = fmt.Sprintf("%s: %s", action, outcome.Message)
		m.mu.Unlock()

		title, body := notifications.FormatRecovery(issue, action, outcome.Message)
		m.notify(ctx, "recovery", title, body)
	}
}

func (m *Monitor) notify(ctx context.Context, kind, title, body string) {
	err := m.notifier.Send(ctx, title, body)
	metrics.RecordNotification(kind, err == nil)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Str("kind", kind).Msg("Failed to send notification")
	}
}

func (m *Monitor) setStatus(s models.ServerStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Snapshot returns the current monitor state. Issues are sorted by severity.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	issues := make([]*models.Issue, 0, len(ids))
	for _, id := range ids {
		clone := *m.active[id]
		issues = append(issues, &clone)
	}
	models.SortBySeverity(issues)

	return Snapshot{
		Status:             m.status,
		Issues:             issues,
		LastRecovery:       m.lastRecovery,
		RecoveryInProgress: m.inFlight.Load(),
	}
}

// StatusFor derives the server status for one cycle.
func StatusFor(issues []*models.Issue, errorCount int) models.ServerStatus {
	if errorCount > OfflineErrorThreshold {
		return models.StatusOffline
	}
	if len(issues) == 0 {
		return models.StatusHealthy
	}
	if hasCritical(issues) {
		return models.StatusCritical
	}
	return models.StatusDegraded
}

func hasCritical(issues []*models.Issue) bool {
	for _, issue := range issues {
		if issue.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}
