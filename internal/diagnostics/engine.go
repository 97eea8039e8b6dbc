// Package diagnostics turns a metrics snapshot into a ranked set of issues and
// picks a recovery action for each from recorded history.
package diagnostics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/config"
	"github.com/rcourtman/pulse-autoheal/internal/learning"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rs/zerolog/log"
)

// MinSuccessRate is the historical success rate an action must beat before
// it is preferred over the suggested actions.
const MinSuccessRate = 0.70

// Store is the persistence the engine needs. *learning.Store satisfies it.
type Store interface {
	UpsertPattern(ctx context.Context, hash, component, severity string, metrics json.RawMessage) error
	AppendHistory(ctx context.Context, entry learning.HistoryEntry) error
	ActionStats(ctx context.Context, componentSubstr string) ([]learning.ActionStat, error)
}

// Engine analyzes health snapshots.
type Engine struct {
	mu         sync.RWMutex
	thresholds config.Thresholds
	store      Store
	seq        atomic.Uint64
}

var nowFn = time.Now

// NewEngine creates an engine. store may be nil, in which case learning is a
// no-op and BestAction always uses the suggested actions.
func NewEngine(thresholds config.Thresholds, store Store) *Engine {
	return &Engine{thresholds: thresholds, store: store}
}

// SetThresholds replaces the thresholds used by subsequent Analyze calls.
func (e *Engine) SetThresholds(th config.Thresholds) {
	e.mu.Lock()
	e.thresholds = th
	e.mu.Unlock()
}

// Thresholds returns the active thresholds.
func (e *Engine) Thresholds() config.Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// Analyze checks cpu, memory, disk, services, containers and network latency
// in that order. The result is deterministic for a given snapshot apart from
// IDs and timestamps.
func (e *Engine) Analyze(m models.HealthMetrics) []*models.Issue {
	th := e.Thresholds()
	now := nowFn()
	var issues []*models.Issue

	add := func(sev models.Severity, comp models.Component, desc string, ctx map[string]any, actions ...models.RecoveryAction) {
		issues = append(issues, &models.Issue{
			ID:          e.issueID(comp, now),
			Severity:    sev,
			Component:   comp,
			Description: desc,
			DetectedAt:  now,
			Context:     ctx,
			Actions:     actions,
		})
	}

	cpu := models.Component{Kind: models.ComponentCPU}
	switch {
	case m.CPUUsage > th.CPUCritical:
		add(models.SeverityCritical, cpu,
			fmt.Sprintf("Critical CPU usage: %s%%", formatValue(m.CPUUsage)),
			map[string]any{"cpu_usage": m.CPUUsage, "threshold": th.CPUCritical},
			models.ActionProcessKill, models.ActionRestartService, models.ActionRebootServer)
	case m.CPUUsage > th.CPUWarning:
		add(models.SeverityHigh, cpu,
			fmt.Sprintf("High CPU usage: %s%%", formatValue(m.CPUUsage)),
			map[string]any{"cpu_usage": m.CPUUsage, "threshold": th.CPUWarning},
			models.ActionProcessKill, models.ActionRestartService)
	}

	memory := models.Component{Kind: models.ComponentMemory}
	switch {
	case m.MemoryUsage > th.MemoryCritical:
		add(models.SeverityCritical, memory,
			fmt.Sprintf("Critical memory usage: %s%%", formatValue(m.MemoryUsage)),
			map[string]any{"memory_usage": m.MemoryUsage, "threshold": th.MemoryCritical},
			models.ActionClearCache, models.ActionRestartService, models.ActionRebootServer)
	case m.MemoryUsage > th.MemoryWarning:
		add(models.SeverityHigh, memory,
			fmt.Sprintf("High memory usage: %s%%", formatValue(m.MemoryUsage)),
			map[string]any{"memory_usage": m.MemoryUsage, "threshold": th.MemoryWarning},
			models.ActionClearCache, models.ActionRestartService)
	}

	disk := models.Component{Kind: models.ComponentDisk}
	switch {
	case m.DiskUsage > th.DiskCritical:
		add(models.SeverityCritical, disk,
			fmt.Sprintf("Critical disk usage: %s%%", formatValue(m.DiskUsage)),
			map[string]any{"disk_usage": m.DiskUsage, "threshold": th.DiskCritical},
			models.ActionDiskCleanup, models.ActionManualIntervention)
	case m.DiskUsage > th.DiskWarning:
		add(models.SeverityHigh, disk,
			fmt.Sprintf("High disk usage: %s%%", formatValue(m.DiskUsage)),
			map[string]any{"disk_usage": m.DiskUsage, "threshold": th.DiskWarning},
			models.ActionDiskCleanup)
	}

	for _, name := range m.ServiceNames() {
		if m.Services[name] {
			continue
		}
		add(models.SeverityHigh, models.Component{Kind: models.ComponentService, Name: name},
			fmt.Sprintf("Service %s is down", name),
			map[string]any{"service": name},
			models.ActionRestartService, models.ActionRestartContainer)
	}

	for _, name := range m.ContainerNames() {
		state := m.Containers[name]
		if state == "running" || state == "healthy" {
			continue
		}
		sev := models.SeverityHigh
		if state == "unhealthy" {
			sev = models.SeverityMedium
		}
		add(sev, models.Component{Kind: models.ComponentContainer, Name: name},
			fmt.Sprintf("Container %s is %s", name, state),
			map[string]any{"container": name, "state": state},
			models.ActionRestartContainer)
	}

	if m.NetworkLatencyMs > th.NetworkLatencyHigh {
		add(models.SeverityMedium, models.Component{Kind: models.ComponentNetwork},
			fmt.Sprintf("High network latency: %sms", formatValue(m.NetworkLatencyMs)),
			map[string]any{"latency_ms": m.NetworkLatencyMs, "threshold": th.NetworkLatencyHigh},
			models.ActionNetworkReset)
	}

	return issues
}

// Learn records a fingerprint of every issue. It never influences action
// selection.
func (e *Engine) Learn(ctx context.Context, issues []*models.Issue, m models.HealthMetrics) error {
	if e.store == nil {
		return nil
	}
	metrics, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	var errs []error
	for _, issue := range issues {
		hash := PatternHash(issue, m)
		if err := e.store.UpsertPattern(ctx, hash, issue.Component.Key(), string(issue.Severity), metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestAction returns the historically most successful action for the issue's
// component when its success rate exceeds MinSuccessRate, otherwise the first
// suggested action. ok is false when there is nothing to try.
func (e *Engine) BestAction(ctx context.Context, issue *models.Issue) (models.RecoveryAction, bool) {
	if e.store != nil {
		stats, err := e.store.ActionStats(ctx, issue.Component.Key())
		if err != nil {
			log.Warn().Err(err).Str("component", issue.Component.Key()).Msg("Failed to read recovery history; using suggested actions")
		} else if len(stats) > 0 && stats[0].SuccessRate > MinSuccessRate {
			action, err := models.ParseRecoveryAction(stats[0].Action)
			if err == nil {
				return action, true
			}
			log.Warn().Err(err).Str("component", issue.Component.Key()).Msg("Ignoring unknown action in recovery history")
		}
	}

	if len(issue.Actions) == 0 {
		return "", false
	}
	return issue.Actions[0], true
}

// RecordOutcome appends one recovery history row.
func (e *Engine) RecordOutcome(ctx context.Context, issueID string, component models.Component, action models.RecoveryAction, success bool, duration time.Duration) error {
	if e.store == nil {
		return nil
	}
	return e.store.AppendHistory(ctx, learning.HistoryEntry{
		IssueID:         issueID,
		Component:       component.Key(),
		Action:          string(action),
		Success:         success,
		DurationSeconds: duration.Seconds(),
		Timestamp:       nowFn(),
	})
}

type patternKey struct {
	Component string  `json:"component"`
	Severity  string  `json:"severity"`
	CPU       float64 `json:"cpu_bucket"`
	Memory    float64 `json:"memory_bucket"`
	Disk      float64 `json:"disk_bucket"`
}

// PatternHash fingerprints an issue by component, severity and the snapshot's
// cpu, memory and disk usage floored to buckets of ten.
func PatternHash(issue *models.Issue, m models.HealthMetrics) string {
	key := patternKey{
		Component: issue.Component.Key(),
		Severity:  string(issue.Severity),
		CPU:       bucket(m.CPUUsage),
		Memory:    bucket(m.MemoryUsage),
		Disk:      bucket(m.DiskUsage),
	}
	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func bucket(v float64) float64 {
	return math.Floor(v/10) * 10
}

func (e *Engine) issueID(comp models.Component, now time.Time) string {
	seed := comp.Key() + "_" + strconv.FormatInt(now.UnixNano(), 10) + "_" + strconv.FormatUint(e.seq.Add(1), 10)
	sum := sha256.Sum256([]byte(seed))
	return comp.Key() + "-" + hex.EncodeToString(sum[:])[:12]
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
