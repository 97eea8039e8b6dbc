// Package status publishes the per-cycle server status for dashboards and
// widgets.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/metrics"
	"github.com/rcourtman/pulse-autoheal/internal/models"
)

// Report is the state published once per cycle.
type Report struct {
	Status             models.ServerStatus  `json:"status"`
	Metrics            models.HealthMetrics `json:"metrics"`
	Issues             []IssueSummary       `json:"issues"`
	LastUpdate         time.Time            `json:"last_update"`
	RecoveryInProgress bool                 `json:"recovery_in_progress"`
}

// IssueSummary is the published view of an Issue.
type IssueSummary struct {
	ID          string          `json:"id"`
	Severity    models.Severity `json:"severity"`
	Component   string          `json:"component"`
	Description string          `json:"description"`
	Resolved    bool            `json:"resolved"`
}

// NewReport builds a report from a cycle's results.
func NewReport(status models.ServerStatus, m models.HealthMetrics, issues []*models.Issue, recovering bool, at time.Time) Report {
	summaries := make([]IssueSummary, 0, len(issues))
	for _, issue := range issues {
		summaries = append(summaries, IssueSummary{
			ID:          issue.ID,
			Severity:    issue.Severity,
			Component:   issue.Component.Key(),
			Description: issue.Description,
			Resolved:    issue.Resolved,
		})
	}
	return Report{
		Status:             status,
		Metrics:            m,
		Issues:             summaries,
		LastUpdate:         at,
		RecoveryInProgress: recovering,
	}
}

// Publisher receives one report per cycle.
type Publisher interface {
	Publish(ctx context.Context, report Report) error
}

// FilePublisher writes the report as JSON, replacing the file atomically.
type FilePublisher struct {
	Path string
}

// Publish writes report to a temp file and renames it over Path.
func (f *FilePublisher) Publish(_ context.Context, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create status directory: %w", err)
	}

	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}

// Load reads a report previously written by FilePublisher.
func Load(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("parse status file %s: %w", path, err)
	}
	return report, nil
}

// MetricsPublisher mirrors the report into Prometheus gauges.
type MetricsPublisher struct{}

func (MetricsPublisher) Publish(_ context.Context, report Report) error {
	metrics.SetServerStatus(report.Status)
	metrics.SetHostMetrics(report.Metrics)
	metrics.SetRecoveryInProgress(report.RecoveryInProgress)
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, report Report) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
