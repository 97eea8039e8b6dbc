package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/config"
	"github.com/rcourtman/pulse-autoheal/internal/learning"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	patterns map[string]int
	history  []learning.HistoryEntry
	stats    []learning.ActionStat
	statsErr error
	lastSub  string
}

func (f *fakeStore) UpsertPattern(_ context.Context, hash, _, _ string, _ json.RawMessage) error {
	if f.patterns == nil {
		f.patterns = make(map[string]int)
	}
	f.patterns[hash]++
	return nil
}

func (f *fakeStore) AppendHistory(_ context.Context, entry learning.HistoryEntry) error {
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeStore) ActionStats(_ context.Context, substr string) ([]learning.ActionStat, error) {
	f.lastSub = substr
	return f.stats, f.statsErr
}

func healthy() models.HealthMetrics {
	return models.HealthMetrics{
		CPUUsage:         20,
		MemoryUsage:      40,
		DiskUsage:        50,
		NetworkLatencyMs: 10,
		Services:         map[string]bool{"nginx": true, "prometheus": true},
		Containers:       map[string]string{"web": "running"},
	}
}

func TestAnalyzeHealthyHasNoIssues(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	assert.Empty(t, e.Analyze(healthy()))
}

func TestAnalyzeCriticalCPU(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	m := healthy()
	m.CPUUsage = 95

	issues := e.Analyze(m)
	require.Len(t, issues, 1)
	issue := issues[0]
	assert.Equal(t, models.SeverityCritical, issue.Severity)
	assert.Equal(t, models.Component{Kind: models.ComponentCPU}, issue.Component)
	assert.Equal(t, "Critical CPU usage: 95%", issue.Description)
	assert.Equal(t, []models.RecoveryAction{
		models.ActionProcessKill, models.ActionRestartService, models.ActionRebootServer,
	}, issue.Actions)
	assert.True(t, strings.HasPrefix(issue.ID, "cpu-"))
	assert.Len(t, strings.TrimPrefix(issue.ID, "cpu-"), 12)
}

func TestAnalyzeThresholdTiers(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*models.HealthMetrics)
		severity models.Severity
		kind     models.ComponentKind
		actions  []models.RecoveryAction
	}{
		{"cpu high", func(m *models.HealthMetrics) { m.CPUUsage = 75 }, models.SeverityHigh, models.ComponentCPU,
			[]models.RecoveryAction{models.ActionProcessKill, models.ActionRestartService}},
		{"cpu at critical is high", func(m *models.HealthMetrics) { m.CPUUsage = 90 }, models.SeverityHigh, models.ComponentCPU,
			[]models.RecoveryAction{models.ActionProcessKill, models.ActionRestartService}},
		{"memory critical", func(m *models.HealthMetrics) { m.MemoryUsage = 96 }, models.SeverityCritical, models.ComponentMemory,
			[]models.RecoveryAction{models.ActionClearCache, models.ActionRestartService, models.ActionRebootServer}},
		{"memory high", func(m *models.HealthMetrics) { m.MemoryUsage = 85 }, models.SeverityHigh, models.ComponentMemory,
			[]models.RecoveryAction{models.ActionClearCache, models.ActionRestartService}},
		{"disk critical", func(m *models.HealthMetrics) { m.DiskUsage = 91 }, models.SeverityCritical, models.ComponentDisk,
			[]models.RecoveryAction{models.ActionDiskCleanup, models.ActionManualIntervention}},
		{"disk high", func(m *models.HealthMetrics) { m.DiskUsage = 85 }, models.SeverityHigh, models.ComponentDisk,
			[]models.RecoveryAction{models.ActionDiskCleanup}},
		{"latency", func(m *models.HealthMetrics) { m.NetworkLatencyMs = 1500 }, models.SeverityMedium, models.ComponentNetwork,
			[]models.RecoveryAction{models.ActionNetworkReset}},
	}

	e := NewEngine(config.DefaultThresholds(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := healthy()
			tt.mutate(&m)
			issues := e.Analyze(m)
			require.Len(t, issues, 1)
			assert.Equal(t, tt.severity, issues[0].Severity)
			assert.Equal(t, tt.kind, issues[0].Component.Kind)
			assert.Equal(t, tt.actions, issues[0].Actions)
		})
	}
}

func TestAnalyzeServiceDown(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	m := healthy()
	m.Services["nginx"] = false

	issues := e.Analyze(m)
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityHigh, issues[0].Severity)
	assert.Equal(t, models.Component{Kind: models.ComponentService, Name: "nginx"}, issues[0].Component)
	assert.Equal(t, "Service nginx is down", issues[0].Description)
	assert.Equal(t, []models.RecoveryAction{models.ActionRestartService, models.ActionRestartContainer}, issues[0].Actions)
}

func TestAnalyzeContainers(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	m := healthy()
	m.Containers = map[string]string{"web": "exited", "db": "unhealthy", "cache": "healthy"}

	issues := e.Analyze(m)
	require.Len(t, issues, 2)
	assert.Equal(t, "db", issues[0].Component.Name)
	assert.Equal(t, models.SeverityMedium, issues[0].Severity)
	assert.Equal(t, "web", issues[1].Component.Name)
	assert.Equal(t, models.SeverityHigh, issues[1].Severity)
	assert.Equal(t, "Container web is exited", issues[1].Description)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	m := models.HealthMetrics{
		CPUUsage:         99,
		MemoryUsage:      97,
		DiskUsage:        93,
		NetworkLatencyMs: 9999,
		Services:         map[string]bool{"zeta": false, "alpha": false, "mid": true},
		Containers:       map[string]string{"b": "exited", "a": "dead"},
	}

	shape := func(issues []*models.Issue) []string {
		out := make([]string, 0, len(issues))
		for _, issue := range issues {
			out = append(out, string(issue.Severity)+"/"+issue.Component.Key())
		}
		return out
	}

	first := shape(e.Analyze(m))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, shape(e.Analyze(m)))
	}
	assert.Equal(t, []string{
		"critical/cpu", "critical/memory", "critical/disk",
		"high/service:alpha", "high/service:zeta",
		"high/container:a", "high/container:b",
		"medium/network",
	}, first)
}

func TestAnalyzeIssueIDsAreUnique(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	m := healthy()
	m.CPUUsage = 95
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := e.Analyze(m)[0].ID
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSetThresholds(t *testing.T) {
	e := NewEngine(config.DefaultThresholds(), nil)
	m := healthy()
	m.CPUUsage = 60
	assert.Empty(t, e.Analyze(m))

	th := config.DefaultThresholds()
	th.CPUWarning = 50
	e.SetThresholds(th)
	issues := e.Analyze(m)
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityHigh, issues[0].Severity)
}

func TestBestActionFallsBackWithEmptyHistory(t *testing.T) {
	store := &fakeStore{}
	e := NewEngine(config.DefaultThresholds(), store)
	issue := &models.Issue{
		Component: models.Component{Kind: models.ComponentService, Name: "nginx"},
		Actions:   []models.RecoveryAction{models.ActionRestartService, models.ActionRestartContainer},
	}

	action, ok := e.BestAction(context.Background(), issue)
	require.True(t, ok)
	assert.Equal(t, models.ActionRestartService, action)
	assert.Equal(t, "service:nginx", store.lastSub)
}

func TestBestActionRequiresRateAboveThreshold(t *testing.T) {
	issue := &models.Issue{
		Component: models.Component{Kind: models.ComponentCPU},
		Actions:   []models.RecoveryAction{models.ActionProcessKill},
	}

	atThreshold := &fakeStore{stats: []learning.ActionStat{{Action: "reboot_server", SuccessRate: 0.70, Attempts: 10}}}
	action, ok := NewEngine(config.DefaultThresholds(), atThreshold).BestAction(context.Background(), issue)
	require.True(t, ok)
	assert.Equal(t, models.ActionProcessKill, action)

	above := &fakeStore{stats: []learning.ActionStat{{Action: "reboot_server", SuccessRate: 0.71, Attempts: 10}}}
	action, ok = NewEngine(config.DefaultThresholds(), above).BestAction(context.Background(), issue)
	require.True(t, ok)
	assert.Equal(t, models.ActionRebootServer, action)
}

func TestBestActionStoreErrorAndNoCandidates(t *testing.T) {
	store := &fakeStore{statsErr: errors.New("database is locked")}
	e := NewEngine(config.DefaultThresholds(), store)

	action, ok := e.BestAction(context.Background(), &models.Issue{
		Component: models.Component{Kind: models.ComponentDisk},
		Actions:   []models.RecoveryAction{models.ActionDiskCleanup},
	})
	require.True(t, ok)
	assert.Equal(t, models.ActionDiskCleanup, action)

	_, ok = e.BestAction(context.Background(), &models.Issue{Component: models.Component{Kind: models.ComponentDisk}})
	assert.False(t, ok)
}

func TestBestActionIgnoresUnknownStoredAction(t *testing.T) {
	store := &fakeStore{stats: []learning.ActionStat{{Action: "format_disk", SuccessRate: 1, Attempts: 4}}}
	e := NewEngine(config.DefaultThresholds(), store)
	action, ok := e.BestAction(context.Background(), &models.Issue{
		Component: models.Component{Kind: models.ComponentDisk},
		Actions:   []models.RecoveryAction{models.ActionDiskCleanup},
	})
	require.True(t, ok)
	assert.Equal(t, models.ActionDiskCleanup, action)
}

func TestLearnUpsertsPatternPerIssue(t *testing.T) {
	store := &fakeStore{}
	e := NewEngine(config.DefaultThresholds(), store)
	m := healthy()
	m.CPUUsage = 95
	m.DiskUsage = 92

	issues := e.Analyze(m)
	require.Len(t, issues, 2)
	require.NoError(t, e.Learn(context.Background(), issues, m))
	require.NoError(t, e.Learn(context.Background(), e.Analyze(m), m))

	assert.Len(t, store.patterns, 2)
	for _, count := range store.patterns {
		assert.Equal(t, 2, count)
	}
}

func TestPatternHashBuckets(t *testing.T) {
	issue := &models.Issue{Severity: models.SeverityCritical, Component: models.Component{Kind: models.ComponentCPU}}
	a := PatternHash(issue, models.HealthMetrics{CPUUsage: 91, MemoryUsage: 42, DiskUsage: 55})
	b := PatternHash(issue, models.HealthMetrics{CPUUsage: 99.9, MemoryUsage: 49, DiskUsage: 50})
	c := PatternHash(issue, models.HealthMetrics{CPUUsage: 99.9, MemoryUsage: 50, DiskUsage: 50})

	assert.Equal(t, a, b)
	assert.NotEqual(t, b, c)
	assert.Len(t, a, 64)
}

func TestRecordOutcomeRoundTripWithSQLite(t *testing.T) {
	store, err := learning.Open(filepath.Join(t.TempDir(), "diagnostic_patterns.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	e := NewEngine(config.DefaultThresholds(), store)
	nginx := models.Component{Kind: models.ComponentService, Name: "nginx"}

	require.NoError(t, e.RecordOutcome(ctx, "service:nginx-aaaaaaaaaaaa", nginx, models.ActionRestartService, true, 2*time.Second))
	require.NoError(t, e.RecordOutcome(ctx, "service:nginx-bbbbbbbbbbbb", nginx, models.ActionRestartService, true, time.Second))
	require.NoError(t, e.RecordOutcome(ctx, "service:nginx-cccccccccccc", nginx, models.ActionRestartService, false, time.Second))

	stats, err := store.ActionStats(ctx, nginx.Key())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.InDelta(t, 2.0/3.0, stats[0].SuccessRate, 1e-9)

	// 2/3 is below the 0.70 bar, so the suggested action wins.
	action, ok := e.BestAction(ctx, &models.Issue{
		Component: nginx,
		Actions:   []models.RecoveryAction{models.ActionRestartContainer},
	})
	require.True(t, ok)
	assert.Equal(t, models.ActionRestartContainer, action)

	require.NoError(t, e.RecordOutcome(ctx, "service:nginx-dddddddddddd", nginx, models.ActionRestartService, true, time.Second))
	action, _ = e.BestAction(ctx, &models.Issue{
		Component: nginx,
		Actions:   []models.RecoveryAction{models.ActionRestartContainer},
	})
	assert.Equal(t, models.ActionRestartService, action)
}
