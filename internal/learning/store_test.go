package learning

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "diagnostic_patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertPatternCountsOccurrences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	origNow := nowFn
	t.Cleanup(func() { nowFn = origNow })
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowFn = func() time.Time { return first }

	metrics := json.RawMessage(`{"cpu":95}`)
	require.NoError(t, s.UpsertPattern(ctx, "abc", "cpu", "critical", metrics))

	later := first.Add(time.Hour)
	nowFn = func() time.Time { return later }
	require.NoError(t, s.UpsertPattern(ctx, "abc", "cpu", "critical", metrics))
	require.NoError(t, s.UpsertPattern(ctx, "def", "disk", "high", nil))

	patterns, err := s.Patterns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 2)

	assert.Equal(t, "abc", patterns[0].Hash)
	assert.Equal(t, 2, patterns[0].Occurrences)
	assert.Equal(t, later.Unix(), patterns[0].LastSeen.Unix())
	assert.JSONEq(t, `{"cpu":95}`, string(patterns[0].Metrics))

	assert.Equal(t, "def", patterns[1].Hash)
	assert.Equal(t, 1, patterns[1].Occurrences)
	assert.JSONEq(t, `{}`, string(patterns[1].Metrics))
}

func TestActionStatsSuccessRate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, success := range []bool{true, true, false} {
		require.NoError(t, s.AppendHistory(ctx, HistoryEntry{
			IssueID:         "service:nginx-0011223344ff",
			Component:       "service:nginx",
			Action:          "restart_service",
			Success:         success,
			DurationSeconds: 1.5,
		}))
	}

	stats, err := s.ActionStats(ctx, "service:nginx")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "restart_service", stats[0].Action)
	assert.InDelta(t, 2.0/3.0, stats[0].SuccessRate, 1e-9)
	assert.Equal(t, 3, stats[0].Attempts)
}

func TestActionStatsOrderingAndSubstringMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	add := func(component, action string, success bool) {
		require.NoError(t, s.AppendHistory(ctx, HistoryEntry{IssueID: component + "-1", Component: component, Action: action, Success: success}))
	}
	add("cpu", "process_kill", true)
	add("cpu", "restart_service", true)
	add("cpu", "restart_service", true)
	add("cpu", "reboot_server", false)
	add("memory", "clear_cache", true)

	stats, err := s.ActionStats(ctx, "cpu")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, "restart_service", stats[0].Action, "equal rate ties break on attempts")
	assert.Equal(t, "process_kill", stats[1].Action)
	assert.Equal(t, "reboot_server", stats[2].Action)
	assert.Equal(t, 0.0, stats[2].SuccessRate)

	none, err := s.ActionStats(ctx, "container:web")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestActionStatsTreatsWildcardsLiterally(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	add := func(component, action string) {
		require.NoError(t, s.AppendHistory(ctx, HistoryEntry{IssueID: component + "-1", Component: component, Action: action, Success: true}))
	}
	add("service:myxapp", "restart_service")
	add("service:MY_APP", "restart_service")
	add("service:my_app", "clear_cache")
	add("service:disk100", "disk_cleanup")

	stats, err := s.ActionStats(ctx, "service:my_app")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "clear_cache", stats[0].Action)

	stats, err = s.ActionStats(ctx, "%")
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendHistory(ctx, HistoryEntry{IssueID: "a", Component: "disk", Action: "disk_cleanup", Success: false, Timestamp: base}))
	require.NoError(t, s.AppendHistory(ctx, HistoryEntry{IssueID: "b", Component: "disk", Action: "disk_cleanup", Success: true, Timestamp: base.Add(time.Minute)}))

	entries, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].IssueID)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "a", entries[1].IssueID)
	assert.False(t, entries[1].Success)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.AppendHistory(ctx, HistoryEntry{IssueID: "x", Component: "network", Action: "network_reset", Success: true}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	stats, err := s.ActionStats(ctx, "network")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1.0, stats[0].SuccessRate)
}
