package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/config"
	"github.com/rcourtman/pulse-autoheal/internal/learning"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rcourtman/pulse-autoheal/internal/notifications"
	"github.com/rcourtman/pulse-autoheal/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		jsonOutput = false
		dataDir = ""
		limit = 20
	})
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	output := execute(t, "version")
	assert.Contains(t, output, "Pulse Autoheal 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output = execute(t, "version")
	assert.Contains(t, output, "Pulse Autoheal 1.2.3")
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func seedStore(t *testing.T, dir string) {
	t.Helper()
	store, err := learning.Open(filepath.Join(dir, config.DatabaseFileName))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.UpsertPattern(ctx, "0123456789abcdef0123", "service:nginx", "high", json.RawMessage(`{"cpu":12}`)))
	require.NoError(t, store.UpsertPattern(ctx, "0123456789abcdef0123", "service:nginx", "high", json.RawMessage(`{"cpu":14}`)))
	require.NoError(t, store.AppendHistory(ctx, learning.HistoryEntry{
		IssueID:         "service:nginx-abc",
		Component:       "service:nginx",
		Action:          "restart_service",
		Success:         true,
		DurationSeconds: 4.2,
		Timestamp:       time.Now(),
	}))
}

func TestHistoryCmd(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	output := execute(t, "history", "--data-dir", dir)
	assert.Contains(t, output, "COMPONENT")
	assert.Contains(t, output, "service:nginx")
	assert.Contains(t, output, "restart_service")
	assert.Contains(t, output, "success")
	assert.Contains(t, output, "4.2s")
}

func TestHistoryCmdJSON(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	output := execute(t, "history", "--data-dir", dir, "--json")
	var entries []learning.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(output), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "restart_service", entries[0].Action)
}

func TestPatternsCmd(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	output := execute(t, "patterns", "--data-dir", dir)
	assert.Contains(t, output, "OCCURRENCES")
	assert.Contains(t, output, "0123456789ab")
	assert.NotContains(t, output, "0123456789abcdef0123")
	assert.Contains(t, output, "2")
}

func TestEmptyStoreMessages(t *testing.T) {
	dir := t.TempDir()
	assert.Contains(t, execute(t, "history", "--data-dir", dir), "No recovery attempts recorded")
	assert.Contains(t, execute(t, "patterns", "--data-dir", dir), "No patterns recorded")
}

func TestStatusCmdReadsPublishedReport(t *testing.T) {
	dir := t.TempDir()
	report := status.NewReport(models.StatusDegraded, models.HealthMetrics{MemoryUsage: 91}, []*models.Issue{{
		ID:          "memory-1",
		Severity:    models.SeverityHigh,
		Component:   models.Component{Kind: models.ComponentMemory},
		Description: "High memory usage: 91%",
	}}, true, time.Now())
	pub := &status.FilePublisher{Path: filepath.Join(dir, config.StatusFileName)}
	require.NoError(t, pub.Publish(context.Background(), report))

	output := execute(t, "status", "--data-dir", dir)
	assert.Contains(t, output, "Server Status: DEGRADED")
	assert.Contains(t, output, "Recovery in progress")
	assert.Contains(t, output, "High memory usage: 91%")

	output = execute(t, "status", "--data-dir", dir, "--json")
	var decoded status.Report
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	assert.Equal(t, models.StatusDegraded, decoded.Status)
	require.Len(t, decoded.Issues, 1)
	assert.Equal(t, "memory-1", decoded.Issues[0].ID)
}

func TestStatusCmdMissingFile(t *testing.T) {
	rootCmd.SetArgs([]string{"status", "--data-dir", t.TempDir()})
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		dataDir = ""
	})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read status file")
}

func TestPrintCheck(t *testing.T) {
	var buf bytes.Buffer
	snapshot := models.HealthMetrics{CPUUsage: 95, Services: map[string]bool{"nginx": true}}
	issues := []*models.Issue{{
		Severity:    models.SeverityCritical,
		Component:   models.Component{Kind: models.ComponentCPU},
		Description: "Critical CPU usage: 95%",
		Actions:     []models.RecoveryAction{models.ActionProcessKill, models.ActionRebootServer},
	}}

	require.NoError(t, printCheck(&buf, snapshot, issues))
	assert.Contains(t, buf.String(), "Server Status: CRITICAL")
	assert.Contains(t, buf.String(), "process_kill,reboot_server")

	buf.Reset()
	require.NoError(t, printCheck(&buf, models.HealthMetrics{}, nil))
	assert.Contains(t, buf.String(), "Server Status: HEALTHY")
	assert.Contains(t, buf.String(), "No issues detected")
}

func TestPrintCheckJSON(t *testing.T) {
	jsonOutput = true
	defer func() { jsonOutput = false }()

	var buf bytes.Buffer
	require.NoError(t, printCheck(&buf, models.HealthMetrics{ErrorCount: 7}, nil))

	var report status.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, models.StatusOffline, report.Status)
}

func TestBuildNotifier(t *testing.T) {
	assert.IsType(t, notifications.Discard{}, buildNotifier(&config.Config{NotificationsEnabled: false}))

	sink := buildNotifier(&config.Config{NotificationsEnabled: true, WebhookURL: "http://127.0.0.1:1/hook"})
	multi, ok := sink.(notifications.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestMetricsMux(t *testing.T) {
	srv := httptest.NewServer(newMetricsMux())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	health, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, 200, health.StatusCode)
}

func TestSSHConfigFromConfig(t *testing.T) {
	sc := sshConfig(&config.Config{
		ServerIP:       "10.0.0.5",
		SSHPort:        2222,
		SSHUser:        "ops",
		SSHKeyPath:     "/keys/id",
		KnownHostsPath: "/keys/known_hosts",
		SudoPassword:   "secret",
	})
	assert.Equal(t, "10.0.0.5", sc.Host)
	assert.Equal(t, 2222, sc.Port)
	assert.Equal(t, "ops", sc.User)
	assert.Equal(t, "secret", sc.SudoPassword)
	assert.Positive(t, sc.DialTimeout)
}
