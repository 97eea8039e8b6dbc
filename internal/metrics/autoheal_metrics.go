package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rcourtman/pulse-autoheal/internal/models"
)

var (
	// Monitoring loop metrics
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_autoheal_cycles_total",
			Help: "Total number of monitoring cycles run",
		},
	)

	CycleDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_autoheal_cycle_duration_seconds",
			Help:    "Wall time of a monitoring cycle including any recovery phase",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 600},
		},
	)

	CollectionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_autoheal_collection_errors_total",
			Help: "Total number of failed metric readings",
		},
	)

	IssuesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_autoheal_issues_detected_total",
			Help: "Total number of issues detected by severity and component kind",
		},
		[]string{"severity", "component"},
	)

	// Recovery metrics
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_autoheal_recoveries_total",
			Help: "Total number of recovery actions executed by action and result",
		},
		[]string{"action", "result"}, // success, failure
	)

	RecoveryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_autoheal_recovery_duration_seconds",
			Help:    "Duration of recovery actions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"action"},
	)

	RecoveryInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_autoheal_recovery_in_progress",
			Help: "1 while a recovery phase is running",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_autoheal_notifications_total",
			Help: "Total number of notifications by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Published host state
	ServerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_autoheal_server_status",
			Help: "1 for the current server status, 0 for all others",
		},
		[]string{"status"},
	)

	HostMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_autoheal_host_metric",
			Help: "Last collected host reading (cpu, memory and disk in percent; latency in ms)",
		},
		[]string{"metric"},
	)

	ActiveIssues = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_autoheal_active_issues",
			Help: "Issues present in the last cycle by severity",
		},
		[]string{"severity"},
	)
)

var allStatuses = []models.ServerStatus{
	models.StatusHealthy,
	models.StatusDegraded,
	models.StatusCritical,
	models.StatusOffline,
	models.StatusRecovering,
	models.StatusUnknown,
}

var allSeverities = []models.Severity{
	models.SeverityCritical,
	models.SeverityHigh,
	models.SeverityMedium,
	models.SeverityLow,
}

// RecordCycle records a finished monitoring cycle
func RecordCycle(duration time.Duration, collectionErrors int) {
	CyclesTotal.Inc()
	CycleDurationSeconds.Observe(duration.Seconds())
	if collectionErrors > 0 {
		CollectionErrorsTotal.Add(float64(collectionErrors))
	}
}

// RecordIssues counts detected issues and refreshes the active issue gauge
func RecordIssues(issues []*models.Issue) {
	counts := make(map[models.Severity]int, len(allSeverities))
	for _, issue := range issues {
		IssuesDetectedTotal.WithLabelValues(string(issue.Severity), string(issue.Component.Kind)).Inc()
		counts[issue.Severity]++
	}
	for _, sev := range allSeverities {
		ActiveIssues.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}
}

// RecordRecovery records the outcome of a recovery action
func RecordRecovery(action models.RecoveryAction, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	RecoveriesTotal.WithLabelValues(string(action), result).Inc()
	RecoveryDurationSeconds.WithLabelValues(string(action)).Observe(duration.Seconds())
}

// SetRecoveryInProgress flips the in-progress gauge
func SetRecoveryInProgress(active bool) {
	if active {
		RecoveryInProgress.Set(1)
		return
	}
	RecoveryInProgress.Set(0)
}

// RecordNotification records a notification delivery attempt
func RecordNotification(kind string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// SetServerStatus marks status as current
func SetServerStatus(status models.ServerStatus) {
	for _, s := range allStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		ServerStatus.WithLabelValues(string(s)).Set(value)
	}
}

// SetHostMetrics publishes the latest readings
func SetHostMetrics(m models.HealthMetrics) {
	HostMetric.WithLabelValues("cpu").Set(m.CPUUsage)
	HostMetric.WithLabelValues("memory").Set(m.MemoryUsage)
	HostMetric.WithLabelValues("disk").Set(m.DiskUsage)
	HostMetric.WithLabelValues("latency_ms").Set(m.NetworkLatencyMs)
	HostMetric.WithLabelValues("uptime_seconds").Set(float64(m.UptimeSeconds))
}
