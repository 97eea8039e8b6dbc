// Package models holds the data types shared by the diagnostic engine, the
// recovery executor and the monitoring loop.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// HealthMetrics is a point-in-time health snapshot of the monitored host.
// A fresh value is produced every cycle and never mutated afterwards.
type HealthMetrics struct {
	CPUUsage         float64           `json:"cpu"`
	MemoryUsage      float64           `json:"memory"`
	DiskUsage        float64           `json:"disk"`
	NetworkLatencyMs float64           `json:"network_latency"`
	UptimeSeconds    int64             `json:"uptime"`
	Services         map[string]bool   `json:"services"`
	Containers       map[string]string `json:"containers,omitempty"`
	ErrorCount       int               `json:"error_count"`
	CollectedAt      time.Time         `json:"collected_at"`
}

// ServiceNames returns the service names in lexical order.
func (m HealthMetrics) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContainerNames returns the container names in lexical order.
func (m HealthMetrics) ContainerNames() []string {
	names := make([]string, 0, len(m.Containers))
	for name := range m.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Severity grades an Issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities; critical is highest. Unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the four severity literals.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ComponentKind is the routing half of a Component.
type ComponentKind string

const (
	ComponentCPU       ComponentKind = "cpu"
	ComponentMemory    ComponentKind = "memory"
	ComponentDisk      ComponentKind = "disk"
	ComponentService   ComponentKind = "service"
	ComponentContainer ComponentKind = "container"
	ComponentNetwork   ComponentKind = "network"
)

// Component identifies what an Issue is about, e.g. {service, nginx}.
// Host-wide resources (cpu, memory, disk, network) carry no Name.
type Component struct {
	Kind ComponentKind `json:"kind"`
	Name string        `json:"name,omitempty"`
}

// Key renders the component as "kind" or "kind:name". It is used for storage
// and display only; routing always goes through Kind and Name.
func (c Component) Key() string {
	if c.Name == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Name
}

func (c Component) String() string {
	return c.Key()
}

// RecoveryAction is one of the fixed remediation operations.
type RecoveryAction string

const (
	ActionRestartService     RecoveryAction = "restart_service"
	ActionRebootServer       RecoveryAction = "reboot_server"
	ActionClearCache         RecoveryAction = "clear_cache"
	ActionRestartContainer   RecoveryAction = "restart_container"
	ActionNetworkReset       RecoveryAction = "network_reset"
	ActionDiskCleanup        RecoveryAction = "disk_cleanup"
	ActionProcessKill        RecoveryAction = "process_kill"
	ActionConfigRepair       RecoveryAction = "config_repair"
	ActionManualIntervention RecoveryAction = "manual_intervention"
)

// AllActions lists every RecoveryAction in declaration order.
var AllActions = []RecoveryAction{
	ActionRestartService,
	ActionRebootServer,
	ActionClearCache,
	ActionRestartContainer,
	ActionNetworkReset,
	ActionDiskCleanup,
	ActionProcessKill,
	ActionConfigRepair,
	ActionManualIntervention,
}

// ParseRecoveryAction converts a stored action name back to a RecoveryAction.
func ParseRecoveryAction(s string) (RecoveryAction, error) {
	candidate := RecoveryAction(strings.TrimSpace(s))
	for _, action := range AllActions {
		if action == candidate {
			return action, nil
		}
	}
	return "", fmt.Errorf("unknown recovery action %q", s)
}

// AutoExecutable reports whether the executor may run the action unattended.
func (a RecoveryAction) AutoExecutable() bool {
	return a != ActionManualIntervention
}

// Issue is a single detected health problem. Issues are rebuilt on every
// diagnostic pass and are never persisted as standalone records.
type Issue struct {
	ID          string           `json:"id"`
	Severity    Severity         `json:"severity"`
	Component   Component        `json:"component"`
	Description string           `json:"description"`
	DetectedAt  time.Time        `json:"detected_at"`
	Context     map[string]any   `json:"context,omitempty"`
	Actions     []RecoveryAction `json:"suggested_actions"`
	Resolved    bool             `json:"resolved"`
	Resolution  string           `json:"resolution,omitempty"`
}

// ServerStatus is the overall state published for the monitored host.
type ServerStatus string

const (
	StatusHealthy    ServerStatus = "healthy"
	StatusDegraded   ServerStatus = "degraded"
	StatusCritical   ServerStatus = "critical"
	StatusOffline    ServerStatus = "offline"
	StatusRecovering ServerStatus = "recovering"
	StatusUnknown    ServerStatus = "unknown"
)

// SortBySeverity stable-sorts issues from critical down to low.
func SortBySeverity(issues []*Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity.Rank() > issues[j].Severity.Rank()
	})
}
