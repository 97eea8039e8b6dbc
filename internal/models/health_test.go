package models

import (
	"testing"
)

func TestSeverityRank(t *testing.T) {
	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Fatalf("expected %s to outrank %s", ordered[i], ordered[i-1])
		}
	}
	if Severity("warning").Valid() {
		t.Fatal("expected unknown severity to be invalid")
	}
}

func TestComponentKey(t *testing.T) {
	cases := []struct {
		component Component
		want      string
	}{
		{Component{Kind: ComponentCPU}, "cpu"},
		{Component{Kind: ComponentService, Name: "nginx"}, "service:nginx"},
		{Component{Kind: ComponentContainer, Name: "app:v2"}, "container:app:v2"},
	}
	for _, tc := range cases {
		if got := tc.component.Key(); got != tc.want {
			t.Errorf("Key() = %q, want %q", got, tc.want)
		}
	}
}

func TestParseRecoveryAction(t *testing.T) {
	for _, action := range AllActions {
		parsed, err := ParseRecoveryAction(string(action))
		if err != nil {
			t.Fatalf("ParseRecoveryAction(%q) failed: %v", action, err)
		}
		if parsed != action {
			t.Fatalf("expected %q, got %q", action, parsed)
		}
	}
	if _, err := ParseRecoveryAction("format_disk"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestAutoExecutable(t *testing.T) {
	if ActionManualIntervention.AutoExecutable() {
		t.Fatal("manual intervention must never be auto-executed")
	}
	if !ActionRestartService.AutoExecutable() {
		t.Fatal("expected restart_service to be auto-executable")
	}
}

func TestSortBySeverityIsStable(t *testing.T) {
	issues := []*Issue{
		{ID: "a", Severity: SeverityMedium},
		{ID: "b", Severity: SeverityCritical},
		{ID: "c", Severity: SeverityHigh},
		{ID: "d", Severity: SeverityCritical},
		{ID: "e", Severity: SeverityLow},
	}
	SortBySeverity(issues)

	want := []string{"b", "d", "c", "a", "e"}
	for i, id := range want {
		if issues[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, issues[i].ID)
		}
	}
}

func TestSortedNames(t *testing.T) {
	m := HealthMetrics{
		Services:   map[string]bool{"nginx": true, "grafana": false, "prometheus": true},
		Containers: map[string]string{"web": "running", "db": "exited"},
	}
	services := m.ServiceNames()
	if services[0] != "grafana" || services[2] != "prometheus" {
		t.Fatalf("unexpected service order: %v", services)
	}
	containers := m.ContainerNames()
	if containers[0] != "db" || containers[1] != "web" {
		t.Fatalf("unexpected container order: %v", containers)
	}
}
