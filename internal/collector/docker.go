package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
)

const dockerListTimeout = 10 * time.Second

type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// containerStates maps container name to a state string. Health check
// results take precedence over the run state, so a running container
// reports "healthy" or "unhealthy" when it has a health check.
func containerStates(ctx context.Context, docker containerLister) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerListTimeout)
	defer cancel()

	list, err := docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make(map[string]string, len(list))
	for _, summary := range list {
		name := containerName(summary)
		if name == "" {
			continue
		}
		states[name] = containerState(summary)
	}
	return states, nil
}

func containerName(summary container.Summary) string {
	for _, name := range summary.Names {
		if trimmed := strings.TrimPrefix(name, "/"); trimmed != "" {
			return trimmed
		}
	}
	if len(summary.ID) > 12 {
		return summary.ID[:12]
	}
	return summary.ID
}

func containerState(summary container.Summary) string {
	status := strings.ToLower(summary.Status)
	switch {
	case strings.Contains(status, "(unhealthy)"):
		return "unhealthy"
	case strings.Contains(status, "(healthy)"):
		return "healthy"
	}
	state := strings.ToLower(strings.TrimSpace(string(summary.State)))
	if state == "" {
		return "unknown"
	}
	return state
}
