package collector

import (
	"context"
	"fmt"
	"time"

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// PromQL expressions for node_exporter metrics.
const (
	queryCPU    = `100 - (avg(rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100)`
	queryMemory = `(1 - (node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)) * 100`
	queryDisk   = `(node_filesystem_size_bytes{mountpoint="/"} - node_filesystem_avail_bytes{mountpoint="/"}) / node_filesystem_size_bytes{mountpoint="/"} * 100`
	queryUptime = `node_time_seconds - node_boot_time_seconds`
)

type hostSample struct {
	cpu    float64
	memory float64
	disk   float64
	uptime int64
}

// hostSampler reads cpu, memory, disk and uptime. The int is the number of
// readings that failed.
type hostSampler interface {
	Sample(ctx context.Context) (hostSample, int)
}

// instantQuerier is the subset of promv1.API used here.
type instantQuerier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

type prometheusSampler struct {
	api     instantQuerier
	timeout time.Duration
}

func (p *prometheusSampler) Sample(ctx context.Context) (hostSample, int) {
	var (
		s      hostSample
		failed int
	)
	read := func(name, query string) float64 {
		v, err := p.query(ctx, query)
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Prometheus query failed")
			failed++
		}
		return v
	}
	s.cpu = read("cpu", queryCPU)
	s.memory = read("memory", queryMemory)
	s.disk = read("disk", queryDisk)
	s.uptime = int64(read("uptime", queryUptime))
	return s, failed
}

// query runs an instant query and returns the first sample. An empty result
// reads as zero without error.
func (p *prometheusSampler) query(ctx context.Context, query string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, warnings, err := p.api.Query(ctx, query, nowFn())
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", query, err)
	}
	for _, w := range warnings {
		log.Debug().Str("warning", w).Msg("Prometheus query warning")
	}

	switch v := value.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, nil
		}
		return float64(v[0].Value), nil
	case *model.Scalar:
		return float64(v.Value), nil
	default:
		return 0, fmt.Errorf("query %q: unexpected result type %s", query, value.Type())
	}
}

// System call wrappers for testing
var (
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	diskUsage     = godisk.UsageWithContext
	hostUptime    = gohost.UptimeWithContext
)

// localSampler reads the machine the agent runs on.
type localSampler struct{}

func (localSampler) Sample(ctx context.Context) (hostSample, int) {
	var (
		s      hostSample
		failed int
	)
	if percentages, err := cpuPercent(ctx, time.Second, false); err == nil && len(percentages) > 0 {
		s.cpu = clampPercent(percentages[0])
	} else {
		failed++
	}
	if vm, err := virtualMemory(ctx); err == nil {
		s.memory = vm.UsedPercent
	} else {
		failed++
	}
	if usage, err := diskUsage(ctx, "/"); err == nil {
		s.disk = usage.UsedPercent
	} else {
		failed++
	}
	if uptime, err := hostUptime(ctx); err == nil {
		s.uptime = int64(uptime)
	} else {
		failed++
	}
	return s, failed
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
