// Package collector assembles a HealthMetrics snapshot for the monitored host
// from Prometheus (or local gopsutil sampling), HTTP service probes, the
// docker daemon and a latency probe.
package collector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/client"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Source produces one snapshot per call. It never fails; problems are
// counted in HealthMetrics.ErrorCount: one per failed host reading, one for
// the docker listing, one per unreachable service and one for the latency
// probe.
type Source interface {
	Collect(ctx context.Context) models.HealthMetrics
}

// Config configures a Collector.
type Config struct {
	ServerIP         string
	PrometheusURL    string // empty selects local sampling
	ServiceEndpoints map[string]string
	DockerHost       string // empty disables container checks
	QueryTimeout     time.Duration
	ProbeTimeout     time.Duration
	LatencyTimeout   time.Duration
}

// LatencyFailureMs is reported when the latency probe gets no answer.
const LatencyFailureMs = 9999

// Collector is the production Source.
type Collector struct {
	cfg        Config
	host       hostSampler
	docker     containerLister
	httpClient *http.Client
	closeFn    func() error
}

var nowFn = time.Now

// New wires the metric backends selected by cfg.
func New(cfg Config) (*Collector, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.LatencyTimeout <= 0 {
		cfg.LatencyTimeout = 2 * time.Second
	}

	c := &Collector{cfg: cfg, httpClient: &http.Client{}}

	if cfg.PrometheusURL != "" {
		promClient, err := promapi.NewClient(promapi.Config{Address: cfg.PrometheusURL})
		if err != nil {
			return nil, fmt.Errorf("create prometheus client: %w", err)
		}
		c.host = &prometheusSampler{api: promv1.NewAPI(promClient), timeout: cfg.QueryTimeout}
	} else {
		log.Info().Msg("No Prometheus URL configured; sampling local host metrics")
		c.host = &localSampler{}
	}

	if cfg.DockerHost != "" {
		dockerClient, err := client.NewClientWithOpts(client.WithHost(cfg.DockerHost), client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		c.docker = dockerClient
		c.closeFn = dockerClient.Close
	}
	return c, nil
}

// Close releases the docker client, if any.
func (c *Collector) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Collect fans out to every backend and merges the results.
func (c *Collector) Collect(ctx context.Context) models.HealthMetrics {
	var (
		mu       sync.Mutex
		failures int
		host     hostSample
		services map[string]bool
		states   map[string]string
		latency  float64
	)
	fail := func(n int) {
		mu.Lock()
		failures += n
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		var errs int
		host, errs = c.host.Sample(ctx)
		fail(errs)
		return nil
	})
	g.Go(func() error {
		var unreachable int
		services, unreachable = c.checkServices(ctx)
		fail(unreachable)
		return nil
	})
	if c.docker != nil {
		g.Go(func() error {
			var err error
			states, err = containerStates(ctx, c.docker)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to list containers")
				fail(1)
			}
			return nil
		})
	}
	g.Go(func() error {
		var ok bool
		latency, ok = c.measureLatency(ctx)
		if !ok {
			fail(1)
		}
		return nil
	})
	_ = g.Wait()

	if states == nil {
		states = map[string]string{}
	}
	return models.HealthMetrics{
		CPUUsage:         host.cpu,
		MemoryUsage:      host.memory,
		DiskUsage:        host.disk,
		UptimeSeconds:    host.uptime,
		NetworkLatencyMs: latency,
		Services:         services,
		Containers:       states,
		ErrorCount:       failures,
		CollectedAt:      nowFn(),
	}
}

// checkServices probes every endpoint concurrently; only HTTP 200 counts as
// up. The second result counts endpoints that could not be reached at all,
// as opposed to ones that answered with another status.
func (c *Collector) checkServices(ctx context.Context) (map[string]bool, int) {
	results := make(map[string]bool, len(c.cfg.ServiceEndpoints))
	var (
		mu          sync.Mutex
		unreachable int
		g           errgroup.Group
	)
	for name, url := range c.cfg.ServiceEndpoints {
		g.Go(func() error {
			up, err := c.probe(ctx, url)
			if err != nil {
				log.Debug().Err(err).Str("service", name).Str("url", url).Msg("Service unreachable")
			} else if !up {
				log.Debug().Str("service", name).Str("url", url).Msg("Service probe failed")
			}
			mu.Lock()
			results[name] = up
			if err != nil {
				unreachable++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, unreachable
}

// probe reports whether url answered 200. err is set only when no response
// was received.
func (c *Collector) probe(ctx context.Context, url string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// measureLatency times an HTTP round trip to the server's port 80. Any
// response counts; no response reports LatencyFailureMs and ok=false.
func (c *Collector) measureLatency(ctx context.Context) (float64, bool) {
	if c.cfg.ServerIP == "" {
		return 0, true
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LatencyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.cfg.ServerIP, nil)
	if err != nil {
		return LatencyFailureMs, false
	}
	start := nowFn()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("host", c.cfg.ServerIP).Msg("Latency probe failed")
		return LatencyFailureMs, false
	}
	resp.Body.Close()
	return float64(nowFn().Sub(start).Microseconds()) / 1000, true
}
