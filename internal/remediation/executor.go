// Package remediation runs recovery actions against the monitored host and
// verifies that each one actually took effect.
package remediation

import (
	"context"
	"fmt"
	"regexp"
	"time"

	autoherr "github.com/rcourtman/pulse-autoheal/internal/errors"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rcourtman/pulse-autoheal/internal/remote"
	"github.com/rs/zerolog/log"
)

// Config tunes the executor.
type Config struct {
	Host               string // probed after reboot and network reset
	RebootGrace        time.Duration
	RebootPollInterval time.Duration
	RebootPollTimeout  time.Duration
	KillCPUPercent     float64
	PrimaryInterface   string
}

// DefaultConfig returns the stock timings for host.
func DefaultConfig(host string) Config {
	return Config{
		Host:               host,
		RebootGrace:        90 * time.Second,
		RebootPollInterval: 10 * time.Second,
		RebootPollTimeout:  5 * time.Minute,
		KillCPUPercent:     50,
		PrimaryInterface:   "eth0",
	}
}

// ActionContext carries the target of an action.
type ActionContext struct {
	Component models.Component
}

// StepResult records one remote command issued by a handler.
type StepResult struct {
	Command  string        `json:"command"`
	Elevated bool          `json:"elevated"`
	Output   string        `json:"output,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration_ms"`
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Action   models.RecoveryAction `json:"action"`
	Success  bool                  `json:"success"`
	Message  string                `json:"message"`
	Err      error                 `json:"-"` // set when Success is false
	Steps    []StepResult          `json:"steps,omitempty"`
	Duration time.Duration         `json:"duration_ms"`
}

type handler func(ctx context.Context, s *session, ac ActionContext) (bool, string)

// Executor dispatches recovery actions to their handlers.
type Executor struct {
	cfg      Config
	runner   remote.Runner
	prober   remote.Prober
	handlers map[models.RecoveryAction]handler
}

var (
	nowFn   = time.Now
	afterFn = time.After

	safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)
)

// NewExecutor builds the dispatch table. manual_intervention deliberately
// has no entry.
func NewExecutor(cfg Config, runner remote.Runner, prober remote.Prober) *Executor {
	def := DefaultConfig(cfg.Host)
	if cfg.RebootPollInterval <= 0 {
		cfg.RebootPollInterval = def.RebootPollInterval
	}
	if cfg.RebootPollTimeout <= 0 {
		cfg.RebootPollTimeout = def.RebootPollTimeout
	}
	if cfg.KillCPUPercent <= 0 {
		cfg.KillCPUPercent = def.KillCPUPercent
	}
	if cfg.PrimaryInterface == "" {
		cfg.PrimaryInterface = def.PrimaryInterface
	}

	e := &Executor{cfg: cfg, runner: runner, prober: prober}
	e.handlers = map[models.RecoveryAction]handler{
		models.ActionRestartService:   e.restartService,
		models.ActionRestartContainer: e.restartContainer,
		models.ActionRebootServer:     e.rebootServer,
		models.ActionClearCache:       e.clearCache,
		models.ActionDiskCleanup:      e.diskCleanup,
		models.ActionNetworkReset:     e.networkReset,
		models.ActionProcessKill:      e.killHighCPUProcesses,
		models.ActionConfigRepair:     e.repairConfig,
	}
	return e
}

// Execute runs action against ac. It never panics and never returns an
// error; failures are reported through Outcome.
func (e *Executor) Execute(ctx context.Context, action models.RecoveryAction, ac ActionContext) (out Outcome) {
	start := nowFn()
	s := &session{runner: e.runner}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("action", string(action)).
				Str("component", ac.Component.Key()).
				Msg("Recovery action panicked")
			out = Outcome{
				Action:  action,
				Message: fmt.Sprintf("Recovery action panicked: %v", r),
				Err:     fmt.Errorf("recovery action %s panicked: %v", action, r),
			}
		}
		out.Steps = s.steps
		out.Duration = nowFn().Sub(start)

		event := log.Info()
		if !out.Success {
			event = log.Warn().
				Err(out.Err).
				Str("error_type", string(autoherr.TypeOf(out.Err))).
				Bool("retryable", autoherr.IsRetryableError(out.Err))
		}
		event.
			Str("action", string(action)).
			Str("component", ac.Component.Key()).
			Bool("success", out.Success).
			Int("steps", len(out.Steps)).
			Str("message", out.Message).
			Dur("duration", out.Duration).
			Msg("Recovery action finished")
	}()

	log.Info().
		Str("action", string(action)).
		Str("component", ac.Component.Key()).
		Msg("Executing recovery action")

	h, ok := e.handlers[action]
	if !ok {
		message := fmt.Sprintf("Unknown recovery action %q", action)
		if action == models.ActionManualIntervention {
			message = "Requires manual intervention"
		}
		return Outcome{
			Action:  action,
			Message: message,
			Err:     autoherr.NewValidationError(opName(action), e.cfg.Host, message),
		}
	}

	success, message := h(ctx, s, ac)
	out = Outcome{Action: action, Success: success, Message: message}
	if !success {
		out.Err = failureCause(opName(action), e.cfg.Host, message, s.steps)
	}
	return out
}

func opName(action models.RecoveryAction) string {
	return "recover_" + string(action)
}

// failureCause picks the error behind a failed action. A step that never
// reached the host (timeout, refused or broken connection) wins; otherwise the
// commands ran and the post-condition did not hold.
func failureCause(op, host, message string, steps []StepResult) error {
	for i := len(steps) - 1; i >= 0; i-- {
		switch autoherr.TypeOf(steps[i].Err) {
		case autoherr.ErrorTypeTimeout, autoherr.ErrorTypeConnection,
			autoherr.ErrorTypeConnectionRefused, autoherr.ErrorTypeTransport:
			return fmt.Errorf("%s: %w", op, steps[i].Err)
		}
	}
	return autoherr.NewVerificationError(op, host, message)
}

// session records every command a handler issues.
type session struct {
	runner remote.Runner
	steps  []StepResult
}

func (s *session) run(ctx context.Context, command string, elevate bool) remote.Result {
	start := nowFn()
	res := s.runner.Run(ctx, command, elevate)
	s.steps = append(s.steps, StepResult{
		Command:  command,
		Elevated: elevate,
		Output:   res.Output,
		Err:      res.Err,
		Duration: nowFn().Sub(start),
	})
	return res
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-afterFn(d):
		return nil
	}
}
