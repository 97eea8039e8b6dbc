package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/collector"
	"github.com/rcourtman/pulse-autoheal/internal/config"
	"github.com/rcourtman/pulse-autoheal/internal/diagnostics"
	"github.com/rcourtman/pulse-autoheal/internal/learning"
	"github.com/rcourtman/pulse-autoheal/internal/logging"
	"github.com/rcourtman/pulse-autoheal/internal/monitoring"
	"github.com/rcourtman/pulse-autoheal/internal/notifications"
	"github.com/rcourtman/pulse-autoheal/internal/remediation"
	"github.com/rcourtman/pulse-autoheal/internal/remote"
	"github.com/rcourtman/pulse-autoheal/internal/status"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var notificationDrainTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:     "pulse-autoheal",
	Short:   "Pulse Autoheal - self-healing monitor for a single Linux server",
	Long:    `Pulse Autoheal watches one remote server, diagnoses problems from its metrics and runs recovery actions over SSH.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring and recovery loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pulse Autoheal %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() error {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "pulse-autoheal",
	})
	defer logging.Shutdown()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "pulse-autoheal",
		FilePath:  cfg.LogFile,
	})

	log.Info().
		Str("version", Version).
		Str("server", cfg.ServerIP).
		Msg("Starting Pulse Autoheal")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := learning.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open learning database: %w", err)
	}
	defer store.Close()

	engine := diagnostics.NewEngine(cfg.Thresholds, store)

	runner, err := remote.NewSSHRunner(sshConfig(cfg))
	if err != nil {
		return fmt.Errorf("configure ssh: %w", err)
	}

	execCfg := remediation.DefaultConfig(cfg.ServerIP)
	execCfg.PrimaryInterface = cfg.PrimaryInterface
	executor := remediation.NewExecutor(execCfg, runner, remote.NewPingProber())

	source, err := newCollector(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	watcher, err := config.NewThresholdWatcher(cfg.EnvFile, engine.SetThresholds)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create threshold watcher, env file changes will require restart")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start threshold watcher")
	} else {
		defer watcher.Stop()
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	notifier := notifications.NewQueue(buildNotifier(cfg), notifications.DefaultQueueSize)
	defer notifier.Close(notificationDrainTimeout)

	monitor := monitoring.New(monitoring.Config{
		CheckInterval:    cfg.CheckInterval,
		RecoveryCooldown: cfg.RecoveryCooldown,
	}, source, engine, executor, notifier, buildPublisher(cfg))

	if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Pulse Autoheal stopped")
	return nil
}

func sshConfig(cfg *config.Config) remote.SSHConfig {
	sc := remote.DefaultSSHConfig(cfg.ServerIP)
	sc.Port = cfg.SSHPort
	sc.User = cfg.SSHUser
	sc.KeyPath = cfg.SSHKeyPath
	sc.KnownHostsPath = cfg.KnownHostsPath
	sc.SudoPassword = cfg.SudoPassword
	return sc
}

func newCollector(cfg *config.Config) (*collector.Collector, error) {
	c, err := collector.New(collector.Config{
		ServerIP:         cfg.ServerIP,
		PrometheusURL:    cfg.PrometheusURL,
		ServiceEndpoints: cfg.ServiceEndpoints,
		DockerHost:       cfg.DockerHost,
	})
	if err != nil {
		return nil, fmt.Errorf("configure collector: %w", err)
	}
	return c, nil
}

func buildNotifier(cfg *config.Config) notifications.Sink {
	if !cfg.NotificationsEnabled {
		return notifications.Discard{}
	}
	sinks := notifications.Multi{notifications.LogSink{}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notifications.NewWebhookSink(cfg.WebhookURL))
	}
	return sinks
}

func buildPublisher(cfg *config.Config) status.Publisher {
	return status.Multi{
		&status.FilePublisher{Path: cfg.StatusFilePath()},
		status.MetricsPublisher{},
	}
}
