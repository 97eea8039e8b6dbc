package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/pulse-autoheal/internal/config"
	"github.com/rcourtman/pulse-autoheal/internal/diagnostics"
	"github.com/rcourtman/pulse-autoheal/internal/learning"
	"github.com/rcourtman/pulse-autoheal/internal/models"
	"github.com/rcourtman/pulse-autoheal/internal/monitoring"
	"github.com/rcourtman/pulse-autoheal/internal/status"
	"github.com/spf13/cobra"
)

var (
	dataDir    string
	limit      int
	jsonOutput bool
)

func init() {
	for _, cmd := range []*cobra.Command{historyCmd, patternsCmd} {
		cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the learning database (default from AUTOHEAL_DATA_DIR)")
		cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows to show")
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
	}
	checkCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")
	statusCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the status file (default from AUTOHEAL_DATA_DIR)")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Collect metrics once and print the diagnosis without recovering",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		source, err := newCollector(cfg)
		if err != nil {
			return err
		}
		defer source.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		snapshot := source.Collect(ctx)
		issues := diagnostics.NewEngine(cfg.Thresholds, nil).Analyze(snapshot)
		return printCheck(cmd.OutOrStdout(), snapshot, issues)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent recovery attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), entries)
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show recorded diagnostic patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		patterns, err := store.Patterns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printPatterns(cmd.OutOrStdout(), patterns)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status last published by the running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := statusPath()
		if err != nil {
			return err
		}
		report, err := status.Load(path)
		if err != nil {
			return fmt.Errorf("read status file: %w", err)
		}
		return printStatus(cmd.OutOrStdout(), report)
	},
}

func statusPath() (string, error) {
	if dataDir != "" {
		return filepath.Join(dataDir, config.StatusFileName), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.StatusFilePath(), nil
}

func openStore() (*learning.Store, error) {
	path := ""
	if dataDir != "" {
		path = filepath.Join(dataDir, config.DatabaseFileName)
	} else {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.DatabasePath()
	}
	store, err := learning.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open learning database: %w", err)
	}
	return store, nil
}

func printCheck(out io.Writer, snapshot models.HealthMetrics, issues []*models.Issue) error {
	st := monitoring.StatusFor(issues, snapshot.ErrorCount)
	if jsonOutput {
		return writeJSON(out, status.NewReport(st, snapshot, issues, false, snapshot.CollectedAt))
	}

	fmt.Fprintf(out, "Server Status: %s\n", strings.ToUpper(string(st)))
	fmt.Fprintf(out, "CPU %.1f%%  Memory %.1f%%  Disk %.1f%%  Latency %.0fms  Errors %d\n",
		snapshot.CPUUsage, snapshot.MemoryUsage, snapshot.DiskUsage, snapshot.NetworkLatencyMs, snapshot.ErrorCount)
	if len(issues) == 0 {
		fmt.Fprintln(out, "No issues detected")
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tCOMPONENT\tDESCRIPTION\tSUGGESTED")
	for _, issue := range issues {
		actions := make([]string, 0, len(issue.Actions))
		for _, a := range issue.Actions {
			actions = append(actions, string(a))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", issue.Severity, issue.Component, issue.Description, strings.Join(actions, ","))
	}
	return tw.Flush()
}

func printStatus(out io.Writer, report status.Report) error {
	if jsonOutput {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "Server Status: %s\n", strings.ToUpper(string(report.Status)))
	fmt.Fprintf(out, "Updated: %s\n", report.LastUpdate.Local().Format(time.DateTime))
	if report.RecoveryInProgress {
		fmt.Fprintln(out, "Recovery in progress")
	}
	if len(report.Issues) == 0 {
		fmt.Fprintln(out, "No issues detected")
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tCOMPONENT\tDESCRIPTION")
	for _, issue := range report.Issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", issue.Severity, issue.Component, issue.Description)
	}
	return tw.Flush()
}

func printHistory(out io.Writer, entries []learning.HistoryEntry) error {
	if jsonOutput {
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No recovery attempts recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCOMPONENT\tACTION\tRESULT\tDURATION")
	for _, e := range entries {
		result := "failure"
		if e.Success {
			result = "success"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1fs\n",
			e.Timestamp.Local().Format(time.DateTime), e.Component, e.Action, result, e.DurationSeconds)
	}
	return tw.Flush()
}

func printPatterns(out io.Writer, patterns []learning.Pattern) error {
	if jsonOutput {
		return writeJSON(out, patterns)
	}
	if len(patterns) == 0 {
		fmt.Fprintln(out, "No patterns recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAST SEEN\tCOMPONENT\tSEVERITY\tOCCURRENCES\tHASH")
	for _, p := range patterns {
		hash := p.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			p.LastSeen.Local().Format(time.DateTime), p.Component, p.Severity, p.Occurrences, hash)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
