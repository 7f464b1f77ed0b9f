package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/outflow-ai/outflow/pkg/audit"
	"github.com/outflow-ai/outflow/pkg/models"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the dispatch audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath string
		jobID      string
		operation  string
		outcome    string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search dispatch records",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.DispatchQueryOpts{
				JobID:         jobID,
				OperationType: models.OperationKind(operation),
				Outcome:       outcome,
				Limit:         limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			records, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatDispatchRecords(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	cmd.Flags().StringVar(&jobID, "job-id", "", "filter by job ID")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation kind")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (succeeded, transient, fatal, abandoned)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to return")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dispatch counts by operation, day, and outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatDispatchStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete dispatch records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d dispatch records.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	return cmd
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatDispatchRecords(records []models.DispatchRecord) string {
	if len(records) == 0 {
		return "No dispatch records found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-38s %-20s %7s %-10s %8s %-20s\n",
		"CORRELATION ID", "JOB ID", "OPERATION", "ATTEMPT", "OUTCOME", "LATENCY", "TIME")
	b.WriteString(strings.Repeat("-", 148) + "\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%-38s %-38s %-20s %7d %-10s %6dms %-20s\n",
			r.CorrelationID, r.JobID, r.OperationType, r.Attempt, r.Outcome,
			r.LatencyMs, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatDispatchStats(stats []models.DispatchStat) string {
	if len(stats) == 0 {
		return "No dispatch stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %-10s %8s\n", "OPERATION", "DAY", "OUTCOME", "COUNT")
	b.WriteString(strings.Repeat("-", 54) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-20s %-12s %-10s %8d\n", s.OperationType, s.Day, s.Outcome, s.Count)
	}
	return b.String()
}
