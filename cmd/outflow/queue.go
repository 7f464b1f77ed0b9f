package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/outflow-ai/outflow/pkg/audit"
	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/queue"
	"github.com/outflow-ai/outflow/pkg/store"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the durable job queue",
	}

	cmd.AddCommand(
		newQueueListCmd(),
		newQueueShowCmd(),
		newQueueAbandonCmd(),
		newQueueRequeueCmd(),
	)
	return cmd
}

// openQueue opens the durable queue without starting the dispatcher, for
// one-shot operator commands against a stopped or remote-served database.
func openQueue(configPath string) (*queue.Queue, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var auditor *audit.Logger
	if cfg.Audit.Enabled {
		auditor, err = audit.New(cfg.Audit)
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("open audit db: %w", err)
		}
	}

	q := queue.New(queue.Config{}, st, nil, auditor, nil)
	cleanup := func() {
		if auditor != nil {
			_ = auditor.Close()
		}
		_ = st.Close()
	}
	return q, cleanup, nil
}

func newQueueListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			jobs, err := st.JobsByStatus(context.Background(), models.JobStatus(status), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tOPERATION\tSTATUS\tATTEMPTS\tSCHEDULED\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.OperationType, j.Status, j.Attempts,
					j.ScheduledAt.Format("2006-01-02 15:04:05"),
					truncate(j.LastError, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	cmd.Flags().StringVar(&status, "status", "queued", "job status to list (queued, processing, succeeded, failed, abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to return")
	return cmd
}

func newQueueShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a single job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := openQueue(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := q.Job(context.Background(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Job ID:          %s\n", job.ID)
			fmt.Printf("Operation:       %s\n", job.OperationType)
			fmt.Printf("Status:          %s\n", job.Status)
			fmt.Printf("Attempts:        %d\n", job.Attempts)
			fmt.Printf("Idempotency Key: %s\n", job.IdempotencyKey)
			fmt.Printf("Scheduled:       %s\n", job.ScheduledAt.Format(time.RFC3339))
			fmt.Printf("Created:         %s\n", job.CreatedAt.Format(time.RFC3339))
			if job.ExternalID != "" {
				fmt.Printf("External ID:     %s\n", job.ExternalID)
			}
			if job.LastError != "" {
				fmt.Printf("Last Error:      %s\n", job.LastError)
			}
			if len(job.Payload) > 0 {
				fmt.Printf("\n--- Payload ---\n%s\n", job.Payload)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	return cmd
}

func newQueueAbandonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "abandon <job-id>",
		Short: "Abandon a queued job before dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := openQueue(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := q.Abandon(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Abandoned job %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	return cmd
}

func newQueueRequeueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Requeue a failed or abandoned job for a fresh attempt cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := openQueue(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := q.Requeue(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Requeued job %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if cfg.Audit.DBPath == "" {
			cfg.Audit.DBPath = cfg.DBPath
		}
		return cfg, nil
	}
	return config.Load(path)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
