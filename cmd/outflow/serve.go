package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/outflow-ai/outflow/pkg/admission"
	"github.com/outflow-ai/outflow/pkg/audit"
	"github.com/outflow-ai/outflow/pkg/budget"
	cachepkg "github.com/outflow-ai/outflow/pkg/cache/sqlite"
	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/metrics"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/queue"
	"github.com/outflow-ai/outflow/pkg/server"
	"github.com/outflow-ai/outflow/pkg/sink"
	"github.com/outflow-ai/outflow/pkg/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admission and queue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Signing.Secret == "" {
				return fmt.Errorf("signing.secret must be set")
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer func() { _ = st.Close() }()

			var cache *cachepkg.Cache
			if cfg.Cache.Enabled {
				cache, err = cachepkg.New(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = cache.Close() }()
			}

			var auditor *audit.Logger
			if cfg.Audit.Enabled {
				auditor, err = audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = auditor.Close() }()
			}

			guard := budget.New(cfg.Budget, budget.NewKillSwitch(cfg.Kill), st)

			// Spend is charged only after the sink call succeeded, so
			// retries of the same job never double-bill.
			recordSpend := func(job models.QueuedJob) {
				amount := cfg.Budget.Costs[job.OperationType]
				if amount == 0 {
					return
				}
				err := st.RecordSpend(context.Background(), models.SpendRecord{
					JobID:         job.ID,
					OperationType: job.OperationType,
					Amount:        amount,
					CreatedAt:     time.Now().UTC(),
				})
				if err != nil {
					log.Printf("serve: record spend for job %s: %v", job.ID, err)
				}
			}

			q := queue.New(queue.Config{
				MaxAttempts:       cfg.Queue.MaxAttempts,
				BackoffBase:       cfg.Queue.BackoffBase,
				BackoffMax:        cfg.Queue.BackoffMax,
				IdempotencyBucket: cfg.Queue.IdempotencyBucket,
			}, st, sink.NewHTTP(cfg.Sink, cfg.Signing.Secret), auditor, recordSpend)

			ctrl := admission.New(guard, nil)
			metrics.Register()

			srv := server.New(cfg, ctrl, q, cache, guard)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := q.Start(ctx); err != nil {
				return fmt.Errorf("start queue: %w", err)
			}
			defer q.Stop()

			log.Printf("starting outflow with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "outflow.yaml", "path to config file")
	return cmd
}
