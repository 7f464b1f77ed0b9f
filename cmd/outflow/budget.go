package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/outflow-ai/outflow/pkg/budget"
	"github.com/outflow-ai/outflow/pkg/store"
)

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect spend against the configured cost ceilings",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger spend vs daily and monthly caps",
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

			guard := budget.New(cfg.Budget, budget.NewKillSwitch(cfg.Kill), st)
			status, err := guard.Status(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PERIOD\tSPENT\tCAP\tREMAINING")
			fmt.Fprintf(w, "daily\t$%.2f\t$%.2f\t$%.2f\n",
				status.DailyTotal, status.DailyCap, status.Headroom.DailyRemaining)
			fmt.Fprintf(w, "monthly\t$%.2f\t$%.2f\t$%.2f\n",
				status.MonthlyTotal, status.MonthlyCap, status.Headroom.MonthlyRemaining)
			if err := w.Flush(); err != nil {
				return err
			}

			if cfg.Kill.Enabled {
				if cfg.Kill.Global {
					fmt.Println("\nKill switch: GLOBAL — all operations paused.")
				} else if len(cfg.Kill.Operations) > 0 {
					fmt.Printf("\nKill switch: paused operations: %v\n", cfg.Kill.Operations)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	cmd.AddCommand(statusCmd)
	return cmd
}
