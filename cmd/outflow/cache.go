package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cachepkg "github.com/outflow-ai/outflow/pkg/cache/sqlite"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the result cache",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached results with their age",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := c.Entries(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Result cache is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tSCOPE\tSIZE\tAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%dB\t%s\n",
					e.OperationType, e.Scope, len(e.Payload),
					time.Since(e.CreatedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "max entries to list")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show result cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\nHits:    %d\nMisses:  %d\n",
				stats.Entries, stats.Hits, stats.Misses)
			return nil
		},
	}

	var olderThan time.Duration
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached results",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.Clear(olderThan); err != nil {
				return err
			}
			fmt.Println("Cache cleared.")
			return nil
		},
	}
	clearCmd.Flags().DurationVar(&olderThan, "older-than", 0, "only remove entries older than this (0 removes all)")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to outflow config file")
	cmd.AddCommand(listCmd, statsCmd, clearCmd)
	return cmd
}

func openCache(configPath string) (*cachepkg.Cache, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	c, err := cachepkg.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache db: %w", err)
	}
	return c, func() { _ = c.Close() }, nil
}
