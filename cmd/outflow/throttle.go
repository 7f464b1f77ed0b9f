package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/throttle"
)

func newThrottleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throttle <usage-percentage>",
		Short: "Show the throttling state and per-operation policy for a usage level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid usage percentage %q", args[0])
			}

			state := throttle.Classify(pct)
			fmt.Printf("Usage %.1f%% -> state %s\n\n", pct, state)

			kinds := []models.OperationKind{
				models.OpPublishPost,
				models.OpGenerateContent,
				models.OpRefreshAnalytics,
				models.OpExportReport,
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tFRESH WITHOUT CACHE\tWITH CACHE")
			for _, kind := range kinds {
				fresh := throttle.Decide(kind, state, false, 0)
				cached := throttle.Decide(kind, state, true, 0)
				fmt.Fprintf(w, "%s\t%s\t%s\n", kind, describe(fresh), describe(cached))
			}
			return w.Flush()
		},
	}
	return cmd
}

func describe(dec models.AdmissionDecision) string {
	switch {
	case dec.Allowed && dec.UseCache && dec.CacheTTL > 0:
		return fmt.Sprintf("cached (ttl %s)", dec.CacheTTL)
	case dec.Allowed && dec.UseCache:
		return "cached (stale ok)"
	case dec.Allowed:
		return "fresh"
	default:
		return "denied: " + dec.Reason
	}
}
