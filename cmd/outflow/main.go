package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "outflow",
		Short:   "Outflow — admission-controlled durable dispatch for automation jobs",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newQueueCmd(),
		newBudgetCmd(),
		newThrottleCmd(),
		newCacheCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
