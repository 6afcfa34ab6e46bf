package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler tick and print its report",
	Long: `Run one scheduler tick: reclaim stale runs, enqueue slices for coverage
gaps, dispatch claimed runs and write the heartbeat.

Safe to run while "serve" is running; the queue's atomic claim keeps the two
from handing the same run to the fetch worker twice.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, tickErr := a.orch.Tick(cmd.Context())
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return tickErr
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Requeue failed runs that have attempts left",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.orch.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d failed job runs\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tickCmd, retryCmd)
}
