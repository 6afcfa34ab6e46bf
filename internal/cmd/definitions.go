package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var definitionsCmd = &cobra.Command{
	Use:     "definitions",
	Aliases: []string{"defs"},
	Short:   "Manage job definitions",
}

var definitionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update job definitions from a YAML file",
	Long: `Create or update job definitions from a YAML file.

Definitions are matched on (symbol, timeframe, job_type). The whole file is
validated before anything is written.

Example file:
  definitions:
    - symbol: AAPL
      timeframe: h1
      job_type: fetch_intraday
      window_days: 7
      priority: 10
    - symbol: SPY
      timeframe: d1
      job_type: fetch_historical
      window_days: 365
      enabled: false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.registry.ImportFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d definitions\n", n)
		return nil
	},
}

var definitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		defs, err := a.registry.List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(defs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSYMBOL\tTIMEFRAME\tJOB TYPE\tWINDOW\tPRIORITY\tENABLED")
		for _, d := range defs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dd\t%d\t%t\n", d.ID, d.Symbol, d.Timeframe, d.JobType, d.WindowDays, d.Priority, d.Enabled)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(definitionsCmd)
	definitionsCmd.AddCommand(definitionsImportCmd, definitionsListCmd)
	definitionsListCmd.Flags().Bool("json", false, "Output as JSON")
}
