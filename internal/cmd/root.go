package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"marketsync/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "Coverage-gap scheduler for market data",
	Long: `marketsync keeps configured (symbol, timeframe) series covered.

Each tick it finds the gaps in the lookback window of every enabled job
definition, queues fetch work for the newest gaps first and hands claimed
runs to the fetch worker.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := setupLogging(c.Log, cmd.ErrOrStderr()); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed "+config.EnvPrefix+"_ override it")
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setupLogging(c config.LogConfig, out io.Writer) error {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return errors.Wrapf(err, "log.level %q", c.Level)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	switch c.Format {
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	default:
		return errors.Newf("unsupported log.format %q", c.Format)
	}
	return nil
}
