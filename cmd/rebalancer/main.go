package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/rebalancer/pkg/config"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once by the root command before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rebalancer",
	Short: "Rebalancing controller for a pooled staking instance",
	Long: `Rebalancer keeps a pooled staking instance in shape.

Near the end of every epoch it stakes the reserve surplus into the best
scored validators or deactivates stake to cover withdrawal commitments.
During the rest of the epoch it refreshes position balances and merges
compatible positions.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rebalancer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	def := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML configuration file")
	flags.String("rpc-url", def.RPC.URL, "Ledger JSON-RPC endpoint")
	flags.String("commitment", def.RPC.Commitment, "Commitment level (processed, confirmed, finalized)")
	flags.StringP("instance", "i", def.Instance, "Pool instance address")
	flags.StringP("fee-payer", "f", def.FeePayer, "Fee payer keypair file")
	flags.String("rent-payer", def.RentPayer, "Rent payer keypair file (defaults to the fee payer)")
	flags.String("manager", def.Manager, "Manager authority keypair file, needed to request extra runs")
	flags.Uint32P("limit", "l", def.Limit, "Execute at most n transactions per run (0 = unlimited)")
	flags.BoolP("simulate", "s", def.Simulate, "Only simulate transactions")
	flags.Duration("max-run", def.MaxRun, "Time budget of one run (0 = unlimited)")
	flags.Duration("pause", def.Pause, "Wait between stake delta transactions")
	flags.Int("batch-size", def.BatchSize, "Transaction size ceiling in bytes (0 = unlimited)")
	flags.String("extra-runs", def.ExtraRuns, "Extra runs policy (validators-with-score, fixed:N, disabled)")
	flags.String("log-level", def.Log.Level, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", def.Log.JSON, "Log as JSON")

	rootCmd.AddCommand(stakeDeltaCmd)
	rootCmd.AddCommand(updatePriceCmd)
	rootCmd.AddCommand(mergeStakesCmd)
	rootCmd.AddCommand(doWorkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(journalCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	applyFlags(cmd, cfg)

	log.Init(cfg.LogConfig())
	metrics.SetVersion(Version)
	return nil
}

// applyFlags copies explicitly set flags over the file values
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}

	str("rpc-url", &c.RPC.URL)
	str("commitment", &c.RPC.Commitment)
	str("instance", &c.Instance)
	str("fee-payer", &c.FeePayer)
	str("rent-payer", &c.RentPayer)
	str("manager", &c.Manager)
	str("extra-runs", &c.ExtraRuns)
	str("log-level", &c.Log.Level)
	dur("max-run", &c.MaxRun)
	dur("pause", &c.Pause)
	dur("interval", &c.Interval)
	str("journal", &c.Journal.Dir)
	str("metrics-addr", &c.MetricsAddr)

	if flags.Changed("limit") {
		c.Limit, _ = flags.GetUint32("limit")
	}
	if flags.Changed("simulate") {
		c.Simulate, _ = flags.GetBool("simulate")
	}
	if flags.Changed("batch-size") {
		c.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("log-json") {
		c.Log.JSON, _ = flags.GetBool("log-json")
	}
}
