package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/rebalancer/pkg/allocator"
	"github.com/cuemby/rebalancer/pkg/api"
	"github.com/cuemby/rebalancer/pkg/config"
	"github.com/cuemby/rebalancer/pkg/crank"
	"github.com/cuemby/rebalancer/pkg/journal"
	"github.com/cuemby/rebalancer/pkg/merger"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var stakeDeltaCmd = &cobra.Command{
	Use:   "stake-delta",
	Short: "Stake the reserve surplus or deactivate stake to cover a shortfall",
	Long: `Run the stake delta allocator once, regardless of the epoch phase.

The ledger only accepts these operations inside the settlement window at
the end of the epoch.`,
	RunE: algorithmCommand(allocator.Name),
}

var updatePriceCmd = &cobra.Command{
	Use:   "update-price",
	Short: "Refresh stale position balances",
	RunE:  algorithmCommand(crank.Name),
}

var mergeStakesCmd = &cobra.Command{
	Use:   "merge-stakes",
	Short: "Merge compatible positions of the same validator",
	RunE:  algorithmCommand(merger.Name),
}

var doWorkCmd = &cobra.Command{
	Use:   "do-work",
	Short: "Run one tick: whatever the current epoch phase calls for",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.scheduler.RunTick(ctx, cfg.MaxRun)
		printReport(report)
		return err
	},
}

func algorithmCommand(name string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.scheduler.RunAlgorithm(ctx, name, cfg.MaxRun)
		printReport(report)
		return err
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ticks periodically and serve health and metrics",
	Long: `Start the controller daemon.

A tick runs immediately and then every --interval. Health, readiness,
Prometheus metrics and the tick journal are served on --metrics-addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var store journal.Store
		if cfg.Journal.Dir != "" {
			bolt, err := journal.NewBoltStore(cfg.Journal.Dir)
			if err != nil {
				metrics.RegisterComponent(metrics.ComponentJournal, false, err.Error())
				return err
			}
			defer bolt.Close()
			metrics.RegisterComponent(metrics.ComponentJournal, true, "")
			store = bolt
			a.scheduler.SetRecorder(journal.Retain(bolt, cfg.Journal.Keep))
		}

		collector := metrics.NewCollector(a.reader, cfg.MetricsInterval)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(a.scheduler, store)
		server.SetBroker(a.broker)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(cfg.MetricsAddr)
		})
		g.Go(func() error {
			a.scheduler.Start()
			<-ctx.Done()
			fmt.Println("\nShutting down...")
			a.scheduler.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		fmt.Printf("Rebalancer is running (metrics on %s). Press Ctrl+C to stop.\n", cfg.MetricsAddr)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	def := config.Default()
	runCmd.Flags().Duration("interval", def.Interval, "Period between ticks")
	runCmd.Flags().String("journal", def.Journal.Dir, "Tick journal directory (empty disables)")
	runCmd.Flags().String("metrics-addr", def.MetricsAddr, "Health and metrics listen address")
}

func printReport(report *types.TickReport) {
	if report == nil {
		return
	}

	fmt.Printf("Tick %s (%s) epoch %d slot %d in %s\n",
		report.ID, report.Phase, report.Epoch, report.Slot, report.Duration.Round(time.Millisecond))

	names := make([]string, 0, len(report.Algorithms))
	for name := range report.Algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := report.Algorithms[name]
		fmt.Printf("  %-12s ok=%d err=%d total=%d%s\n", name, r.OpsOK, r.OpsErr, r.Processed, stopReason(r))
	}
	fmt.Printf("  %-12s ok=%d err=%d total=%d%s\n", "total", report.Total.OpsOK, report.Total.OpsErr, report.Total.Processed, stopReason(report.Total))
}

func stopReason(r types.Report) string {
	switch {
	case r.LimitReached:
		return " (limit reached)"
	case r.BudgetExhausted:
		return " (budget exhausted)"
	default:
		return ""
	}
}
