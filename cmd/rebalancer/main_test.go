package main

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/rebalancer/pkg/clock"
	"github.com/cuemby/rebalancer/pkg/config"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/ledger/ledgertest"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFlagsOverridesOnlyChanged(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	cmd.Flags().AddFlagSet(runCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--limit", "3",
		"--simulate",
		"--rpc-url", "http://node:8899",
		"--interval", "1m",
		"--journal", "/tmp/journal",
	}))

	c := config.Default()
	c.Instance = "from-file"
	applyFlags(cmd, c)

	assert.Equal(t, uint32(3), c.Limit)
	assert.True(t, c.Simulate)
	assert.Equal(t, "http://node:8899", c.RPC.URL)
	assert.Equal(t, time.Minute, c.Interval)
	assert.Equal(t, "/tmp/journal", c.Journal.Dir)
	assert.Equal(t, "from-file", c.Instance, "unset flags keep file values")
	assert.Equal(t, config.Default().MaxRun, c.MaxRun)
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "", stopReason(types.Report{}))
	assert.Equal(t, " (limit reached)", stopReason(types.Report{LimitReached: true, BudgetExhausted: true}))
	assert.Equal(t, " (budget exhausted)", stopReason(types.Report{BudgetExhausted: true}))
}

func TestSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"stake-delta", "update-price", "merge-stakes", "do-work", "run", "journal"} {
		assert.Contains(t, names, want)
	}
}

func TestCheckRentPayer(t *testing.T) {
	l := ledgertest.New(types.EpochClock{EpochFirstSlot: 0, EpochLastSlot: 999})
	wallet := ledgertest.Key("wallet")
	l.AddAccount(wallet, ledger.SystemProgram, 1_000_000)
	reader := ledger.NewReader(l, l.Instance(), clock.Fake(time.Unix(0, 0)))
	ctx := context.Background()

	assert.NoError(t, checkRentPayer(ctx, reader, wallet))
	assert.NoError(t, checkRentPayer(ctx, reader, ledgertest.Key("unfunded")))
	assert.ErrorIs(t, checkRentPayer(ctx, reader, l.Instance()), ledger.ErrWrongOwner)
}
