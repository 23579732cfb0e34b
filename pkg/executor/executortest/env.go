// Package executortest wires an executor environment to an in-memory ledger.
package executortest

import (
	"testing"
	"time"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/clock"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/instruction"
	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/ledger/ledgertest"
)

// Start is the wall time fake clocks begin at
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Fixture is an executor environment backed by l
type Fixture struct {
	Env       *executor.Env
	Ledger    *ledgertest.Ledger
	Clock     *clock.FakeClock
	FeePayer  *keys.Keypair
	RentPayer *keys.Keypair
}

// New builds an environment on l. The rent payer is registered as a
// system account funded with 1e9 lamports.
func New(t testing.TB, l *ledgertest.Ledger) *Fixture {
	t.Helper()
	feePayer, err := keys.Generate()
	if err != nil {
		t.Fatalf("failed to generate fee payer: %v", err)
	}
	rentPayer, err := keys.Generate()
	if err != nil {
		t.Fatalf("failed to generate rent payer: %v", err)
	}
	l.AddAccount(rentPayer.PublicKey(), ledger.SystemProgram, 1_000_000_000)

	clk := clock.Fake(Start)
	batcher := batch.New(feePayer, batch.DefaultMaxSize)
	batcher.AddSigner(rentPayer)

	return &Fixture{
		Env: &executor.Env{
			Reader:    ledger.NewReader(l, l.Instance(), clk),
			Batcher:   batcher,
			Builder:   instruction.NewBuilder(l.Instance(), feePayer.PublicKey(), rentPayer.PublicKey()),
			Submitter: ledger.NewSubmitter(l, false),
			Clock:     clk,
			Pause:     executor.DefaultPause,
		},
		Ledger:    l,
		Clock:     clk,
		FeePayer:  feePayer,
		RentPayer: rentPayer,
	}
}
