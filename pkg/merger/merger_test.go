package merger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/budget"
	"github.com/cuemby/rebalancer/pkg/executor/executortest"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/ledger/ledgertest"
	"github.com/cuemby/rebalancer/pkg/types"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validators = []types.Key{
	ledgertest.Key("validator-0"),
	ledgertest.Key("validator-1"),
	ledgertest.Key("validator-2"),
}

func epochClock() types.EpochClock {
	return types.EpochClock{Epoch: 10, Slot: 1100, EpochFirstSlot: 1000, EpochLastSlot: 1999}
}

func fullyActive(stake, credits uint64) types.Delegation {
	return types.Delegation{Stake: stake, DeactivationEpoch: types.NoDeactivation, Effective: stake, CreditsObserved: credits}
}

func warmingUp(stake, credits uint64) types.Delegation {
	return types.Delegation{Stake: stake, ActivationEpoch: 10, DeactivationEpoch: types.NoDeactivation, Activating: stake, CreditsObserved: credits}
}

func newLedger() *ledgertest.Ledger {
	l := ledgertest.New(epochClock())
	for _, v := range validators {
		l.AddValidator(v, 1, 0)
	}
	return l
}

func addPosition(l *ledgertest.Ledger, name string, validator types.Key, d types.Delegation) {
	l.AddPosition(ledgertest.Position{Address: ledgertest.Key(name), Voter: validator, Delegation: d, ObservedAmount: d.Stake, LastUpdateEpoch: 10})
}

func snapshot(t *testing.T, f *executortest.Fixture) *ledger.Snapshot {
	t.Helper()
	snap, err := f.Env.Reader.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestClassify(t *testing.T) {
	l := newLedger()
	addPosition(l, "warming", validators[0], warmingUp(50, 3))
	addPosition(l, "active", validators[1], fullyActive(100, 3))
	addPosition(l, "partial", validators[0], types.Delegation{Stake: 60, DeactivationEpoch: types.NoDeactivation, Effective: 40, Activating: 20})
	deactivating := fullyActive(80, 3)
	deactivating.DeactivationEpoch = 10
	deactivating.Deactivating = 80
	addPosition(l, "deactivating", validators[0], deactivating)
	f := executortest.New(t, l)

	candidates, err := Classify(snapshot(t, f))
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, Candidate{Index: 0, Address: ledgertest.Key("warming"), Kind: WarmingUp, CreditsObserved: 3, ValidatorIndex: 0}, candidates[0])
	assert.Equal(t, Candidate{Index: 1, Address: ledgertest.Key("active"), Kind: FullyActive, CreditsObserved: 3, ValidatorIndex: 1}, candidates[1])
}

func TestClassifyUnknownValidator(t *testing.T) {
	l := newLedger()
	addPosition(l, "stray", ledgertest.Key("elsewhere"), fullyActive(10, 0))
	f := executortest.New(t, l)

	_, err := Classify(snapshot(t, f))
	assert.ErrorIs(t, err, ledger.ErrUnknownValidator)

	_, err = New(f.Env).Run(context.Background(), budget.Unlimited(f.Clock))
	assert.ErrorIs(t, err, ledger.ErrUnknownValidator)
	assert.Equal(t, 0, l.Submissions())
}

func TestRunMergesBackToFront(t *testing.T) {
	l := newLedger()
	for i := 0; i < 4; i++ {
		addPosition(l, fmt.Sprintf("p%d", i), validators[0], fullyActive(100, 7))
	}
	tail := fullyActive(30, 7)
	tail.DeactivationEpoch = 9
	tail.Deactivating = 30
	addPosition(l, "tail", validators[0], tail)
	f := executortest.New(t, l)

	report, err := New(f.Env).Run(context.Background(), budget.Unlimited(f.Clock))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), report.OpsOK)
	assert.Equal(t, uint32(0), report.OpsErr)

	positions := l.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, ledgertest.Key("p0"), positions[0].Address)
	assert.Equal(t, uint64(400), positions[0].Delegation.Stake)
	assert.Equal(t, ledgertest.Key("tail"), positions[1].Address)
	assert.Zero(t, f.Clock.Slept(), "merges do not pause")
}

func TestRunMatchesKindAndCredits(t *testing.T) {
	l := newLedger()
	addPosition(l, "a1", validators[0], fullyActive(100, 1))
	addPosition(l, "w1", validators[0], warmingUp(50, 1))
	addPosition(l, "a2", validators[0], fullyActive(100, 2))
	addPosition(l, "b1", validators[1], fullyActive(100, 1))
	addPosition(l, "a1bis", validators[0], fullyActive(20, 1))
	f := executortest.New(t, l)

	candidates, err := Classify(snapshot(t, f))
	require.NoError(t, err)
	pairs := Pairs(candidates)
	require.Len(t, pairs, 1)
	assert.Equal(t, ledgertest.Key("a1"), pairs[0].Destination.Address)
	assert.Equal(t, ledgertest.Key("a1bis"), pairs[0].Source.Address)

	report, err := New(f.Env).Run(context.Background(), budget.Unlimited(f.Clock))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), report.OpsOK)
	assert.Len(t, l.Positions(), 4)
}

func TestRunTriesNextDestinationAfterFailure(t *testing.T) {
	l := newLedger()
	for i := 0; i < 3; i++ {
		addPosition(l, fmt.Sprintf("p%d", i), validators[0], fullyActive(100, 7))
	}
	l.FailWith(func(seq int, _ *batch.Message) error {
		if seq == 1 {
			return errors.New("injected")
		}
		return nil
	})
	f := executortest.New(t, l)

	report, err := New(f.Env).Run(context.Background(), budget.Unlimited(f.Clock))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), report.OpsOK)
	assert.Equal(t, uint32(1), report.OpsErr)
	assert.Equal(t, uint32(3), report.OpsTotal())

	positions := l.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, uint64(300), positions[0].Delegation.Stake)
}

func TestRunStopsAtLimit(t *testing.T) {
	l := newLedger()
	for i := 0; i < 4; i++ {
		addPosition(l, fmt.Sprintf("p%d", i), validators[0], fullyActive(100, 7))
	}
	f := executortest.New(t, l)
	f.Env.Limit = 1

	report, err := New(f.Env).Run(context.Background(), budget.Unlimited(f.Clock))
	require.NoError(t, err)
	assert.True(t, report.LimitReached)
	assert.Equal(t, 1, l.Submissions())
}

type fuzzPosition struct {
	Validator    uint8
	Warming      bool
	Credits      uint8
	Deactivating bool
}

// A proposed merge always joins positions with the same validator, kind and
// credits, a source is never used twice and sits above its destination.
func TestPairsOnlyJoinMatchingCandidates(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 30)

	for round := 0; round < 200; round++ {
		var seeds []fuzzPosition
		f.Fuzz(&seeds)

		candidates := make([]Candidate, len(seeds))
		for i, s := range seeds {
			kind := FullyActive
			if s.Warming {
				kind = WarmingUp
			}
			candidates[i] = Candidate{
				Index:           uint32(i),
				Address:         ledgertest.Key(fmt.Sprintf("%d-%d", round, i)),
				Kind:            kind,
				CreditsObserved: uint64(s.Credits % 3),
				ValidatorIndex:  uint32(s.Validator % 3),
			}
		}

		sources := make(map[uint32]bool)
		for _, p := range Pairs(candidates) {
			assert.Equal(t, p.Destination.ValidatorIndex, p.Source.ValidatorIndex)
			assert.Equal(t, p.Destination.Kind, p.Source.Kind)
			assert.Equal(t, p.Destination.CreditsObserved, p.Source.CreditsObserved)
			assert.Less(t, p.Destination.Index, p.Source.Index)
			assert.False(t, sources[p.Source.Index], "source merged twice")
			sources[p.Source.Index] = true
		}
	}
}

// Running the merger against the ledger never references a stale index and
// leaves exactly one position per mergeable group.
func TestRunKeepsIndexesValid(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 20)

	for round := 0; round < 30; round++ {
		var seeds []fuzzPosition
		f.Fuzz(&seeds)

		l := newLedger()
		for i, s := range seeds {
			credits := uint64(s.Credits % 2)
			d := fullyActive(100, credits)
			if s.Warming {
				d = warmingUp(100, credits)
			}
			if s.Deactivating {
				d.DeactivationEpoch = 9
				d.Deactivating = d.Effective
			}
			addPosition(l, fmt.Sprintf("%d-%d", round, i), validators[s.Validator%3], d)
		}
		fx := executortest.New(t, l)

		candidates, err := Classify(snapshot(t, fx))
		require.NoError(t, err)
		planned := len(Pairs(candidates))

		report, err := New(fx.Env).Run(context.Background(), budget.Unlimited(fx.Clock))
		require.NoError(t, err)
		assert.Equal(t, uint32(0), report.OpsErr, "round %d", round)
		assert.Equal(t, uint32(planned), report.OpsOK, "round %d", round)
		assert.Len(t, l.Positions(), len(seeds)-planned)

		left, err := Classify(snapshot(t, fx))
		require.NoError(t, err)
		assert.Empty(t, Pairs(left), "round %d", round)
	}
}
