package merger

import (
	"context"
	"fmt"

	"github.com/cuemby/rebalancer/pkg/budget"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Name labels merger logs and metrics
const Name = "merger"

// Kind is the activation stage that makes two positions mergeable
type Kind int

const (
	// WarmingUp positions have no effective stake yet
	WarmingUp Kind = iota
	// FullyActive positions have no pending activation or deactivation
	FullyActive
)

func (k Kind) String() string {
	switch k {
	case WarmingUp:
		return "warming_up"
	case FullyActive:
		return "fully_active"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Candidate is a position that can take part in a merge
type Candidate struct {
	Index           uint32
	Address         types.Key
	Kind            Kind
	CreditsObserved uint64
	ValidatorIndex  uint32
}

// Mergeable reports whether two candidates can be merged into one
func Mergeable(a, b Candidate) bool {
	return a.ValidatorIndex == b.ValidatorIndex &&
		a.Kind == b.Kind &&
		a.CreditsObserved == b.CreditsObserved
}

// Pair is a proposed merge of Source into Destination
type Pair struct {
	Destination Candidate
	Source      Candidate
}

// Classify returns the mergeable positions of the snapshot in list order
func Classify(snap *ledger.Snapshot) ([]Candidate, error) {
	var out []Candidate
	for _, p := range snap.Positions {
		d := p.Delegation
		if d.DeactivationRequested() {
			continue
		}

		var kind Kind
		switch {
		case d.Effective == 0:
			kind = WarmingUp
		case d.Activating == 0 && d.Deactivating == 0:
			kind = FullyActive
		default:
			continue
		}

		validatorIndex, ok := snap.ValidatorIndex(p.ValidatorKey)
		if !ok {
			return nil, fmt.Errorf("failed to classify position %s: %w: %s", p.Address, ledger.ErrUnknownValidator, p.ValidatorKey)
		}
		out = append(out, Candidate{
			Index:           p.Index,
			Address:         p.Address,
			Kind:            kind,
			CreditsObserved: d.CreditsObserved,
			ValidatorIndex:  validatorIndex,
		})
	}
	return out, nil
}

// scan walks sources from the last candidate backward and destinations
// from the first one forward. try is called for every mergeable pair and
// reports whether the source is done. scan stops when stop returns true.
func scan(candidates []Candidate, try func(Pair) bool, stop func() bool) {
	for source := len(candidates) - 1; source >= 1; source-- {
		for destination := 0; destination < source; destination++ {
			pair := Pair{Destination: candidates[destination], Source: candidates[source]}
			if Mergeable(pair.Destination, pair.Source) && try(pair) {
				break
			}
		}
		if stop() {
			return
		}
	}
}

// Pairs returns the merges a full scan proposes when every merge succeeds
func Pairs(candidates []Candidate) []Pair {
	var out []Pair
	scan(candidates, func(p Pair) bool {
		out = append(out, p)
		return true
	}, func() bool { return false })
	return out
}

// Merger consolidates positions of the same validator
type Merger struct {
	env *executor.Env
}

// New creates a merger
func New(env *executor.Env) *Merger {
	return &Merger{env: env}
}

// Run merges what one snapshot allows. Sources are visited back to front
// so removals of merged sources never move a position still to be visited.
func (m *Merger) Run(ctx context.Context, b *budget.Budget) (types.Report, error) {
	run := m.env.Start(Name, b)
	logger := run.Logger()

	snap, err := run.Snapshot(ctx)
	if err != nil {
		return run.Report(), err
	}
	candidates, err := Classify(snap)
	if err != nil {
		return run.Report(), err
	}
	logger.Info().Int("candidates", len(candidates)).Msg("Active and activating positions")

	scan(candidates, func(p Pair) bool {
		if run.Stopped() {
			return true
		}
		next, berr := run.Build(m.env.Builder.MergeStakes(
			p.Destination.Address, p.Destination.Index,
			p.Source.Address, p.Source.Index,
			p.Destination.ValidatorIndex,
		))
		if berr != nil {
			err = fmt.Errorf("failed to build merge batch: %w", berr)
			return true
		}
		logger.Info().
			Str("destination", p.Destination.Address.String()).
			Str("source", p.Source.Address.String()).
			Str("kind", p.Source.Kind.String()).
			Msg("Merging positions")
		ok, serr := run.Submit(ctx, next)
		if serr != nil {
			err = serr
			return true
		}
		return ok
	}, func() bool {
		return err != nil || ctx.Err() != nil || run.Stopped()
	})
	if err != nil {
		return run.Report(), err
	}
	return run.Finish(), nil
}
