// Package crank folds staking rewards and finished cooldowns back into the
// pool accounting, one position per batch.
package crank

import (
	"context"
	"fmt"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/budget"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Name labels crank logs and metrics
const Name = "crank"

// Crank refreshes the observed amounts of stale positions
type Crank struct {
	env *executor.Env
}

// New creates a crank
func New(env *executor.Env) *Crank {
	return &Crank{env: env}
}

// Stale reports whether any position was last observed before the
// snapshot's epoch
func Stale(snap *ledger.Snapshot) bool {
	for _, p := range snap.Positions {
		if p.LastObservedEpoch < snap.Clock.Epoch {
			return true
		}
	}
	return false
}

// Run updates every stale position of one snapshot. Positions are visited
// from the end of the list since a withdrawn position is replaced by the
// last entry.
func (c *Crank) Run(ctx context.Context, b *budget.Budget) (types.Report, error) {
	run := c.env.Start(Name, b)
	logger := run.Logger()

	snap, err := run.Snapshot(ctx)
	if err != nil {
		return run.Report(), err
	}
	if !Stale(snap) {
		logger.Info().Uint64("epoch", snap.Clock.Epoch).Msg("No position needs update")
		return run.Finish(), nil
	}

	indexes := snap.ValidatorIndexes()
	for i := len(snap.Positions) - 1; i >= 0; i-- {
		if ctx.Err() != nil || run.Stopped() {
			break
		}

		p := snap.Positions[i]
		if p.LastObservedEpoch == snap.Clock.Epoch {
			continue
		}

		var op batch.Operation
		switch {
		case !p.Delegation.DeactivationRequested():
			if p.Delegation.Stake == p.ObservedAmount {
				logger.Debug().Str("position", p.Address.String()).Msg("Update not needed")
				continue
			}
			validatorIndex, ok := indexes[p.ValidatorKey]
			if !ok {
				return run.Report(), fmt.Errorf("failed to update position %s: %w: %s", p.Address, ledger.ErrUnknownValidator, p.ValidatorKey)
			}
			logger.Info().
				Str("position", p.Address.String()).
				Str("validator", p.ValidatorKey.String()).
				Uint64("observed", p.ObservedAmount).
				Uint64("stake", p.Delegation.Stake).
				Msg("Updating active position")
			op = c.env.Builder.UpdateActive(p.Address, p.Index, validatorIndex)
		case p.Delegation.Effective == 0:
			logger.Info().
				Str("position", p.Address.String()).
				Uint64("balance", p.RawBalance).
				Msg("Updating deactivated position")
			op = c.env.Builder.UpdateDeactivated(p.Address, p.Index)
		default:
			// TODO: withdraw the cooled down part once a withdraw policy for
			// partially deactivated positions exists
			logger.Warn().
				Str("position", p.Address.String()).
				Uint64("effective", p.Delegation.Effective).
				Msg("Updating cooling down stakes is not supported")
			continue
		}

		next, err := run.Build(op)
		if err != nil {
			return run.Report(), fmt.Errorf("failed to build update batch: %w", err)
		}
		if _, err := run.Submit(ctx, next); err != nil {
			return run.Report(), err
		}
	}
	return run.Finish(), nil
}
