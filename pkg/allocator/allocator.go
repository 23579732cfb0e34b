package allocator

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/rebalancer/pkg/budget"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Name labels allocator logs and metrics
const Name = "allocator"

// Allocator moves liquidity between the reserve and validators so that
// active balances converge to their score-weighted targets
type Allocator struct {
	env *executor.Env
}

// New creates an allocator
func New(env *executor.Env) *Allocator {
	return &Allocator{env: env}
}

// Run plans from a fresh snapshot and works through the plan until the
// imbalance is absorbed, the op limit is hit or the budget runs out
func (a *Allocator) Run(ctx context.Context, b *budget.Budget) (types.Report, error) {
	run := a.env.Start(Name, b)
	logger := run.Logger()

	snap, err := run.Snapshot(ctx)
	if err != nil {
		return run.Report(), err
	}
	plan, err := NewPlan(snap)
	if err != nil {
		return run.Report(), err
	}
	if !plan.Actionable() {
		logger.Info().Str("delta", plan.Delta.String()).Msg("Nothing to do")
		return run.Finish(), nil
	}

	logger.Info().
		Str("delta", plan.Delta.String()).
		Uint64("target_total", plan.TargetTotal).
		Int("validators", len(plan.Targets)).
		Msg("Rebalancing")

	if plan.Delta.Sign() > 0 {
		err = a.stake(ctx, run, snap, plan)
	} else {
		err = a.unstake(ctx, run, snap, plan)
	}
	return run.Finish(), err
}

// afterSubmit pauses and refreshes the snapshot
func afterSubmit(ctx context.Context, run *executor.Run) (*ledger.Snapshot, error) {
	if err := run.Pause(ctx); err != nil {
		return nil, err
	}
	return run.Snapshot(ctx)
}

func (a *Allocator) stake(ctx context.Context, run *executor.Run, snap *ledger.Snapshot, plan *Plan) error {
	logger := run.Logger()

	for _, target := range plan.Surplus() {
		index, current, ok := lookupValidator(snap, target.Validator.Key)
		if !ok {
			logger.Warn().Str("validator", target.Validator.Key.String()).Msg("Validator left the list, skipping")
			continue
		}
		if current.LastRebalanceEpoch == snap.Clock.Epoch {
			if snap.State.ExtraStakeDeltaRuns == 0 {
				logger.Info().Str("validator", current.Key.String()).Msg("Validator already rebalanced this epoch")
				continue
			}
			logger.Info().Uint32("extra_runs", snap.State.ExtraStakeDeltaRuns).Msg("Using an extra stake delta run")
		}

		delta := snap.Imbalance()
		if delta.Sign() <= 0 || delta.LessThan(snap.State.MinStake) {
			logger.Warn().Str("delta", delta.String()).Msg("Imbalance absorbed, stopping")
			return nil
		}

		need, err := target.Need.Uint64()
		if err != nil {
			return err
		}
		amount, err := delta.MinUint64(need)
		if err != nil {
			return err
		}

		position, err := a.env.Batcher.NewSigner()
		if err != nil {
			return err
		}
		next, err := run.Build(
			a.env.Builder.CreatePosition(position),
			a.env.Builder.StakeReserve(index, current.Key, position, amount),
		)
		if err != nil {
			return fmt.Errorf("failed to build stake batch: %w", err)
		}

		logger.Info().
			Str("validator", current.Key.String()).
			Uint64("amount", amount).
			Str("position", position.String()).
			Msg("Staking into validator")
		if _, err := run.Submit(ctx, next); err != nil {
			return err
		}

		if snap, err = afterSubmit(ctx, run); err != nil {
			return err
		}
		if run.Stopped() {
			return nil
		}
	}
	return nil
}

func (a *Allocator) unstake(ctx context.Context, run *executor.Run, snap *ledger.Snapshot, plan *Plan) error {
	logger := run.Logger()

	totalToUnstake, err := plan.Delta.Abs()
	if err != nil {
		return err
	}
	logger.Info().Uint64("amount", totalToUnstake).Msg("Unstaking")

	var deactivatedTotal uint64
	for _, target := range plan.Shortfall() {
		if deactivatedTotal >= totalToUnstake {
			logger.Info().Uint64("deactivated", deactivatedTotal).Msg("Target reached")
			return nil
		}
		if target.Need.Sign() >= 0 {
			logger.Info().Str("need", target.Need.String()).Msg("Remaining validators need stake")
			return nil
		}

		delta := snap.Imbalance()
		if delta.Sign() >= 0 {
			logger.Warn().Str("delta", delta.String()).Msg("Shortfall absorbed, stopping")
			return nil
		}
		shortfall, err := delta.Abs()
		if err != nil {
			return err
		}
		excess, err := target.Need.Abs()
		if err != nil {
			return err
		}
		share := min(excess, shortfall)

		_, current, ok := lookupValidator(snap, target.Validator.Key)
		if !ok {
			logger.Warn().Str("validator", target.Validator.Key.String()).Msg("Validator left the list, skipping")
			continue
		}
		if current.LastRebalanceEpoch == snap.Clock.Epoch {
			logger.Warn().Str("validator", current.Key.String()).Msg("Validator already rebalanced this epoch")
			continue
		}

		logger.Info().
			Str("validator", current.Key.String()).
			Uint64("amount", share).
			Msg("Unstaking from validator")

		var deactivated uint64
		snap, deactivated, err = a.deactivate(ctx, run, snap, current.Key, share)
		if err != nil {
			return err
		}
		deactivatedTotal += deactivated
		if run.Stopped() {
			return nil
		}
	}
	return nil
}

// deactivate retires positions of one validator, smallest first, until
// share is covered. It returns the latest snapshot and the estimated
// amount deactivated.
func (a *Allocator) deactivate(ctx context.Context, run *executor.Run, snap *ledger.Snapshot, validator types.Key, share uint64) (*ledger.Snapshot, uint64, error) {
	logger := run.Logger()

	var candidates []types.PositionRecord
	for _, p := range snap.PositionsOf(validator) {
		if !p.Delegation.DeactivationRequested() {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Delegation.Stake < candidates[j].Delegation.Stake
	})

	var deactivated uint64
	left := share
	for _, candidate := range candidates {
		if deactivated >= share {
			break
		}

		// indexes shift as the ledger changes, find the position again
		position, ok := findPosition(snap, candidate.Address)
		if !ok || position.Delegation.DeactivationRequested() {
			logger.Debug().Str("position", candidate.Address.String()).Msg("Position gone or deactivating, skipping")
			continue
		}
		validatorIndex, _, ok := lookupValidator(snap, validator)
		if !ok {
			logger.Warn().Str("validator", validator.String()).Msg("Validator left the list, stopping")
			break
		}

		split, err := a.env.Batcher.NewSigner()
		if err != nil {
			return snap, deactivated, err
		}
		amount := min(position.Delegation.Stake, left)
		next, err := run.Build(a.env.Builder.DeactivateStake(position.Address, position.Index, validatorIndex, split, amount))
		if err != nil {
			return snap, deactivated, fmt.Errorf("failed to build deactivate batch: %w", err)
		}

		ok, err = run.Submit(ctx, next)
		if err != nil {
			return snap, deactivated, err
		}
		if ok {
			estimated := left
			if position.ObservedAmount < left {
				estimated = position.ObservedAmount
			}
			deactivated += estimated
			left -= min(estimated, left)
		}

		if snap, err = afterSubmit(ctx, run); err != nil {
			return snap, deactivated, err
		}
		if run.Stopped() {
			break
		}
	}
	return snap, deactivated, nil
}

// lookupValidator resolves a planned validator in a refreshed snapshot.
// The list may have been reordered or shrunk by the ledger since planning.
func lookupValidator(snap *ledger.Snapshot, key types.Key) (uint32, types.ValidatorRecord, bool) {
	index, ok := snap.ValidatorIndex(key)
	if !ok {
		return 0, types.ValidatorRecord{}, false
	}
	return index, snap.Validators[index], true
}

func findPosition(snap *ledger.Snapshot, address types.Key) (types.PositionRecord, bool) {
	for _, p := range snap.Positions {
		if p.Address == address {
			return p, true
		}
	}
	return types.PositionRecord{}, false
}
