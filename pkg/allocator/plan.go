package allocator

import (
	"fmt"
	"sort"

	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/holiman/uint256"
)

// Target is the score-weighted allocation of one validator
type Target struct {
	Index     uint32
	Validator types.ValidatorRecord
	Target    uint64
	// Need is Target minus the active balance; positive wants stake
	Need types.Delta
}

// Plan is the allocation computed from one snapshot
type Plan struct {
	Delta       types.Delta
	MinStake    uint64
	TargetTotal uint64
	Targets     []Target
}

// Actionable reports whether the imbalance is worth acting on: non-zero
// and, when positive, at least the minimum stake
func (p *Plan) Actionable() bool {
	return Actionable(p.Delta, p.MinStake)
}

// Actionable reports whether delta can be acted on with the given floor
func Actionable(delta types.Delta, minStake uint64) bool {
	switch delta.Sign() {
	case 0:
		return false
	case 1:
		return !delta.LessThan(minStake)
	default:
		return true
	}
}

// Surplus returns validators that need at least the minimum stake,
// highest score first
func (p *Plan) Surplus() []Target {
	var out []Target
	for _, t := range p.Targets {
		if t.Need.Sign() < 0 || t.Need.LessThan(p.MinStake) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Validator.Score > out[j].Validator.Score
	})
	return out
}

// Shortfall returns every validator, most over-allocated first
func (p *Plan) Shortfall() []Target {
	out := append([]Target(nil), p.Targets...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Need.Cmp(out[j].Need) < 0
	})
	return out
}

// NewPlan computes targets for every validator in the snapshot
func NewPlan(snap *ledger.Snapshot) (*Plan, error) {
	delta := snap.Imbalance()
	plan := &Plan{Delta: delta, MinStake: snap.State.MinStake}
	if !plan.Actionable() {
		return plan, nil
	}

	total, err := types.NewDelta(snap.State.TotalActiveBalance).Plus(delta).Uint64()
	if err != nil {
		return nil, fmt.Errorf("failed to compute target total: %w", err)
	}
	plan.TargetTotal = total

	totalScore := snap.TotalScore()
	plan.Targets = make([]Target, len(snap.Validators))
	for i, v := range snap.Validators {
		target, err := StakeTarget(v.Score, totalScore, total)
		if err != nil {
			return nil, err
		}
		plan.Targets[i] = Target{
			Index:     uint32(i),
			Validator: v,
			Target:    target,
			Need:      types.Diff(target, v.ActiveBalance),
		}
	}
	return plan, nil
}

// StakeTarget returns round(score × total / totalScore), rounding half up.
// Every validator targets zero when no validator has a score.
func StakeTarget(score uint32, totalScore, total uint64) (uint64, error) {
	if totalScore == 0 {
		return 0, nil
	}
	var num, half, den uint256.Int
	num.Mul(uint256.NewInt(uint64(score)), uint256.NewInt(total))
	den.SetUint64(totalScore)
	half.Rsh(&den, 1)
	num.Add(&num, &half)
	num.Div(&num, &den)
	if !num.IsUint64() {
		return 0, fmt.Errorf("%w: stake target of score %d", types.ErrOverflow, score)
	}
	return num.Uint64(), nil
}
