package ledger

import (
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Snapshot is a consistent view of the pool read at one point in time.
// Records are never changed after the snapshot is taken.
type Snapshot struct {
	Clock      types.EpochClock
	State      types.ProtocolState
	Validators []types.ValidatorRecord
	Positions  []types.PositionRecord
	Liquidity  types.LiquidityCounters
}

// Imbalance returns the signed liquidity imbalance
func (s *Snapshot) Imbalance() types.Delta {
	return s.Liquidity.Imbalance()
}

// ValidatorIndex finds the list index of a validator by linear lookup
func (s *Snapshot) ValidatorIndex(key types.Key) (uint32, bool) {
	for i, v := range s.Validators {
		if v.Key == key {
			return uint32(i), true
		}
	}
	return 0, false
}

// ValidatorIndexes maps every validator key to its list index
func (s *Snapshot) ValidatorIndexes() map[types.Key]uint32 {
	out := make(map[types.Key]uint32, len(s.Validators))
	for i, v := range s.Validators {
		out[v.Key] = uint32(i)
	}
	return out
}

// ValidatorsWithScore counts validators with a non-zero score
func (s *Snapshot) ValidatorsWithScore() uint32 {
	var n uint32
	for _, v := range s.Validators {
		if v.Score > 0 {
			n++
		}
	}
	return n
}

// TotalScore sums all validator scores
func (s *Snapshot) TotalScore() uint64 {
	var total uint64
	for _, v := range s.Validators {
		total += uint64(v.Score)
	}
	return total
}

// PositionsOf returns the positions delegated to validator
func (s *Snapshot) PositionsOf(validator types.Key) []types.PositionRecord {
	var out []types.PositionRecord
	for _, p := range s.Positions {
		if p.ValidatorKey == validator {
			out = append(out, p)
		}
	}
	return out
}

// InSettlementWindow evaluates last − settlement < slot < last − margin
// without wrapping below zero
func InSettlementWindow(c types.EpochClock, settlementSlots, unsafeMargin uint64) bool {
	last := c.EpochLastSlot
	if last < unsafeMargin {
		return false
	}
	if settlementSlots <= last && c.Slot <= last-settlementSlots {
		return false
	}
	return c.Slot < last-unsafeMargin
}

// Sample converts the snapshot into pool gauges
func (s *Snapshot) Sample() *metrics.PoolSample {
	return &metrics.PoolSample{
		Clock:      s.Clock,
		Imbalance:  s.Imbalance(),
		Validators: s.Validators,
		Positions:  s.Positions,
	}
}
