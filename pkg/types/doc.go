/*
Package types defines the domain model shared by every rebalancer component.

The records in this package mirror accounts owned by the ledger. The
controller never mutates them locally: it reads a snapshot, decides, submits
operations asking the ledger to change, and reads a fresh snapshot.

# Core Types

Key:
  - 32-byte account identity, base58 in text form
  - Implements encoding.TextMarshaler so it encodes as a string in CBOR/JSON

EpochClock:
  - Epoch number, current slot and the first/last slot of the epoch
  - Helpers for epoch progress (Advance, InFirstHalf, EstimatedEnd)

ValidatorRecord:
  - Active balance, score and last epoch a rebalance touched the validator
  - Sum of ActiveBalance equals ProtocolState.TotalActiveBalance

PositionRecord:
  - One stake position; Index is only valid for the snapshot it came from
  - Delegation carries the ledger-computed effective/activating/deactivating
    amounts, State is derived from them

LiquidityCounters and Delta:
  - Imbalance = (reserve − rent floor) + cooling down − commitments
  - Delta is a signed 256-bit two's complement value built on holiman/uint256

	excess := counters.Imbalance()
	switch excess.Sign() {
	case 1:  // stake the surplus
	case -1: // unstake the shortfall
	}

# Delegation States

	deactivation epoch │ effective │ activating │ state
	───────────────────┼───────────┼────────────┼─────────────
	unset              │ 0         │ > 0        │ Activating
	unset              │ any       │ any        │ Active
	set                │ 0         │ -          │ Deactivated
	set                │ > 0       │ -          │ Deactivating

Report:
  - Per-tick counters of submitted batches (ok/err/total) plus early-stop flags
*/
package types
