package types

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mr-tron/base58"
)

// KeySize is the length of a ledger account identity in bytes
const KeySize = 32

// NoDeactivation marks a delegation that has never been asked to deactivate
const NoDeactivation = math.MaxUint64

var (
	// ErrInvalidKey is returned when a textual key cannot be decoded
	ErrInvalidKey = errors.New("invalid key")
)

// Key identifies an account on the ledger (validators, positions, signers)
type Key [KeySize]byte

// ParseKey decodes a base58 key
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("%w %q: %v", ErrInvalidKey, s, err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("%w %q: length %d", ErrInvalidKey, s, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// MustParseKey is ParseKey for well-known constants
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the base58 form of the key
func (k Key) String() string {
	return base58.Encode(k[:])
}

// IsZero reports whether the key is unset
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// EpochClock is the ledger clock as observed at snapshot time
type EpochClock struct {
	Epoch          uint64 `cbor:"epoch"`
	Slot           uint64 `cbor:"slot"`
	EpochFirstSlot uint64 `cbor:"epoch_first_slot"`
	EpochLastSlot  uint64 `cbor:"epoch_last_slot"`

	// Unix seconds; used only to estimate when the epoch ends
	UnixTimestamp       int64 `cbor:"unix_timestamp"`
	EpochStartTimestamp int64 `cbor:"epoch_start_timestamp"`
}

// EpochSlot returns the slot offset inside the current epoch
func (c EpochClock) EpochSlot() uint64 {
	if c.Slot < c.EpochFirstSlot {
		return 0
	}
	return c.Slot - c.EpochFirstSlot
}

// EpochDuration returns the number of slots in the current epoch
func (c EpochClock) EpochDuration() uint64 {
	if c.EpochLastSlot < c.EpochFirstSlot {
		return 0
	}
	return c.EpochLastSlot - c.EpochFirstSlot + 1
}

// Advance returns how far into the epoch the clock is, in percent
func (c EpochClock) Advance() float64 {
	d := c.EpochDuration()
	if d == 0 {
		return 0
	}
	return float64(c.EpochSlot()) * 100 / float64(d)
}

// EstimatedEnd extrapolates the epoch end from the elapsed wall time
func (c EpochClock) EstimatedEnd() (time.Time, bool) {
	advance := c.Advance()
	if advance <= 0 || c.UnixTimestamp <= c.EpochStartTimestamp {
		return time.Time{}, false
	}
	elapsed := float64(c.UnixTimestamp - c.EpochStartTimestamp)
	end := c.EpochStartTimestamp + int64(elapsed*100/advance)
	return time.Unix(end, 0).UTC(), true
}

// InFirstHalf reports whether the slot lies in the first half of the epoch
func (c EpochClock) InFirstHalf() bool {
	return c.Slot < (c.EpochFirstSlot+c.EpochLastSlot)/2
}

// ValidatorRecord mirrors one entry of the ledger validator list
type ValidatorRecord struct {
	Key                Key    `cbor:"key"`
	ActiveBalance      uint64 `cbor:"active_balance"`
	Score              uint32 `cbor:"score"`
	LastRebalanceEpoch uint64 `cbor:"last_rebalance_epoch"`
}

// DelegationState is the lifecycle stage of a position
type DelegationState int

const (
	DelegationActivating DelegationState = iota
	DelegationActive
	DelegationDeactivating
	DelegationDeactivated
)

func (s DelegationState) String() string {
	switch s {
	case DelegationActivating:
		return "activating"
	case DelegationActive:
		return "active"
	case DelegationDeactivating:
		return "deactivating"
	case DelegationDeactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Delegation is the stake state of a position as computed by the ledger
// for the current epoch. Effective, Activating and Deactivating already
// account for warmup and cooldown history.
type Delegation struct {
	Stake             uint64 `cbor:"stake"`
	ActivationEpoch   uint64 `cbor:"activation_epoch"`
	DeactivationEpoch uint64 `cbor:"deactivation_epoch"`
	CreditsObserved   uint64 `cbor:"credits_observed"`
	Effective         uint64 `cbor:"effective"`
	Activating        uint64 `cbor:"activating"`
	Deactivating      uint64 `cbor:"deactivating"`
}

// DeactivationRequested reports whether a deactivation was ever requested
func (d Delegation) DeactivationRequested() bool {
	return d.DeactivationEpoch != NoDeactivation
}

// State derives the lifecycle stage from the delegation counters
func (d Delegation) State() DelegationState {
	switch {
	case !d.DeactivationRequested() && d.Effective == 0 && d.Activating > 0:
		return DelegationActivating
	case !d.DeactivationRequested():
		return DelegationActive
	case d.Effective == 0:
		return DelegationDeactivated
	default:
		return DelegationDeactivating
	}
}

// PositionRecord is one stake position owned by the pool. Index is the
// position's slot in the ledger list; it is only valid for the snapshot
// it was read from.
type PositionRecord struct {
	Index             uint32
	Address           Key
	ValidatorKey      Key
	State             DelegationState
	ObservedAmount    uint64
	LastObservedEpoch uint64
	RawBalance        uint64
	Delegation        Delegation
}

// LiquidityCounters are the pool balances that determine the imbalance
type LiquidityCounters struct {
	ReserveBalance         uint64
	RentExemptFloor        uint64
	TotalCoolingDown       uint64
	CirculatingCommitments uint64
}

// Imbalance returns (reserve − floor) + cooling down − commitments.
// Positive means excess liquidity to deploy, negative a shortfall.
func (l LiquidityCounters) Imbalance() Delta {
	return NewDelta(l.ReserveBalance).
		Sub(l.RentExemptFloor).
		Add(l.TotalCoolingDown).
		Sub(l.CirculatingCommitments)
}

// ProtocolState is the pool instance account
type ProtocolState struct {
	Instance             Key
	ReserveAddress       Key
	ValidatorListAddress Key
	StakeListAddress     Key
	ManagerAuthority     Key

	MinStake            uint64
	ExtraStakeDeltaRuns uint32
	SlotsForStakeDelta  uint64
	TotalActiveBalance  uint64

	RentExemptForTokenAcc    uint64
	TotalCoolingDown         uint64
	CirculatingTicketBalance uint64
}

// Report aggregates the outcome of submitted batches
type Report struct {
	Processed uint32 `json:"processed"`
	OpsOK     uint32 `json:"ops_ok"`
	OpsErr    uint32 `json:"ops_err"`

	// BudgetExhausted is set when work stopped because time ran out
	BudgetExhausted bool `json:"budget_exhausted,omitempty"`
	// LimitReached is set when the configured operation limit stopped work
	LimitReached bool `json:"limit_reached,omitempty"`
}

// OpsTotal is the number of submitted batches
func (r Report) OpsTotal() uint32 {
	return r.OpsOK + r.OpsErr
}

// Merge adds the counters of another report
func (r *Report) Merge(o Report) {
	r.Processed += o.Processed
	r.OpsOK += o.OpsOK
	r.OpsErr += o.OpsErr
	r.BudgetExhausted = r.BudgetExhausted || o.BudgetExhausted
	r.LimitReached = r.LimitReached || o.LimitReached
}

// Record counts the result of one submission
func (r *Report) Record(err error) {
	if err != nil {
		r.OpsErr++
		return
	}
	r.OpsOK++
}

// TickReport is the outcome of one scheduler tick
type TickReport struct {
	ID         string            `json:"id"`
	Phase      string            `json:"phase"`
	Epoch      uint64            `json:"epoch"`
	Slot       uint64            `json:"slot"`
	Started    time.Time         `json:"started"`
	Duration   time.Duration     `json:"duration"`
	Algorithms map[string]Report `json:"algorithms,omitempty"`
	Total      Report            `json:"total"`
	Error      string            `json:"error,omitempty"`
}

// Add records the report of one algorithm and folds it into the total
func (t *TickReport) Add(algorithm string, r Report) {
	if t.Algorithms == nil {
		t.Algorithms = make(map[string]Report)
	}
	current := t.Algorithms[algorithm]
	current.Merge(r)
	t.Algorithms[algorithm] = current
	t.Total.Merge(r)
}
