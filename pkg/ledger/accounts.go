package ledger

import (
	"fmt"

	"github.com/cuemby/rebalancer/pkg/codec"
	"github.com/cuemby/rebalancer/pkg/types"
)

// InstanceAccount is the layout of the pool instance account
type InstanceAccount struct {
	ReserveAddress       types.Key `cbor:"reserve_address"`
	ValidatorListAddress types.Key `cbor:"validator_list"`
	StakeListAddress     types.Key `cbor:"stake_list"`
	ManagerAuthority     types.Key `cbor:"manager_authority"`

	MinStake            uint64 `cbor:"min_stake"`
	ExtraStakeDeltaRuns uint32 `cbor:"extra_stake_delta_runs"`
	SlotsForStakeDelta  uint64 `cbor:"slots_for_stake_delta"`
	TotalActiveBalance  uint64 `cbor:"total_active_balance"`

	RentExemptForTokenAcc    uint64 `cbor:"rent_exempt_for_token_acc"`
	TotalCoolingDown         uint64 `cbor:"total_cooling_down"`
	CirculatingTicketBalance uint64 `cbor:"circulating_ticket_balance"`
}

// ProtocolState converts the layout into the domain record
func (a *InstanceAccount) ProtocolState(instance types.Key) types.ProtocolState {
	return types.ProtocolState{
		Instance:                 instance,
		ReserveAddress:           a.ReserveAddress,
		ValidatorListAddress:     a.ValidatorListAddress,
		StakeListAddress:         a.StakeListAddress,
		ManagerAuthority:         a.ManagerAuthority,
		MinStake:                 a.MinStake,
		ExtraStakeDeltaRuns:      a.ExtraStakeDeltaRuns,
		SlotsForStakeDelta:       a.SlotsForStakeDelta,
		TotalActiveBalance:       a.TotalActiveBalance,
		RentExemptForTokenAcc:    a.RentExemptForTokenAcc,
		TotalCoolingDown:         a.TotalCoolingDown,
		CirculatingTicketBalance: a.CirculatingTicketBalance,
	}
}

// ValidatorListAccount is the layout of the validator list
type ValidatorListAccount struct {
	Validators []types.ValidatorRecord `cbor:"validators"`
}

// StakeEntry is one element of the stake list
type StakeEntry struct {
	Address                     types.Key `cbor:"address"`
	LastUpdateDelegatedLamports uint64    `cbor:"last_update_delegated_lamports"`
	LastUpdateEpoch             uint64    `cbor:"last_update_epoch"`
}

// StakeListAccount is the layout of the stake list
type StakeListAccount struct {
	Stakes []StakeEntry `cbor:"stakes"`
}

// StakeAccount is the layout of a position account
type StakeAccount struct {
	Voter      types.Key        `cbor:"voter"`
	Delegation types.Delegation `cbor:"delegation"`
}

// Decode unmarshals account data into v, wrapping ErrDecode
func Decode(what string, data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w %s: %v", ErrDecode, what, err)
	}
	return nil
}

// Encode marshals an account layout
func Encode(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode account: %w", err)
	}
	return data, nil
}
