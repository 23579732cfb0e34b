// Package instruction constructs the ledger operations issued by the
// rebalancing algorithms.
package instruction

import (
	"errors"
	"fmt"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/codec"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Operation kinds understood by the pool program
const (
	KindCreatePosition        = "create_position"
	KindStakeReserve          = "stake_reserve"
	KindDeactivateStake       = "deactivate_stake"
	KindMergeStakes           = "merge_stakes"
	KindUpdateActive          = "update_active"
	KindUpdateDeactivated     = "update_deactivated"
	KindConfigValidatorSystem = "config_validator_system"
)

// PositionAccountSpace is the allocated size of a stake position account
const PositionAccountSpace = 200

var (
	// ErrUnknownKind is returned when decoding an operation of an unknown kind
	ErrUnknownKind = errors.New("unknown operation kind")
)

// CreatePosition allocates a fresh position account owned by the stake program
type CreatePosition struct {
	Payer    types.Key `cbor:"payer"`
	Position types.Key `cbor:"position"`
	Space    uint64    `cbor:"space"`
}

// StakeReserve delegates reserve liquidity to a validator through a new position
type StakeReserve struct {
	Instance       types.Key `cbor:"instance"`
	ValidatorIndex uint32    `cbor:"validator_index"`
	Validator      types.Key `cbor:"validator"`
	Position       types.Key `cbor:"position"`
	Amount         uint64    `cbor:"amount"`
}

// DeactivateStake deactivates a position, splitting it when only part of
// the delegation is requested
type DeactivateStake struct {
	Instance       types.Key `cbor:"instance"`
	Position       types.Key `cbor:"position"`
	SplitPosition  types.Key `cbor:"split_position"`
	RentPayer      types.Key `cbor:"rent_payer"`
	PositionIndex  uint32    `cbor:"position_index"`
	ValidatorIndex uint32    `cbor:"validator_index"`
	Amount         uint64    `cbor:"amount"`
}

// MergeStakes folds the source position into the destination
type MergeStakes struct {
	Instance         types.Key `cbor:"instance"`
	Destination      types.Key `cbor:"destination"`
	DestinationIndex uint32    `cbor:"destination_index"`
	Source           types.Key `cbor:"source"`
	SourceIndex      uint32    `cbor:"source_index"`
	ValidatorIndex   uint32    `cbor:"validator_index"`
}

// UpdateActive refreshes the observed amount of a delegated position
type UpdateActive struct {
	Instance       types.Key `cbor:"instance"`
	Position       types.Key `cbor:"position"`
	PositionIndex  uint32    `cbor:"position_index"`
	ValidatorIndex uint32    `cbor:"validator_index"`
}

// UpdateDeactivated returns a fully deactivated position to the reserve
type UpdateDeactivated struct {
	Instance      types.Key `cbor:"instance"`
	Position      types.Key `cbor:"position"`
	PositionIndex uint32    `cbor:"position_index"`
}

// ConfigValidatorSystem changes the extra rebalance runs allowed this epoch
type ConfigValidatorSystem struct {
	Instance         types.Key `cbor:"instance"`
	ManagerAuthority types.Key `cbor:"manager_authority"`
	ExtraRuns        uint32    `cbor:"extra_runs"`
}

// Builder constructs operations for one pool instance
type Builder struct {
	instance  types.Key
	feePayer  types.Key
	rentPayer types.Key
}

// NewBuilder creates a builder. rentPayer funds position splits.
func NewBuilder(instance, feePayer, rentPayer types.Key) *Builder {
	return &Builder{instance: instance, feePayer: feePayer, rentPayer: rentPayer}
}

// Instance returns the pool instance the builder targets
func (b *Builder) Instance() types.Key {
	return b.instance
}

// CreatePosition allocates position, which must be a registered signer
func (b *Builder) CreatePosition(position types.Key) batch.Operation {
	return operation(KindCreatePosition, []types.Key{position},
		fmt.Sprintf("create position %s", position),
		CreatePosition{Payer: b.feePayer, Position: position, Space: PositionAccountSpace})
}

// StakeReserve delegates amount to validator through position
func (b *Builder) StakeReserve(validatorIndex uint32, validator, position types.Key, amount uint64) batch.Operation {
	return operation(KindStakeReserve, nil,
		fmt.Sprintf("stake %d from reserve to validator %s into %s", amount, validator, position),
		StakeReserve{
			Instance:       b.instance,
			ValidatorIndex: validatorIndex,
			Validator:      validator,
			Position:       position,
			Amount:         amount,
		})
}

// DeactivateStake deactivates amount of the position at positionIndex
func (b *Builder) DeactivateStake(position types.Key, positionIndex, validatorIndex uint32, split types.Key, amount uint64) batch.Operation {
	return operation(KindDeactivateStake, []types.Key{split, b.rentPayer},
		fmt.Sprintf("deactivate %d of position %s (split %s)", amount, position, split),
		DeactivateStake{
			Instance:       b.instance,
			Position:       position,
			SplitPosition:  split,
			RentPayer:      b.rentPayer,
			PositionIndex:  positionIndex,
			ValidatorIndex: validatorIndex,
			Amount:         amount,
		})
}

// MergeStakes merges source into destination
func (b *Builder) MergeStakes(destination types.Key, destinationIndex uint32, source types.Key, sourceIndex, validatorIndex uint32) batch.Operation {
	return operation(KindMergeStakes, nil,
		fmt.Sprintf("merge position #%d %s into #%d %s", sourceIndex, source, destinationIndex, destination),
		MergeStakes{
			Instance:         b.instance,
			Destination:      destination,
			DestinationIndex: destinationIndex,
			Source:           source,
			SourceIndex:      sourceIndex,
			ValidatorIndex:   validatorIndex,
		})
}

// UpdateActive refreshes the observed amount of an active position
func (b *Builder) UpdateActive(position types.Key, positionIndex, validatorIndex uint32) batch.Operation {
	return operation(KindUpdateActive, nil,
		fmt.Sprintf("update active position #%d %s", positionIndex, position),
		UpdateActive{
			Instance:       b.instance,
			Position:       position,
			PositionIndex:  positionIndex,
			ValidatorIndex: validatorIndex,
		})
}

// UpdateDeactivated withdraws a deactivated position back to the reserve
func (b *Builder) UpdateDeactivated(position types.Key, positionIndex uint32) batch.Operation {
	return operation(KindUpdateDeactivated, nil,
		fmt.Sprintf("update deactivated position #%d %s", positionIndex, position),
		UpdateDeactivated{
			Instance:      b.instance,
			Position:      position,
			PositionIndex: positionIndex,
		})
}

// ConfigValidatorSystem requests extraRuns rebalance runs, signed by the manager
func (b *Builder) ConfigValidatorSystem(manager types.Key, extraRuns uint32) batch.Operation {
	return operation(KindConfigValidatorSystem, []types.Key{manager},
		fmt.Sprintf("set extra stake delta runs to %d", extraRuns),
		ConfigValidatorSystem{
			Instance:         b.instance,
			ManagerAuthority: manager,
			ExtraRuns:        extraRuns,
		})
}

func operation(kind string, signers []types.Key, description string, params any) batch.Operation {
	payload, err := codec.Marshal(params)
	if err != nil {
		panic("instruction: encode " + kind + ": " + err.Error())
	}
	return batch.Operation{
		Kind:        kind,
		Signers:     signers,
		Payload:     payload,
		Description: description,
	}
}

// Decode parses the payload of a wire operation into its typed params
func Decode(op batch.WireOperation) (any, error) {
	var params any
	switch op.Kind {
	case KindCreatePosition:
		params = &CreatePosition{}
	case KindStakeReserve:
		params = &StakeReserve{}
	case KindDeactivateStake:
		params = &DeactivateStake{}
	case KindMergeStakes:
		params = &MergeStakes{}
	case KindUpdateActive:
		params = &UpdateActive{}
	case KindUpdateDeactivated:
		params = &UpdateDeactivated{}
	case KindConfigValidatorSystem:
		params = &ConfigValidatorSystem{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if err := codec.Unmarshal(op.Payload, params); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", op.Kind, err)
	}
	return params, nil
}
