package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/rebalancer/pkg/clock"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultRetryInterval is the pause between retries of a failed fetch
const DefaultRetryInterval = time.Second

// Reader assembles snapshots of one pool instance
type Reader struct {
	client        Client
	instance      types.Key
	clock         clock.Clock
	retryInterval time.Duration
	logger        zerolog.Logger
}

// NewReader creates a snapshot reader
func NewReader(client Client, instance types.Key, clk clock.Clock) *Reader {
	return &Reader{
		client:        client,
		instance:      instance,
		clock:         clk,
		retryInterval: DefaultRetryInterval,
		logger:        log.WithComponent("ledger"),
	}
}

// Instance returns the pool instance key
func (r *Reader) Instance() types.Key {
	return r.instance
}

// Client returns the underlying ledger client
func (r *Reader) Client() Client {
	return r.client
}

// fetch retries transient errors until ctx is done. Missing accounts are
// not retried.
func (r *Reader) fetch(ctx context.Context, key types.Key) (*Account, error) {
	for {
		acc, err := r.client.FetchAccount(ctx, key)
		if err == nil {
			return acc, nil
		}
		if errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
		}
		r.logger.Warn().Err(err).Str("account", key.String()).Msg("Fetch failed, retrying")
		if serr := clock.Sleep(ctx, r.clock, r.retryInterval); serr != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
		}
	}
}

func (r *Reader) fetchMany(ctx context.Context, keys []types.Key) ([]*Account, error) {
	for {
		accs, err := r.client.FetchAccounts(ctx, keys)
		if err == nil {
			if len(accs) != len(keys) {
				return nil, fmt.Errorf("failed to fetch accounts: got %d for %d keys", len(accs), len(keys))
			}
			return accs, nil
		}
		r.logger.Warn().Err(err).Int("accounts", len(keys)).Msg("Fetch failed, retrying")
		if serr := clock.Sleep(ctx, r.clock, r.retryInterval); serr != nil {
			return nil, fmt.Errorf("failed to fetch accounts: %w", err)
		}
	}
}

// Clock reads the ledger clock
func (r *Reader) Clock(ctx context.Context) (types.EpochClock, error) {
	var c types.EpochClock
	acc, err := r.fetch(ctx, ClockKey)
	if err != nil {
		return c, err
	}
	if err := Decode("clock", acc.Data, &c); err != nil {
		return c, err
	}
	return c, nil
}

// State reads the pool instance account
func (r *Reader) State(ctx context.Context) (*InstanceAccount, error) {
	acc, err := r.fetch(ctx, r.instance)
	if err != nil {
		return nil, err
	}
	var state InstanceAccount
	if err := Decode("instance", acc.Data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Balance returns the lamports held by key
func (r *Reader) Balance(ctx context.Context, key types.Key) (uint64, error) {
	acc, err := r.fetch(ctx, key)
	if err != nil {
		return 0, err
	}
	return acc.Lamports, nil
}

// CheckOwner verifies that key exists and is owned by owner
func (r *Reader) CheckOwner(ctx context.Context, key, owner types.Key) error {
	acc, err := r.fetch(ctx, key)
	if err != nil {
		return err
	}
	if acc.Owner != owner {
		return fmt.Errorf("%w: %s is owned by %s, want %s", ErrWrongOwner, key, acc.Owner, owner)
	}
	return nil
}

// Validators reads the validator list
func (r *Reader) Validators(ctx context.Context, state *InstanceAccount) ([]types.ValidatorRecord, error) {
	acc, err := r.fetch(ctx, state.ValidatorListAddress)
	if err != nil {
		return nil, err
	}
	var list ValidatorListAccount
	if err := Decode("validator list", acc.Data, &list); err != nil {
		return nil, err
	}
	return list.Validators, nil
}

// Positions reads the stake list and every position account it names
func (r *Reader) Positions(ctx context.Context, state *InstanceAccount) ([]types.PositionRecord, error) {
	acc, err := r.fetch(ctx, state.StakeListAddress)
	if err != nil {
		return nil, err
	}
	var list StakeListAccount
	if err := Decode("stake list", acc.Data, &list); err != nil {
		return nil, err
	}

	positions := make([]types.PositionRecord, 0, len(list.Stakes))
	for start := 0; start < len(list.Stakes); start += MaxAccountsPerFetch {
		end := min(start+MaxAccountsPerFetch, len(list.Stakes))
		chunk := list.Stakes[start:end]

		keys := make([]types.Key, len(chunk))
		for i, entry := range chunk {
			keys[i] = entry.Address
		}
		accounts, err := r.fetchMany(ctx, keys)
		if err != nil {
			return nil, err
		}

		for i, entry := range chunk {
			if accounts[i] == nil {
				return nil, fmt.Errorf("failed to read position %s: %w", entry.Address, ErrAccountNotFound)
			}
			var stake StakeAccount
			if err := Decode("position "+entry.Address.String(), accounts[i].Data, &stake); err != nil {
				return nil, err
			}
			positions = append(positions, types.PositionRecord{
				Index:             uint32(start + i),
				Address:           entry.Address,
				ValidatorKey:      stake.Voter,
				State:             stake.Delegation.State(),
				ObservedAmount:    entry.LastUpdateDelegatedLamports,
				LastObservedEpoch: entry.LastUpdateEpoch,
				RawBalance:        accounts[i].Lamports,
				Delegation:        stake.Delegation,
			})
		}
	}
	return positions, nil
}

// Snapshot reads a fresh consistent view of the pool
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	epochClock, err := r.Clock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read clock: %w", err)
	}
	state, err := r.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}
	validators, err := r.Validators(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to read validators: %w", err)
	}
	positions, err := r.Positions(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to read positions: %w", err)
	}
	reserve, err := r.Balance(ctx, state.ReserveAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read reserve: %w", err)
	}

	return &Snapshot{
		Clock:      epochClock,
		State:      state.ProtocolState(r.instance),
		Validators: validators,
		Positions:  positions,
		Liquidity: types.LiquidityCounters{
			ReserveBalance:         reserve,
			RentExemptFloor:        state.RentExemptForTokenAcc,
			TotalCoolingDown:       state.TotalCoolingDown,
			CirculatingCommitments: state.CirculatingTicketBalance,
		},
	}, nil
}

// Pool reads a snapshot and returns it as a metrics sample
func (r *Reader) Pool(ctx context.Context) (*metrics.PoolSample, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Sample(), nil
}
