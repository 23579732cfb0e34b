package ledger

import (
	"context"
	"errors"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/types"
)

// MaxAccountsPerFetch is the largest number of keys FetchAccounts accepts
const MaxAccountsPerFetch = 100

var (
	// ErrAccountNotFound is returned when the ledger holds no account for a key
	ErrAccountNotFound = errors.New("account not found")
	// ErrDecode is returned when account data does not match the expected layout
	ErrDecode = errors.New("failed to decode account")
	// ErrRejected is returned when the ledger refuses a batch
	ErrRejected = errors.New("batch rejected")
	// ErrSign is returned when a batch cannot be signed. It never
	// reaches the ledger and is not a ledger verdict.
	ErrSign = errors.New("failed to sign batch")
	// ErrWrongOwner is returned when an account is owned by an unexpected program
	ErrWrongOwner = errors.New("unexpected account owner")
	// ErrUnknownValidator is returned when a position delegates to a validator
	// missing from the validator list
	ErrUnknownValidator = errors.New("validator not in list")
)

var (
	// SystemProgram owns plain wallet accounts
	SystemProgram = types.MustParseKey("11111111111111111111111111111111")
	// ClockKey is the address of the ledger clock account
	ClockKey = types.MustParseKey("SysvarC1ock11111111111111111111111111111111")
)

// Account is a raw ledger account
type Account struct {
	Owner    types.Key `cbor:"owner" json:"owner"`
	Lamports uint64    `cbor:"lamports" json:"lamports"`
	Data     []byte    `cbor:"data" json:"data"`
}

// Client is the port to the external ledger
type Client interface {
	// FetchAccount returns ErrAccountNotFound when the key is unused
	FetchAccount(ctx context.Context, key types.Key) (*Account, error)
	// FetchAccounts returns one entry per key, nil for unused keys.
	// At most MaxAccountsPerFetch keys per call.
	FetchAccounts(ctx context.Context, keys []types.Key) ([]*Account, error)
	// Submit executes the batch, wrapping ErrRejected on refusal
	Submit(ctx context.Context, signed *batch.SignedBatch) error
	// Simulate dry-runs the batch without changing state
	Simulate(ctx context.Context, signed *batch.SignedBatch) error
}
