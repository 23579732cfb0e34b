package rpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/codec"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Method names served by the ledger node
const (
	MethodGetAccountInfo      = "getAccountInfo"
	MethodGetMultipleAccounts = "getMultipleAccounts"
	MethodSendBatch           = "sendBatch"
	MethodSimulateBatch       = "simulateBatch"
)

// Commitment levels accepted by the node
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// DefaultTimeout bounds one HTTP round trip when ctx has no deadline
const DefaultTimeout = 30 * time.Second

// ErrInvalidCommitment is returned by Dial for an unknown commitment level
var ErrInvalidCommitment = errors.New("invalid commitment")

// Options carry per-call settings sent with every request
type Options struct {
	Commitment string `json:"commitment"`
}

// accountResult wraps account values the way the node returns them
type accountResult struct {
	Value *ledger.Account `json:"value"`
}

type accountsResult struct {
	Value []*ledger.Account `json:"value"`
}

type simulateResult struct {
	Err  *string  `json:"err"`
	Logs []string `json:"logs,omitempty"`
}

var _ ledger.Client = (*Client)(nil)

// Client talks JSON-RPC 2.0 over HTTP to a ledger node
type Client struct {
	rpc     *gethrpc.Client
	options Options
	logger  zerolog.Logger
}

// Dial connects to url. commitment "" selects confirmed.
func Dial(ctx context.Context, url, commitment string) (*Client, error) {
	switch commitment {
	case "":
		commitment = CommitmentConfirmed
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommitment, commitment)
	}

	c, err := gethrpc.DialOptions(ctx, url, gethrpc.WithHTTPClient(&http.Client{Timeout: DefaultTimeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc %s: %w", url, err)
	}
	return &Client{
		rpc:     c,
		options: Options{Commitment: commitment},
		logger:  log.WithComponent("rpc"),
	}, nil
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.rpc.Close()
}

// FetchAccount implements ledger.Client
func (c *Client) FetchAccount(ctx context.Context, key types.Key) (*ledger.Account, error) {
	var res accountResult
	if err := c.rpc.CallContext(ctx, &res, MethodGetAccountInfo, key, c.options); err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", key, err)
	}
	if res.Value == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, key)
	}
	return res.Value, nil
}

// FetchAccounts implements ledger.Client
func (c *Client) FetchAccounts(ctx context.Context, keys []types.Key) ([]*ledger.Account, error) {
	if len(keys) > ledger.MaxAccountsPerFetch {
		return nil, fmt.Errorf("failed to get accounts: %d keys exceed the limit of %d", len(keys), ledger.MaxAccountsPerFetch)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var res accountsResult
	if err := c.rpc.CallContext(ctx, &res, MethodGetMultipleAccounts, keys, c.options); err != nil {
		return nil, fmt.Errorf("failed to get %d accounts: %w", len(keys), err)
	}
	if len(res.Value) != len(keys) {
		return nil, fmt.Errorf("failed to get accounts: got %d for %d keys", len(res.Value), len(keys))
	}
	return res.Value, nil
}

// Submit implements ledger.Client. A JSON-RPC error answer is the node
// refusing the batch and wraps ledger.ErrRejected.
func (c *Client) Submit(ctx context.Context, signed *batch.SignedBatch) error {
	payload, err := encode(signed)
	if err != nil {
		return err
	}

	var digest string
	if err := c.rpc.CallContext(ctx, &digest, MethodSendBatch, payload, c.options); err != nil {
		return rejection(err)
	}
	c.logger.Debug().Str("digest", digest).Msg("Batch accepted")
	return nil
}

// Simulate implements ledger.Client
func (c *Client) Simulate(ctx context.Context, signed *batch.SignedBatch) error {
	payload, err := encode(signed)
	if err != nil {
		return err
	}

	var res simulateResult
	if err := c.rpc.CallContext(ctx, &res, MethodSimulateBatch, payload, c.options); err != nil {
		return rejection(err)
	}
	for _, line := range res.Logs {
		c.logger.Debug().Str("digest", signed.Digest()).Msg(line)
	}
	if res.Err != nil {
		return fmt.Errorf("%w: %s", ledger.ErrRejected, *res.Err)
	}
	return nil
}

func encode(signed *batch.SignedBatch) (string, error) {
	data, err := codec.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("failed to encode batch: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func rejection(err error) error {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s (code %d)", ledger.ErrRejected, rpcErr.Error(), rpcErr.ErrorCode())
	}
	return fmt.Errorf("failed to send batch: %w", err)
}
