package batch

import (
	"fmt"

	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Batcher groups operations into size-bounded batches.
//
// Without an explicit Begin every added operation becomes its own closed
// batch. Between Begin and Commit operations accumulate into one batch.
// Closed batches are popped in FIFO order with Next, NextOne or
// NextCombined. The Batcher performs no I/O.
type Batcher struct {
	feePayer keys.Signer
	maxSize  int
	signers  map[types.Key]keys.Signer

	open    bool
	current []Operation
	closed  [][]Operation
}

// New creates a batcher. maxSize 0 disables the size ceiling.
func New(feePayer keys.Signer, maxSize int) *Batcher {
	b := &Batcher{
		feePayer: feePayer,
		maxSize:  maxSize,
		signers:  make(map[types.Key]keys.Signer),
	}
	b.AddSigner(feePayer)
	return b
}

// FeePayer returns the identity paying for every batch
func (b *Batcher) FeePayer() types.Key {
	return b.feePayer.PublicKey()
}

// MaxSize returns the size ceiling, 0 when unlimited
func (b *Batcher) MaxSize() int {
	return b.maxSize
}

// AddSigner registers a signer identity
func (b *Batcher) AddSigner(s keys.Signer) {
	b.signers[s.PublicKey()] = s
}

// HasSigner reports whether key is registered
func (b *Batcher) HasSigner(key types.Key) bool {
	_, ok := b.signers[key]
	return ok
}

// NewSigner registers a fresh placeholder identity and returns its key.
// Used for accounts created by an operation, such as new or split positions.
func (b *Batcher) NewSigner() (types.Key, error) {
	kp, err := keys.Generate()
	if err != nil {
		return types.Key{}, err
	}
	b.AddSigner(kp)
	return kp.PublicKey(), nil
}

// Begin opens an explicit batch
func (b *Batcher) Begin() error {
	if b.open {
		return ErrAlreadyOpen
	}
	b.open = true
	b.current = nil
	return nil
}

// Commit closes the open batch. An empty batch closes to nothing.
func (b *Batcher) Commit() error {
	if !b.open {
		return ErrNotOpen
	}
	if len(b.current) > 0 {
		b.closed = append(b.closed, b.current)
	}
	b.open = false
	b.current = nil
	return nil
}

// Rollback discards the open batch
func (b *Batcher) Rollback() error {
	if !b.open {
		return ErrNotOpen
	}
	b.open = false
	b.current = nil
	return nil
}

// IsOpen reports whether an explicit batch is open
func (b *Batcher) IsOpen() bool {
	return b.open
}

// Pending returns the number of closed batches waiting to be popped
func (b *Batcher) Pending() int {
	return len(b.closed)
}

// Add appends an operation. See the Batcher doc for grouping rules.
func (b *Batcher) Add(op Operation) error {
	for _, k := range op.Signers {
		if !b.HasSigner(k) {
			return &UnknownSignerError{Key: k}
		}
	}

	single := []Operation{op}
	fits, err := b.fits(single)
	if err != nil {
		return err
	}
	if !fits {
		return fmt.Errorf("%w: %s", ErrTooBig, op.Description)
	}

	if !b.open {
		b.closed = append(b.closed, single)
		return nil
	}

	candidate := make([]Operation, 0, len(b.current)+1)
	candidate = append(candidate, b.current...)
	candidate = append(candidate, op)
	fits, err = b.fits(candidate)
	if err != nil {
		return err
	}
	if !fits {
		return fmt.Errorf("%w: %d operations open, cannot add %s", ErrBatchFull, len(b.current), op.Description)
	}
	b.current = candidate
	return nil
}

// Next pops the oldest closed batch, nil when the queue is empty
func (b *Batcher) Next() (*Batch, error) {
	if b.open && len(b.current) > 0 {
		return nil, ErrUncommitted
	}
	if len(b.closed) == 0 {
		return nil, nil
	}
	ops := b.closed[0]
	b.closed = b.closed[1:]
	return b.build(ops)
}

// NextOne pops the only closed batch
func (b *Batcher) NextOne() (*Batch, error) {
	if b.open && len(b.current) > 0 {
		return nil, ErrUncommitted
	}
	if len(b.closed) != 1 {
		return nil, fmt.Errorf("%w: have %d", ErrNotSingle, len(b.closed))
	}
	return b.Next()
}

// NextCombined pops as many consecutive closed batches as fit together
// under the ceiling. A closed batch is never split.
func (b *Batcher) NextCombined() (*Batch, error) {
	if b.open && len(b.current) > 0 {
		return nil, ErrUncommitted
	}
	if len(b.closed) == 0 {
		return nil, nil
	}

	ops := append([]Operation(nil), b.closed[0]...)
	n := 1
	for n < len(b.closed) {
		candidate := append(append([]Operation(nil), ops...), b.closed[n]...)
		fits, err := b.fits(candidate)
		if err != nil {
			return nil, err
		}
		if !fits {
			break
		}
		ops = candidate
		n++
	}
	b.closed = b.closed[n:]
	return b.build(ops)
}

// Drain pops every closed batch, combining greedily
func (b *Batcher) Drain() ([]*Batch, error) {
	var out []*Batch
	for {
		next, err := b.NextCombined()
		if err != nil {
			return out, err
		}
		if next == nil {
			return out, nil
		}
		out = append(out, next)
	}
}

// Build groups ops into one batch and pops it. The queue must be empty.
func (b *Batcher) Build(ops ...Operation) (*Batch, error) {
	if err := b.Begin(); err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := b.Add(op); err != nil {
			_ = b.Rollback()
			return nil, err
		}
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}
	return b.NextOne()
}

func (b *Batcher) fits(ops []Operation) (bool, error) {
	if b.maxSize == 0 {
		return true, nil
	}
	size, err := EstimateSize(b.FeePayer(), ops)
	if err != nil {
		return false, err
	}
	return size <= b.maxSize, nil
}

func (b *Batcher) build(ops []Operation) (*Batch, error) {
	msg := newMessage(b.FeePayer(), ops)
	required := msg.RequiredSigners()
	signers := make([]keys.Signer, 0, len(required))
	for _, k := range required {
		s, ok := b.signers[k]
		if !ok {
			return nil, &UnknownSignerError{Key: k}
		}
		signers = append(signers, s)
	}
	size, err := EstimateSize(b.FeePayer(), ops)
	if err != nil {
		return nil, err
	}
	return &Batch{message: msg, ops: ops, signers: signers, size: size}, nil
}
