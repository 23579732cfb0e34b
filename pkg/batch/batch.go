package batch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/rebalancer/pkg/codec"
	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/zeebo/blake3"
)

// SignatureSize is the encoded size of one ed25519 signature
const SignatureSize = 64

// DefaultMaxSize matches the ledger packet payload limit
const DefaultMaxSize = 1232

var (
	// ErrUnknownSigner is returned when an operation needs a signer that was never registered
	ErrUnknownSigner = errors.New("unknown signer")
	// ErrTooBig is returned when a single operation alone exceeds the size ceiling
	ErrTooBig = errors.New("operation exceeds batch size ceiling")
	// ErrBatchFull is returned when an explicitly opened batch cannot take one more operation
	ErrBatchFull = errors.New("batch is full")
	// ErrAlreadyOpen is returned by Begin when a batch is already open
	ErrAlreadyOpen = errors.New("batch already open")
	// ErrNotOpen is returned by Commit and Rollback without a previous Begin
	ErrNotOpen = errors.New("no open batch")
	// ErrUncommitted is returned when popping batches while operations are still open
	ErrUncommitted = errors.New("open batch not committed")
	// ErrNotSingle is returned by NextOne when the queue does not hold exactly one batch
	ErrNotSingle = errors.New("expected exactly one closed batch")
	// ErrMissingSignature is returned when a signed batch lacks a valid signature
	ErrMissingSignature = errors.New("missing or invalid signature")
)

// UnknownSignerError names the signer that was not registered
type UnknownSignerError struct {
	Key types.Key
}

func (e *UnknownSignerError) Error() string {
	return fmt.Sprintf("%s %s", ErrUnknownSigner, e.Key)
}

func (e *UnknownSignerError) Unwrap() error {
	return ErrUnknownSigner
}

// Operation is an opaque unit of work for the ledger. The controller only
// knows its size, its required signers and a description for logs.
type Operation struct {
	Kind        string
	Signers     []types.Key
	Payload     []byte
	Description string
}

// WireOperation is the encoded form of an operation inside a message
type WireOperation struct {
	Kind    string      `cbor:"kind"`
	Signers []types.Key `cbor:"signers,omitempty"`
	Payload []byte      `cbor:"payload"`
}

// Message is the signed content of a batch
type Message struct {
	FeePayer   types.Key       `cbor:"fee_payer"`
	Operations []WireOperation `cbor:"operations"`
}

// RequiredSigners returns the fee payer followed by every distinct
// operation signer in order of first appearance
func (m *Message) RequiredSigners() []types.Key {
	seen := map[types.Key]bool{m.FeePayer: true}
	out := []types.Key{m.FeePayer}
	for _, op := range m.Operations {
		for _, k := range op.Signers {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func newMessage(feePayer types.Key, ops []Operation) *Message {
	msg := &Message{FeePayer: feePayer, Operations: make([]WireOperation, len(ops))}
	for i, op := range ops {
		msg.Operations[i] = WireOperation{Kind: op.Kind, Signers: op.Signers, Payload: op.Payload}
	}
	return msg
}

// EstimateSize returns the submitted size of ops: the encoded message plus
// one signature per required signer
func EstimateSize(feePayer types.Key, ops []Operation) (int, error) {
	msg := newMessage(feePayer, ops)
	data, err := codec.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}
	return len(data) + SignatureSize*len(msg.RequiredSigners()), nil
}

// Batch is an ordered, non-empty group of operations submitted atomically
type Batch struct {
	message *Message
	ops     []Operation
	signers []keys.Signer
	size    int
}

// Operations returns the operations in submission order
func (b *Batch) Operations() []Operation {
	return b.ops
}

// Len returns the number of operations
func (b *Batch) Len() int {
	return len(b.ops)
}

// Size returns the estimated submitted size
func (b *Batch) Size() int {
	return b.size
}

// Descriptions returns the human readable description of every operation
func (b *Batch) Descriptions() []string {
	out := make([]string, len(b.ops))
	for i, op := range b.ops {
		out[i] = op.Description
	}
	return out
}

// String joins the descriptions for log lines
func (b *Batch) String() string {
	return strings.Join(b.Descriptions(), "; ")
}

// Message returns the encoded message bytes
func (b *Batch) Message() ([]byte, error) {
	data, err := codec.Marshal(b.message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Digest returns the blake3 hash of the message, hex encoded
func (b *Batch) Digest() string {
	data, err := b.Message()
	if err != nil {
		return ""
	}
	return digest(data)
}

// Sign produces the submission unit with one signature per required signer
func (b *Batch) Sign() (*SignedBatch, error) {
	data, err := b.Message()
	if err != nil {
		return nil, err
	}
	signed := &SignedBatch{Message: data, Signatures: make([]Signature, 0, len(b.signers))}
	for _, s := range b.signers {
		signed.Signatures = append(signed.Signatures, Signature{
			Key:       s.PublicKey(),
			Signature: s.Sign(data),
		})
	}
	return signed, nil
}

// Signature binds a signer identity to its signature
type Signature struct {
	Key       types.Key `cbor:"key"`
	Signature []byte    `cbor:"signature"`
}

// SignedBatch is what the ledger receives
type SignedBatch struct {
	Message    []byte      `cbor:"message"`
	Signatures []Signature `cbor:"signatures"`
}

// Decode parses the message content
func (s *SignedBatch) Decode() (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(s.Message, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Verify checks that every required signer signed the message
func (s *SignedBatch) Verify() error {
	msg, err := s.Decode()
	if err != nil {
		return err
	}
	sigs := make(map[types.Key][]byte, len(s.Signatures))
	for _, sig := range s.Signatures {
		sigs[sig.Key] = sig.Signature
	}
	for _, k := range msg.RequiredSigners() {
		sig, ok := sigs[k]
		if !ok || !keys.Verify(k, s.Message, sig) {
			return fmt.Errorf("%w: %s", ErrMissingSignature, k)
		}
	}
	return nil
}

// Digest returns the blake3 hash of the message, hex encoded
func (s *SignedBatch) Digest() string {
	return digest(s.Message)
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
