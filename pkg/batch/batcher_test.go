package batch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/cuemby/rebalancer/pkg/types"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatcher(t *testing.T, maxSize int) (*Batcher, *keys.Keypair) {
	t.Helper()
	feePayer, err := keys.Generate()
	require.NoError(t, err)
	return New(feePayer, maxSize), feePayer
}

func testOp(i int) Operation {
	return Operation{
		Kind:        "test",
		Payload:     []byte(fmt.Sprintf("payload-%03d", i)),
		Description: fmt.Sprintf("op %d", i),
	}
}

func TestAddWithoutBeginClosesSingleBatches(t *testing.T) {
	b, _ := newTestBatcher(t, DefaultMaxSize)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(testOp(i)))
	}
	assert.Equal(t, 3, b.Pending())

	for i := 0; i < 3; i++ {
		next, err := b.Next()
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, 1, next.Len())
		assert.Equal(t, fmt.Sprintf("op %d", i), next.Operations()[0].Description)
	}

	next, err := b.Next()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestUnknownSigner(t *testing.T) {
	b, _ := newTestBatcher(t, DefaultMaxSize)
	stranger, err := keys.Generate()
	require.NoError(t, err)

	op := testOp(0)
	op.Signers = []types.Key{stranger.PublicKey()}

	err = b.Add(op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSigner))

	var unknown *UnknownSignerError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, stranger.PublicKey(), unknown.Key)
	assert.Equal(t, 0, b.Pending())

	b.AddSigner(stranger)
	assert.NoError(t, b.Add(op))
}

func TestTooBig(t *testing.T) {
	b, feePayer := newTestBatcher(t, 0)
	size, err := EstimateSize(feePayer.PublicKey(), []Operation{testOp(0)})
	require.NoError(t, err)

	b.maxSize = size - 1
	err = b.Add(testOp(0))
	assert.ErrorIs(t, err, ErrTooBig)

	require.NoError(t, b.Begin())
	err = b.Add(testOp(0))
	assert.ErrorIs(t, err, ErrTooBig)
}

func TestBatchFullKeepsOpenBatch(t *testing.T) {
	b, feePayer := newTestBatcher(t, 0)
	size, err := EstimateSize(feePayer.PublicKey(), []Operation{testOp(0), testOp(1)})
	require.NoError(t, err)
	b.maxSize = size

	require.NoError(t, b.Begin())
	require.NoError(t, b.Add(testOp(0)))
	require.NoError(t, b.Add(testOp(1)))

	err = b.Add(testOp(2))
	assert.ErrorIs(t, err, ErrBatchFull)

	require.NoError(t, b.Commit())
	next, err := b.NextOne()
	require.NoError(t, err)
	assert.Equal(t, 2, next.Len())
	assert.LessOrEqual(t, next.Size(), b.MaxSize())
}

func TestTransactionState(t *testing.T) {
	tests := []struct {
		name string
		run  func(b *Batcher) error
		want error
	}{
		{
			name: "begin twice",
			run: func(b *Batcher) error {
				_ = b.Begin()
				return b.Begin()
			},
			want: ErrAlreadyOpen,
		},
		{
			name: "commit without begin",
			run:  func(b *Batcher) error { return b.Commit() },
			want: ErrNotOpen,
		},
		{
			name: "rollback without begin",
			run:  func(b *Batcher) error { return b.Rollback() },
			want: ErrNotOpen,
		},
		{
			name: "next with uncommitted operations",
			run: func(b *Batcher) error {
				_ = b.Begin()
				_ = b.Add(testOp(0))
				_, err := b.Next()
				return err
			},
			want: ErrUncommitted,
		},
		{
			name: "next one with two batches",
			run: func(b *Batcher) error {
				_ = b.Add(testOp(0))
				_ = b.Add(testOp(1))
				_, err := b.NextOne()
				return err
			},
			want: ErrNotSingle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBatcher(t, DefaultMaxSize)
			assert.ErrorIs(t, tt.run(b), tt.want)
		})
	}
}

func TestEmptyCommitAndRollback(t *testing.T) {
	b, _ := newTestBatcher(t, DefaultMaxSize)

	require.NoError(t, b.Begin())
	require.NoError(t, b.Commit())
	assert.Equal(t, 0, b.Pending())

	require.NoError(t, b.Begin())
	require.NoError(t, b.Add(testOp(0)))
	require.NoError(t, b.Rollback())
	assert.Equal(t, 0, b.Pending())
	assert.False(t, b.IsOpen())
}

func TestNextCombined(t *testing.T) {
	b, feePayer := newTestBatcher(t, 0)
	size, err := EstimateSize(feePayer.PublicKey(), []Operation{testOp(0), testOp(1)})
	require.NoError(t, err)
	b.maxSize = size

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(testOp(i)))
	}

	first, err := b.NextCombined()
	require.NoError(t, err)
	assert.Equal(t, []string{"op 0", "op 1"}, first.Descriptions())

	second, err := b.NextCombined()
	require.NoError(t, err)
	assert.Equal(t, []string{"op 2"}, second.Descriptions())

	none, err := b.NextCombined()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNextCombinedNeverSplits(t *testing.T) {
	b, feePayer := newTestBatcher(t, 0)
	size, err := EstimateSize(feePayer.PublicKey(), []Operation{testOp(0), testOp(1)})
	require.NoError(t, err)
	b.maxSize = size

	require.NoError(t, b.Add(testOp(0)))
	require.NoError(t, b.Begin())
	require.NoError(t, b.Add(testOp(1)))
	require.NoError(t, b.Add(testOp(2)))
	require.NoError(t, b.Commit())

	batches, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"op 0"}, batches[0].Descriptions())
	assert.Equal(t, []string{"op 1", "op 2"}, batches[1].Descriptions())
}

func TestUnlimitedCombinesEverything(t *testing.T) {
	b, _ := newTestBatcher(t, 0)
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Add(testOp(i)))
	}
	batches, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 50, batches[0].Len())
}

func TestBuild(t *testing.T) {
	b, _ := newTestBatcher(t, DefaultMaxSize)
	position, err := b.NewSigner()
	require.NoError(t, err)

	create := testOp(0)
	create.Signers = []types.Key{position}
	built, err := b.Build(create, testOp(1))
	require.NoError(t, err)
	assert.Equal(t, 2, built.Len())
	assert.Equal(t, 0, b.Pending())
	assert.False(t, b.IsOpen())

	stranger, err := keys.Generate()
	require.NoError(t, err)
	bad := testOp(2)
	bad.Signers = []types.Key{stranger.PublicKey()}
	_, err = b.Build(testOp(3), bad)
	assert.ErrorIs(t, err, ErrUnknownSigner)
	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, b.Pending())
}

func TestSignAndVerify(t *testing.T) {
	b, feePayer := newTestBatcher(t, DefaultMaxSize)
	position, err := b.NewSigner()
	require.NoError(t, err)

	op := testOp(0)
	op.Signers = []types.Key{position, feePayer.PublicKey()}
	require.NoError(t, b.Add(op))

	next, err := b.Next()
	require.NoError(t, err)

	signed, err := next.Sign()
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 2)
	assert.NoError(t, signed.Verify())
	assert.Equal(t, next.Digest(), signed.Digest())

	msg, err := signed.Decode()
	require.NoError(t, err)
	assert.Equal(t, feePayer.PublicKey(), msg.FeePayer)
	assert.Equal(t, []types.Key{feePayer.PublicKey(), position}, msg.RequiredSigners())

	signed.Signatures[1].Signature[0] ^= 0xff
	assert.ErrorIs(t, signed.Verify(), ErrMissingSignature)
}

func TestDigestDeterministic(t *testing.T) {
	b, _ := newTestBatcher(t, DefaultMaxSize)
	require.NoError(t, b.Add(testOp(7)))
	require.NoError(t, b.Add(testOp(7)))

	first, err := b.Next()
	require.NoError(t, err)
	second, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, first.Digest(), second.Digest())
	assert.Len(t, first.Digest(), 64)
}

// Every drained batch fits the ceiling and the drained operations keep the
// order in which they were added.
func TestDrainPreservesOrderAndCeiling(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 400)

	for round := 0; round < 50; round++ {
		b, _ := newTestBatcher(t, DefaultMaxSize)

		var count uint8
		f.Fuzz(&count)

		var added []string
		for i := 0; i < int(count%40); i++ {
			var payload []byte
			f.Fuzz(&payload)
			op := Operation{Kind: "fuzz", Payload: payload, Description: fmt.Sprintf("%d-%d", round, i)}

			err := b.Add(op)
			if errors.Is(err, ErrTooBig) {
				continue
			}
			require.NoError(t, err)
			added = append(added, op.Description)
		}

		batches, err := b.Drain()
		require.NoError(t, err)

		var drained []string
		for _, batch := range batches {
			assert.LessOrEqual(t, batch.Size(), DefaultMaxSize)
			assert.Positive(t, batch.Len())
			drained = append(drained, batch.Descriptions()...)
		}
		assert.Equal(t, added, drained)
	}
}
