/*
Package batch groups ledger operations into size-bounded, atomically
submitted batches.

A Batcher has two modes. Added operations outside an explicit batch become
single-operation batches. Between Begin and Commit they accumulate into one
batch that is either committed as a whole or discarded by Rollback.

	b := batch.New(feePayer, batch.DefaultMaxSize)
	position, _ := b.NewSigner()

	next, err := b.Build(
		builder.CreatePosition(position),
		builder.StakeReserve(validatorIndex, position, amount),
	)

The size of a batch is its CBOR message plus one signature per required
signer. Operations that would push an explicit batch over the ceiling are
rejected with ErrBatchFull and the open batch is left untouched. An
operation that cannot fit even alone fails with ErrTooBig.

NextCombined merges queued batches greedily while the result still fits,
never splitting one.
*/
package batch
