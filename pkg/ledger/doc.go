/*
Package ledger is the controller's view of the external ledger.

Client is the port the rest of the code depends on: fetch raw accounts,
submit or simulate signed batches. The rpc subpackage implements it over
JSON-RPC and ledgertest implements it in memory.

Reader turns raw accounts into a Snapshot:

	clock account ─────┐
	instance account ──┼──► Snapshot{Clock, State, Validators, Positions, Liquidity}
	validator list ────┤
	stake list ────────┤    positions fetched MaxAccountsPerFetch at a time
	reserve balance ───┘

Transient fetch failures are retried until the context expires. Missing
accounts and undecodable data are returned as ErrAccountNotFound and
ErrDecode and end the tick.

Position indexes are only valid for the snapshot they came from: the ledger
removes list entries by swapping the last element into the hole.

Submitter signs a batch and either submits or simulates it depending on the
configured mode. Algorithms only see the verdict.
*/
package ledger
