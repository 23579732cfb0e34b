/*
Package allocator implements the stake-delta algorithm.

Each validator targets a share of the pool proportional to its score:

	target_total = total_active + imbalance
	target(v)    = round(score(v) × target_total / Σ score)
	need(v)      = target(v) − active(v)

A positive imbalance is deployed from the reserve into the validators with
the largest score first, one new position per validator. A negative
imbalance is recovered from the most over-allocated validators, retiring
their smallest positions first and splitting the last one when only part
of it is needed.

The imbalance is read again after every submission so a failed or partial
run never deploys more than the reserve holds. Validators rebalanced
earlier in the epoch are skipped unless extra runs remain.
*/
package allocator
