/*
Package metrics exposes rebalancer metrics in Prometheus format and keeps a
small component health registry for the daemon endpoints.

All collectors are package-level variables registered with the default
registry in init. Ticks, per-algorithm batch outcomes and ledger
submissions are counted as they happen; pool gauges (imbalance, epoch
progress, validators and positions by state) are refreshed from snapshots,
either by the scheduler after each tick or periodically by a Collector.

	timer := metrics.NewTimer()
	// work
	timer.ObserveDurationVec(metrics.TickDuration, "settlement")

Exposed series:

	rebalancer_ticks_total{phase,outcome}
	rebalancer_tick_duration_seconds{phase}
	rebalancer_batches_total{algorithm,result}
	rebalancer_submissions_total{mode,result}
	rebalancer_submission_duration_seconds{mode}
	rebalancer_imbalance_lamports
	rebalancer_validators_total{scored}
	rebalancer_positions_total{state}
	rebalancer_epoch
	rebalancer_epoch_advance_percent

The health registry behind /health and /ready carries the last tick
(id, phase, epoch, outcome) and the last pool sample with its age. A
sample older than three collection intervals turns the ledger component
stale. Readiness requires a healthy ledger sample and a successful tick.
*/
package metrics
