/*
Package scheduler decides, once per tick, which rebalancing algorithms run.

The epoch is split in two phases by the settlement window that ends
UnsafeMargin slots before the last slot:

	first slot                      last − settlement        last − margin   last
	│────────────── accrual ──────────────│────── settlement ──────│── accrual ─│

Settlement:
  - nothing happens when the imbalance is zero or a surplus below the
    minimum stake
  - past the window midpoint the manager asks for extra rebalance runs
    when the ledger allowance is below what the ExtraRunsPolicy wants
  - the allocator runs with the remaining budget

Accrual:
  - the crank runs in the first half of the epoch
  - the merger runs when more than MinMergeBudget is left

Every tick reads a fresh snapshot, so a tick interrupted by a crash or a
spent budget is simply picked up by the next one.

# Usage

	s := scheduler.NewScheduler(env, scheduler.DefaultConfig())
	s.SetRecorder(journal)

	report, err := s.RunTick(ctx, 9*time.Minute)

	// or as a daemon
	s.Start()
	defer s.Stop()

Ticks never overlap: RunTick and the background loop share one lock.
*/
package scheduler
