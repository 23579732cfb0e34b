// Package executor holds what the rebalancing algorithms share: the
// collaborators they submit through and the per-run bookkeeping of
// submissions, limits and budget.
package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/budget"
	"github.com/cuemby/rebalancer/pkg/clock"
	"github.com/cuemby/rebalancer/pkg/events"
	"github.com/cuemby/rebalancer/pkg/instruction"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultPause is the wait between allocator submissions
const DefaultPause = 5 * time.Second

// Snapshotter reads a fresh view of the pool
type Snapshotter interface {
	Snapshot(ctx context.Context) (*ledger.Snapshot, error)
}

// Processor submits one batch and returns the ledger's verdict
type Processor interface {
	Process(ctx context.Context, b *batch.Batch) error
}

// Env bundles the collaborators of every algorithm
type Env struct {
	Reader    Snapshotter
	Batcher   *batch.Batcher
	Builder   *instruction.Builder
	Submitter Processor
	Clock     clock.Clock

	// Limit caps the batches processed per run, 0 for no limit
	Limit uint32
	// Pause is waited after each allocator submission
	Pause time.Duration
	// Events receives one event per processed batch, may be nil
	Events events.Publisher
}

// Run tracks one algorithm invocation
type Run struct {
	env       *Env
	algorithm string
	budget    *budget.Budget
	report    types.Report
	logger    zerolog.Logger
}

// Start begins a run of algorithm under b
func (e *Env) Start(algorithm string, b *budget.Budget) *Run {
	return &Run{
		env:       e,
		algorithm: algorithm,
		budget:    b,
		logger:    log.WithComponent(algorithm),
	}
}

// Logger returns the run's component logger
func (r *Run) Logger() *zerolog.Logger {
	return &r.logger
}

// Budget returns the run's budget
func (r *Run) Budget() *budget.Budget {
	return r.budget
}

// Snapshot reads a fresh view of the pool
func (r *Run) Snapshot(ctx context.Context) (*ledger.Snapshot, error) {
	return r.env.Reader.Snapshot(ctx)
}

// Build groups ops into one batch
func (r *Run) Build(ops ...batch.Operation) (*batch.Batch, error) {
	return r.env.Batcher.Build(ops...)
}

// Submit processes one batch and counts the verdict. A rejected batch is
// logged and counted and reports false. Only a batch that could not be
// signed returns an error, which ends the tick.
func (r *Run) Submit(ctx context.Context, b *batch.Batch) (bool, error) {
	err := r.env.Submitter.Process(ctx, b)
	if errors.Is(err, ledger.ErrSign) {
		return false, err
	}
	r.report.Processed++
	r.report.Record(err)
	metrics.RecordBatch(r.algorithm, err)
	r.publish(b, err)
	if err != nil {
		r.logger.Warn().Err(err).Str("batch", b.String()).Msg("Batch failed, continuing")
		return false, nil
	}
	return true, nil
}

func (r *Run) publish(b *batch.Batch, err error) {
	if r.env.Events == nil {
		return
	}
	event := &events.Event{
		Type:      events.EventBatchSubmitted,
		Timestamp: r.env.Clock.Now(),
		Message:   b.String(),
		Metadata: map[string]string{
			"algorithm":  r.algorithm,
			"digest":     b.Digest(),
			"operations": strconv.Itoa(b.Len()),
		},
	}
	if err != nil {
		event.Type = events.EventBatchRejected
		event.Metadata["error"] = err.Error()
	}
	r.env.Events.Publish(event)
}

// Pause waits the configured pause between submissions
func (r *Run) Pause(ctx context.Context) error {
	return clock.Sleep(ctx, r.env.Clock, r.env.Pause)
}

// Stopped reports whether the op limit or the budget ends the run, and
// records which one did
func (r *Run) Stopped() bool {
	if r.env.Limit > 0 && r.report.Processed >= r.env.Limit {
		if !r.report.LimitReached {
			r.logger.Info().Uint32("limit", r.env.Limit).Msg("Limit reached")
		}
		r.report.LimitReached = true
		return true
	}
	if r.budget.Exceeded() {
		if !r.report.BudgetExhausted {
			r.logger.Info().Dur("budget", r.budget.Limit()).Msg("Run budget exhausted")
		}
		r.report.BudgetExhausted = true
		return true
	}
	return false
}

// Report returns the counters so far
func (r *Run) Report() types.Report {
	return r.report
}

// Finish logs and returns the final counters
func (r *Run) Finish() types.Report {
	r.logger.Info().
		Uint32("processed", r.report.Processed).
		Uint32("ok", r.report.OpsOK).
		Uint32("err", r.report.OpsErr).
		Msg("Run finished")
	return r.report
}
