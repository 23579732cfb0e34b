package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/rebalancer/pkg/allocator"
	"github.com/cuemby/rebalancer/pkg/budget"
	"github.com/cuemby/rebalancer/pkg/crank"
	"github.com/cuemby/rebalancer/pkg/events"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/merger"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlgorithmExtraRuns labels the extra runs request in reports
const AlgorithmExtraRuns = "extra_runs"

// Phase is the part of the epoch a tick runs in
type Phase int

const (
	// PhaseSettlement is the stake-delta window near the end of the epoch
	PhaseSettlement Phase = iota
	// PhaseAccrual is the rest of the epoch
	PhaseAccrual
)

func (p Phase) String() string {
	switch p {
	case PhaseSettlement:
		return "settlement"
	case PhaseAccrual:
		return "accrual"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// PhaseAt classifies the clock. Settlement holds strictly inside
// (last − settlementSlots, last − unsafeMargin).
func PhaseAt(c types.EpochClock, settlementSlots, unsafeMargin uint64) Phase {
	if ledger.InSettlementWindow(c, settlementSlots, unsafeMargin) {
		return PhaseSettlement
	}
	return PhaseAccrual
}

// PastWindowMidpoint reports whether the slot is in the second half of
// the settlement window
func PastWindowMidpoint(c types.EpochClock, settlementSlots uint64) bool {
	var start uint64
	if c.EpochLastSlot > settlementSlots {
		start = c.EpochLastSlot - settlementSlots
	}
	return c.Slot > start+settlementSlots/2
}

// Algorithm is one rebalancing pass
type Algorithm interface {
	Run(ctx context.Context, b *budget.Budget) (types.Report, error)
}

// Recorder persists tick reports
type Recorder interface {
	Record(r *types.TickReport) error
}

// Config tunes the scheduler
type Config struct {
	// UnsafeMargin is the number of slots before the epoch end where no
	// settlement work starts
	UnsafeMargin uint64
	// MinMergeBudget is the remaining budget needed to start merging
	MinMergeBudget time.Duration
	// Grace extends ledger I/O past the budget so an operation started
	// in time can finish
	Grace time.Duration
	// ExtraRuns decides the extra rebalance runs requested per epoch
	ExtraRuns ExtraRunsPolicy
	// Manager is the authority signing extra runs requests
	Manager types.Key

	// Interval is the period of the background loop
	Interval time.Duration
	// MaxRun is the budget of each background tick
	MaxRun time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		UnsafeMargin:   32,
		MinMergeBudget: 10 * time.Second,
		Grace:          30 * time.Second,
		ExtraRuns:      DefaultPolicy(),
		Interval:       5 * time.Minute,
		MaxRun:         9 * time.Minute,
	}
}

// Scheduler decides which algorithms run in a tick from the epoch phase
type Scheduler struct {
	env *executor.Env
	cfg Config

	algorithms map[string]Algorithm
	recorder   Recorder
	logger     zerolog.Logger

	// mu serializes ticks
	mu     sync.Mutex
	lastMu sync.RWMutex
	last   *types.TickReport

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler running the allocator, crank and
// merger over env
func NewScheduler(env *executor.Env, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		env: env,
		cfg: cfg,
		algorithms: map[string]Algorithm{
			allocator.Name: allocator.New(env),
			crank.Name:     crank.New(env),
			merger.Name:    merger.New(env),
		},
		logger: log.WithComponent("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SetRecorder installs the tick journal
func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

// Last returns the report of the latest tick, nil before the first one
func (s *Scheduler) Last() *types.TickReport {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Start begins the background loop. The first tick runs immediately.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop cancels the running tick and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	// failures are logged, journaled and reported to health by finish
	_, _ = s.RunTick(s.ctx, s.cfg.MaxRun)
}

// RunTick runs the work due in the current epoch phase within limit.
// Algorithms stop starting new operations once the budget is spent.
func (s *Scheduler) RunTick(ctx context.Context, limit time.Duration) (*types.TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := budget.New(s.env.Clock, limit)
	ctx, cancel := s.ioContext(ctx, limit)
	defer cancel()

	report := s.newReport(b)
	logger := log.WithTickID(s.logger, report.ID)

	snap, err := s.env.Reader.Snapshot(ctx)
	if err != nil {
		return s.finish(report, b, fmt.Errorf("failed to read snapshot: %w", err))
	}
	report.Epoch = snap.Clock.Epoch
	report.Slot = snap.Clock.Slot
	metrics.ObservePool(snap.Sample())
	logProgress(logger, snap)

	phase := PhaseAt(snap.Clock, snap.State.SlotsForStakeDelta, s.cfg.UnsafeMargin)
	report.Phase = phase.String()
	logger.Info().Str("phase", report.Phase).Dur("budget", limit).Msg("Tick started")

	switch phase {
	case PhaseSettlement:
		err = s.settle(ctx, b, snap, report)
	default:
		err = s.accrue(ctx, b, snap, report)
	}
	return s.finish(report, b, err)
}

// RunAlgorithm runs a single algorithm by name regardless of the phase
func (s *Scheduler) RunAlgorithm(ctx context.Context, name string, limit time.Duration) (*types.TickReport, error) {
	algorithm, ok := s.algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := budget.New(s.env.Clock, limit)
	ctx, cancel := s.ioContext(ctx, limit)
	defer cancel()

	report := s.newReport(b)
	report.Phase = name
	r, err := algorithm.Run(ctx, b)
	report.Add(name, r)
	return s.finish(report, b, err)
}

func (s *Scheduler) settle(ctx context.Context, b *budget.Budget, snap *ledger.Snapshot, report *types.TickReport) error {
	delta := snap.Imbalance()
	if !allocator.Actionable(delta, snap.State.MinStake) {
		s.logger.Info().
			Str("delta", delta.String()).
			Uint64("min_stake", snap.State.MinStake).
			Msg("Imbalance not actionable, skipping stake delta")
		return nil
	}

	if err := s.requestExtraRuns(ctx, b, snap, report); err != nil {
		return err
	}

	r, err := s.algorithms[allocator.Name].Run(ctx, b)
	report.Add(allocator.Name, r)
	return err
}

func (s *Scheduler) requestExtraRuns(ctx context.Context, b *budget.Budget, snap *ledger.Snapshot, report *types.TickReport) error {
	wanted, ok := s.cfg.ExtraRuns.Wanted(snap)
	if !ok || snap.State.ExtraStakeDeltaRuns >= wanted {
		return nil
	}
	if !PastWindowMidpoint(snap.Clock, snap.State.SlotsForStakeDelta) {
		return nil
	}
	if s.cfg.Manager != snap.State.ManagerAuthority {
		s.logger.Warn().
			Str("manager", s.cfg.Manager.String()).
			Str("authority", snap.State.ManagerAuthority.String()).
			Msg("Not the manager authority, cannot request extra runs")
		return nil
	}

	run := s.env.Start(AlgorithmExtraRuns, b)
	next, err := run.Build(s.env.Builder.ConfigValidatorSystem(s.cfg.Manager, wanted))
	if err != nil {
		return fmt.Errorf("failed to build extra runs batch: %w", err)
	}
	if ok, err = run.Submit(ctx, next); err != nil {
		return err
	}
	s.logger.Info().
		Uint32("current", snap.State.ExtraStakeDeltaRuns).
		Uint32("requested", wanted).
		Bool("ok", ok).
		Msg("Asked for extra runs")
	report.Add(AlgorithmExtraRuns, run.Report())
	return nil
}

func (s *Scheduler) accrue(ctx context.Context, b *budget.Budget, snap *ledger.Snapshot, report *types.TickReport) error {
	if snap.Clock.InFirstHalf() {
		r, err := s.algorithms[crank.Name].Run(ctx, b)
		report.Add(crank.Name, r)
		if err != nil {
			return err
		}
	}

	remaining := b.Remaining()
	if remaining <= s.cfg.MinMergeBudget {
		s.logger.Info().Dur("remaining", remaining).Msg("Not enough budget left to merge")
		return nil
	}
	r, err := s.algorithms[merger.Name].Run(ctx, b)
	report.Add(merger.Name, r)
	return err
}

func (s *Scheduler) ioContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit+s.cfg.Grace)
}

func (s *Scheduler) newReport(b *budget.Budget) *types.TickReport {
	return &types.TickReport{
		ID:      uuid.New().String(),
		Started: b.Clock().Now().UTC(),
	}
}

func (s *Scheduler) finish(report *types.TickReport, b *budget.Budget, err error) (*types.TickReport, error) {
	report.Duration = b.Elapsed()
	phase := report.Phase
	if phase == "" {
		phase = "unknown"
	}

	outcome := "ok"
	event := s.logger.Info()
	if err != nil {
		outcome = "error"
		report.Error = err.Error()
		event = s.logger.Error().Err(err)
	}
	metrics.TicksTotal.WithLabelValues(phase, outcome).Inc()
	metrics.TickDuration.WithLabelValues(phase).Observe(report.Duration.Seconds())

	event.
		Str("tick_id", report.ID).
		Str("phase", phase).
		Uint32("ops_ok", report.Total.OpsOK).
		Uint32("ops_err", report.Total.OpsErr).
		Uint32("ops_total", report.Total.OpsTotal()).
		Bool("budget_exhausted", report.Total.BudgetExhausted).
		Dur("duration", report.Duration).
		Msg("Tick finished")

	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()
	metrics.RecordTick(report)
	s.publish(report)

	if s.recorder != nil {
		if rerr := s.recorder.Record(report); rerr != nil {
			s.logger.Warn().Err(rerr).Str("tick_id", report.ID).Msg("Failed to journal tick")
		}
	}
	return report, err
}

func (s *Scheduler) publish(report *types.TickReport) {
	if s.env.Events == nil {
		return
	}
	event := &events.Event{
		Type:      events.EventTickFinished,
		Timestamp: report.Started.Add(report.Duration),
		Message:   fmt.Sprintf("%s tick: %d ok, %d failed", report.Phase, report.Total.OpsOK, report.Total.OpsErr),
		Metadata: map[string]string{
			"tick_id": report.ID,
			"phase":   report.Phase,
			"epoch":   strconv.FormatUint(report.Epoch, 10),
			"slot":    strconv.FormatUint(report.Slot, 10),
		},
	}
	if report.Error != "" {
		event.Type = events.EventTickFailed
		event.Metadata["error"] = report.Error
	}
	s.env.Events.Publish(event)
}

func logProgress(logger zerolog.Logger, snap *ledger.Snapshot) {
	c := snap.Clock
	event := logger.Info().
		Uint64("epoch", c.Epoch).
		Uint64("epoch_slot", c.EpochSlot()).
		Uint64("epoch_duration", c.EpochDuration()).
		Float64("advance", c.Advance()).
		Int("validators", len(snap.Validators)).
		Uint32("validators_with_score", snap.ValidatorsWithScore()).
		Str("imbalance", snap.Imbalance().String())
	if end, ok := c.EstimatedEnd(); ok {
		event = event.Time("ends_utc", end)
	}
	event.Msg("Epoch progress")
}
