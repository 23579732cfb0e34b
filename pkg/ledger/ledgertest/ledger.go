// Package ledgertest provides an in-memory ledger for tests.
//
// The ledger applies the pool operations with the same list semantics as
// the real one: removals swap the last element into the hole, every
// rebalance run is recorded per validator and epoch, and batches are
// applied atomically or not at all.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/instruction"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/zeebo/blake3"
)

// StakeProgram owns position accounts
var StakeProgram = Key("stake-program")

// Key derives a deterministic key from a name
func Key(name string) types.Key {
	return types.Key(blake3.Sum256([]byte(name)))
}

// FailFunc decides whether the seq-th submission (1-based) is rejected
type FailFunc func(seq int, msg *batch.Message) error

// Position describes a stake position to seed the ledger with
type Position struct {
	Address         types.Key
	Voter           types.Key
	Lamports        uint64
	Delegation      types.Delegation
	ObservedAmount  uint64
	LastUpdateEpoch uint64
}

type positionAccount struct {
	voter      types.Key
	lamports   uint64
	delegation types.Delegation
}

type state struct {
	clock      types.EpochClock
	instance   ledger.InstanceAccount
	validators []types.ValidatorRecord
	stakes     []ledger.StakeEntry
	positions  map[types.Key]positionAccount
	pending    map[types.Key]bool
	reserve    uint64
	accounts   map[types.Key]ledger.Account
}

func (s *state) clone() *state {
	out := *s
	out.validators = append([]types.ValidatorRecord(nil), s.validators...)
	out.stakes = append([]ledger.StakeEntry(nil), s.stakes...)
	out.positions = make(map[types.Key]positionAccount, len(s.positions))
	for k, v := range s.positions {
		out.positions[k] = v
	}
	out.pending = make(map[types.Key]bool, len(s.pending))
	for k, v := range s.pending {
		out.pending[k] = v
	}
	out.accounts = make(map[types.Key]ledger.Account, len(s.accounts))
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	return &out
}

// Ledger is an in-memory implementation of ledger.Client
type Ledger struct {
	mu sync.Mutex

	instance types.Key
	st       *state

	fail      FailFunc
	fetchFail func(key types.Key) error

	submissions int
	rejections  int
	simulations int
	applied     []string
}

// New creates a ledger at the given clock with default addresses and a
// manager authority of Key("manager")
func New(c types.EpochClock) *Ledger {
	return &Ledger{
		instance: Key("instance"),
		st: &state{
			clock: c,
			instance: ledger.InstanceAccount{
				ReserveAddress:       Key("reserve"),
				ValidatorListAddress: Key("validator-list"),
				StakeListAddress:     Key("stake-list"),
				ManagerAuthority:     Key("manager"),
			},
			positions: make(map[types.Key]positionAccount),
			pending:   make(map[types.Key]bool),
			accounts:  make(map[types.Key]ledger.Account),
		},
	}
}

// Instance returns the pool instance key
func (l *Ledger) Instance() types.Key {
	return l.instance
}

// Configure edits the instance account
func (l *Ledger) Configure(fn func(*ledger.InstanceAccount)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.st.instance)
}

// State returns a copy of the instance account
func (l *Ledger) State() ledger.InstanceAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.instance
}

// SetClock moves the ledger clock
func (l *Ledger) SetClock(c types.EpochClock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.clock = c
}

// Clock returns the ledger clock
func (l *Ledger) Clock() types.EpochClock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.clock
}

// SetReserve sets the reserve balance
func (l *Ledger) SetReserve(lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.reserve = lamports
}

// Reserve returns the reserve balance
func (l *Ledger) Reserve() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.reserve
}

// AddAccount creates a plain account
func (l *Ledger) AddAccount(key, owner types.Key, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.accounts[key] = ledger.Account{Owner: owner, Lamports: lamports}
}

// AddValidator appends a validator and adds its balance to the total
func (l *Ledger) AddValidator(key types.Key, score uint32, active uint64) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.validators = append(l.st.validators, types.ValidatorRecord{Key: key, Score: score, ActiveBalance: active})
	l.st.instance.TotalActiveBalance += active
	return uint32(len(l.st.validators) - 1)
}

// Validators returns a copy of the validator list
func (l *Ledger) Validators() []types.ValidatorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.ValidatorRecord(nil), l.st.validators...)
}

// AddPosition appends a position to the stake list. Balances are left
// untouched. Lamports defaults to the delegated stake.
func (l *Ledger) AddPosition(p Position) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Lamports == 0 {
		p.Lamports = p.Delegation.Stake
	}
	l.st.positions[p.Address] = positionAccount{voter: p.Voter, lamports: p.Lamports, delegation: p.Delegation}
	l.st.stakes = append(l.st.stakes, ledger.StakeEntry{
		Address:                     p.Address,
		LastUpdateDelegatedLamports: p.ObservedAmount,
		LastUpdateEpoch:             p.LastUpdateEpoch,
	})
	return uint32(len(l.st.stakes) - 1)
}

// RemovePosition removes a position the way the ledger does, swapping the
// last entry into its place
func (l *Ledger) RemovePosition(address types.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.st.stakes {
		if entry.Address == address {
			l.st.removeStake(uint32(i))
			return true
		}
	}
	return false
}

// Positions returns the positions in stake list order
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.st.stakes))
	for _, entry := range l.st.stakes {
		acc := l.st.positions[entry.Address]
		out = append(out, Position{
			Address:         entry.Address,
			Voter:           acc.voter,
			Lamports:        acc.lamports,
			Delegation:      acc.delegation,
			ObservedAmount:  entry.LastUpdateDelegatedLamports,
			LastUpdateEpoch: entry.LastUpdateEpoch,
		})
	}
	return out
}

// FailWith installs a submission failure hook
func (l *Ledger) FailWith(fn FailFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fn
}

// FailFetch installs a fetch failure hook
func (l *Ledger) FailFetch(fn func(key types.Key) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetchFail = fn
}

// Submissions returns the number of Submit calls
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// Rejections returns the number of refused submissions
func (l *Ledger) Rejections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejections
}

// Simulations returns the number of Simulate calls
func (l *Ledger) Simulations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.simulations
}

// Applied returns the kinds of every applied operation in order
func (l *Ledger) Applied() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.applied...)
}

// AdvanceEpoch moves to the next epoch: activating stake becomes
// effective and deactivating stake cools down to zero
func (l *Ledger) AdvanceEpoch() {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := &l.st.clock
	duration := c.EpochDuration()
	c.Epoch++
	c.EpochFirstSlot += duration
	c.EpochLastSlot += duration
	c.Slot = c.EpochFirstSlot

	for k, acc := range l.st.positions {
		d := &acc.delegation
		if d.DeactivationRequested() {
			d.Effective = 0
			d.Deactivating = 0
			d.Activating = 0
		} else {
			d.Effective += d.Activating
			d.Activating = 0
		}
		l.st.positions[k] = acc
	}
}

// FetchAccount implements ledger.Client
func (l *Ledger) FetchAccount(ctx context.Context, key types.Key) (*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fetchFail != nil {
		if err := l.fetchFail(key); err != nil {
			return nil, err
		}
	}
	acc, err := l.st.account(l.instance, key)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, key)
	}
	return acc, nil
}

// FetchAccounts implements ledger.Client
func (l *Ledger) FetchAccounts(ctx context.Context, keys []types.Key) ([]*ledger.Account, error) {
	if len(keys) > ledger.MaxAccountsPerFetch {
		return nil, fmt.Errorf("too many accounts requested: %d", len(keys))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ledger.Account, len(keys))
	for i, key := range keys {
		if l.fetchFail != nil {
			if err := l.fetchFail(key); err != nil {
				return nil, err
			}
		}
		acc, err := l.st.account(l.instance, key)
		if err != nil {
			return nil, err
		}
		out[i] = acc
	}
	return out, nil
}

// Submit implements ledger.Client
func (l *Ledger) Submit(ctx context.Context, signed *batch.SignedBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submissions++
	next, kinds, err := l.process(l.submissions, signed)
	if err != nil {
		l.rejections++
		return err
	}
	l.st = next
	l.applied = append(l.applied, kinds...)
	return nil
}

// Simulate implements ledger.Client
func (l *Ledger) Simulate(ctx context.Context, signed *batch.SignedBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simulations++
	_, _, err := l.process(l.simulations, signed)
	return err
}

func (l *Ledger) process(seq int, signed *batch.SignedBatch) (*state, []string, error) {
	if err := signed.Verify(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ledger.ErrRejected, err)
	}
	msg, err := signed.Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ledger.ErrRejected, err)
	}
	if l.fail != nil {
		if err := l.fail(seq, msg); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ledger.ErrRejected, err)
		}
	}

	next := l.st.clone()
	kinds := make([]string, 0, len(msg.Operations))
	for i, op := range msg.Operations {
		params, err := instruction.Decode(op)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: operation %d: %v", ledger.ErrRejected, i, err)
		}
		if err := next.apply(l.instance, params); err != nil {
			return nil, nil, fmt.Errorf("%w: operation %d %s: %v", ledger.ErrRejected, i, op.Kind, err)
		}
		kinds = append(kinds, op.Kind)
	}
	return next, kinds, nil
}

func (s *state) account(instance, key types.Key) (*ledger.Account, error) {
	var data any
	switch key {
	case ledger.ClockKey:
		data = s.clock
	case instance:
		data = s.instance
	case s.instance.ValidatorListAddress:
		data = ledger.ValidatorListAccount{Validators: s.validators}
	case s.instance.StakeListAddress:
		data = ledger.StakeListAccount{Stakes: s.stakes}
	case s.instance.ReserveAddress:
		return &ledger.Account{Owner: ledger.SystemProgram, Lamports: s.reserve}, nil
	default:
		if acc, ok := s.positions[key]; ok {
			encoded, err := ledger.Encode(ledger.StakeAccount{Voter: acc.voter, Delegation: acc.delegation})
			if err != nil {
				return nil, err
			}
			return &ledger.Account{Owner: StakeProgram, Lamports: acc.lamports, Data: encoded}, nil
		}
		if s.pending[key] {
			return &ledger.Account{Owner: StakeProgram}, nil
		}
		if acc, ok := s.accounts[key]; ok {
			return &acc, nil
		}
		return nil, nil
	}
	encoded, err := ledger.Encode(data)
	if err != nil {
		return nil, err
	}
	return &ledger.Account{Owner: instance, Data: encoded}, nil
}

var (
	errAlreadyRebalanced = errors.New("validator already rebalanced this epoch")
	errIndexMismatch     = errors.New("index does not match account")
	errWrongInstance     = errors.New("wrong pool instance")
)

func (s *state) apply(instance types.Key, params any) error {
	switch p := params.(type) {
	case *instruction.CreatePosition:
		return s.createPosition(p)
	case *instruction.StakeReserve:
		if p.Instance != instance {
			return errWrongInstance
		}
		return s.stakeReserve(p)
	case *instruction.DeactivateStake:
		if p.Instance != instance {
			return errWrongInstance
		}
		return s.deactivateStake(p)
	case *instruction.MergeStakes:
		if p.Instance != instance {
			return errWrongInstance
		}
		return s.mergeStakes(p)
	case *instruction.UpdateActive:
		if p.Instance != instance {
			return errWrongInstance
		}
		return s.updateActive(p)
	case *instruction.UpdateDeactivated:
		if p.Instance != instance {
			return errWrongInstance
		}
		return s.updateDeactivated(p)
	case *instruction.ConfigValidatorSystem:
		if p.Instance != instance {
			return errWrongInstance
		}
		if p.ManagerAuthority != s.instance.ManagerAuthority {
			return fmt.Errorf("manager authority %s does not match %s", p.ManagerAuthority, s.instance.ManagerAuthority)
		}
		s.instance.ExtraStakeDeltaRuns = p.ExtraRuns
		return nil
	default:
		return fmt.Errorf("unsupported operation %T", params)
	}
}

func (s *state) createPosition(p *instruction.CreatePosition) error {
	if _, ok := s.positions[p.Position]; ok || s.pending[p.Position] {
		return fmt.Errorf("account %s already exists", p.Position)
	}
	s.pending[p.Position] = true
	return nil
}

func (s *state) validator(index uint32, key types.Key) (*types.ValidatorRecord, error) {
	if int(index) >= len(s.validators) || s.validators[index].Key != key {
		return nil, fmt.Errorf("%w: validator #%d %s", errIndexMismatch, index, key)
	}
	return &s.validators[index], nil
}

func (s *state) stake(index uint32, address types.Key) (*ledger.StakeEntry, positionAccount, error) {
	if int(index) >= len(s.stakes) || s.stakes[index].Address != address {
		return nil, positionAccount{}, fmt.Errorf("%w: position #%d %s", errIndexMismatch, index, address)
	}
	return &s.stakes[index], s.positions[address], nil
}

// rebalanceRun records a rebalance of v in the current epoch, consuming an
// extra run when it already had one
func (s *state) rebalanceRun(v *types.ValidatorRecord) error {
	if v.LastRebalanceEpoch != s.clock.Epoch {
		v.LastRebalanceEpoch = s.clock.Epoch
		return nil
	}
	if s.instance.ExtraStakeDeltaRuns == 0 {
		return errAlreadyRebalanced
	}
	s.instance.ExtraStakeDeltaRuns--
	return nil
}

func (s *state) stakeReserve(p *instruction.StakeReserve) error {
	v, err := s.validator(p.ValidatorIndex, p.Validator)
	if err != nil {
		return err
	}
	if !s.pending[p.Position] {
		return fmt.Errorf("position %s was not created", p.Position)
	}
	if p.Amount < s.instance.MinStake {
		return fmt.Errorf("amount %d below min stake %d", p.Amount, s.instance.MinStake)
	}
	if s.reserve < s.instance.RentExemptForTokenAcc || p.Amount > s.reserve-s.instance.RentExemptForTokenAcc {
		return fmt.Errorf("reserve %d cannot cover %d", s.reserve, p.Amount)
	}
	if err := s.rebalanceRun(v); err != nil {
		return err
	}

	epoch := s.clock.Epoch
	s.reserve -= p.Amount
	v.ActiveBalance += p.Amount
	s.instance.TotalActiveBalance += p.Amount
	delete(s.pending, p.Position)
	s.positions[p.Position] = positionAccount{
		voter:    p.Validator,
		lamports: p.Amount,
		delegation: types.Delegation{
			Stake:             p.Amount,
			ActivationEpoch:   epoch,
			DeactivationEpoch: types.NoDeactivation,
			Activating:        p.Amount,
		},
	}
	s.stakes = append(s.stakes, ledger.StakeEntry{
		Address:                     p.Position,
		LastUpdateDelegatedLamports: p.Amount,
		LastUpdateEpoch:             epoch,
	})
	return nil
}

func (s *state) deactivateStake(p *instruction.DeactivateStake) error {
	entry, acc, err := s.stake(p.PositionIndex, p.Position)
	if err != nil {
		return err
	}
	v, err := s.validator(p.ValidatorIndex, acc.voter)
	if err != nil {
		return err
	}
	d := acc.delegation
	if d.DeactivationRequested() {
		return fmt.Errorf("position %s already deactivating", p.Position)
	}
	if p.Amount == 0 || p.Amount > d.Stake {
		return fmt.Errorf("cannot deactivate %d of %d", p.Amount, d.Stake)
	}
	if err := s.rebalanceRun(v); err != nil {
		return err
	}

	epoch := s.clock.Epoch
	if p.Amount == d.Stake {
		d.DeactivationEpoch = epoch
		d.Deactivating = d.Effective
		d.Activating = 0
		acc.delegation = d
		s.positions[p.Position] = acc
	} else {
		if _, ok := s.positions[p.SplitPosition]; ok {
			return fmt.Errorf("split account %s already exists", p.SplitPosition)
		}
		splitEffective := min(p.Amount, d.Effective)
		rest := p.Amount - splitEffective
		d.Stake -= p.Amount
		d.Effective -= splitEffective
		d.Activating -= min(rest, d.Activating)
		acc.delegation = d
		acc.lamports -= min(p.Amount, acc.lamports)
		s.positions[p.Position] = acc
		entry.LastUpdateDelegatedLamports -= min(p.Amount, entry.LastUpdateDelegatedLamports)

		s.positions[p.SplitPosition] = positionAccount{
			voter:    acc.voter,
			lamports: p.Amount,
			delegation: types.Delegation{
				Stake:             p.Amount,
				ActivationEpoch:   d.ActivationEpoch,
				DeactivationEpoch: epoch,
				CreditsObserved:   d.CreditsObserved,
				Effective:         splitEffective,
				Deactivating:      splitEffective,
			},
		}
		s.stakes = append(s.stakes, ledger.StakeEntry{
			Address:                     p.SplitPosition,
			LastUpdateDelegatedLamports: p.Amount,
			LastUpdateEpoch:             epoch,
		})
	}

	v.ActiveBalance -= min(p.Amount, v.ActiveBalance)
	s.instance.TotalActiveBalance -= min(p.Amount, s.instance.TotalActiveBalance)
	s.instance.TotalCoolingDown += p.Amount
	return nil
}

func (s *state) mergeStakes(p *instruction.MergeStakes) error {
	if p.DestinationIndex == p.SourceIndex {
		return errors.New("cannot merge a position into itself")
	}
	destEntry, dest, err := s.stake(p.DestinationIndex, p.Destination)
	if err != nil {
		return err
	}
	srcEntry, src, err := s.stake(p.SourceIndex, p.Source)
	if err != nil {
		return err
	}
	if _, err := s.validator(p.ValidatorIndex, dest.voter); err != nil {
		return err
	}
	if dest.voter != src.voter {
		return errors.New("positions delegate to different validators")
	}
	if dest.delegation.DeactivationRequested() || src.delegation.DeactivationRequested() {
		return errors.New("cannot merge deactivating positions")
	}
	if dest.delegation.CreditsObserved != src.delegation.CreditsObserved {
		return errors.New("credits observed mismatch")
	}

	dest.lamports += src.lamports
	dest.delegation.Stake += src.delegation.Stake
	dest.delegation.Effective += src.delegation.Effective
	dest.delegation.Activating += src.delegation.Activating
	s.positions[p.Destination] = dest
	destEntry.LastUpdateDelegatedLamports += srcEntry.LastUpdateDelegatedLamports

	s.removeStake(p.SourceIndex)
	return nil
}

func (s *state) updateActive(p *instruction.UpdateActive) error {
	entry, acc, err := s.stake(p.PositionIndex, p.Position)
	if err != nil {
		return err
	}
	v, err := s.validator(p.ValidatorIndex, acc.voter)
	if err != nil {
		return err
	}
	if acc.delegation.DeactivationRequested() {
		return fmt.Errorf("position %s is deactivating", p.Position)
	}
	if entry.LastUpdateEpoch == s.clock.Epoch {
		return fmt.Errorf("position %s already updated this epoch", p.Position)
	}

	stake := acc.delegation.Stake
	observed := entry.LastUpdateDelegatedLamports
	if stake >= observed {
		v.ActiveBalance += stake - observed
		s.instance.TotalActiveBalance += stake - observed
	} else {
		v.ActiveBalance -= min(observed-stake, v.ActiveBalance)
		s.instance.TotalActiveBalance -= min(observed-stake, s.instance.TotalActiveBalance)
	}
	entry.LastUpdateDelegatedLamports = stake
	entry.LastUpdateEpoch = s.clock.Epoch
	return nil
}

func (s *state) updateDeactivated(p *instruction.UpdateDeactivated) error {
	_, acc, err := s.stake(p.PositionIndex, p.Position)
	if err != nil {
		return err
	}
	if !acc.delegation.DeactivationRequested() || acc.delegation.Effective != 0 {
		return fmt.Errorf("position %s is not fully deactivated", p.Position)
	}
	s.reserve += acc.lamports
	s.instance.TotalCoolingDown -= min(acc.delegation.Stake, s.instance.TotalCoolingDown)
	s.removeStake(p.PositionIndex)
	return nil
}

func (s *state) removeStake(index uint32) {
	address := s.stakes[index].Address
	last := len(s.stakes) - 1
	s.stakes[index] = s.stakes[last]
	s.stakes = s.stakes[:last]
	delete(s.positions, address)
}
