// Package ledger holds miner balances and payout records in memory and
// enforces the payout lifecycle.
//
// Balances are spread over fixed shards, each with its own lock; payout
// records share a single lock. Whenever both are needed the balance shard is
// locked first (ascending shard order when several are taken) and the payout
// lock second. The set of distributed blocks has its own lock, taken last.
package ledger

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/pkg/errors"
)

const shardCount = 64

type shard struct {
	mu       sync.RWMutex
	balances map[string]*MinerBalance
}

// Ledger is the in-memory balance and payout store.
type Ledger struct {
	shards [shardCount]*shard

	payoutMu sync.RWMutex
	payouts  []*Payout
	byID     map[string]*Payout
	inFlight map[string]struct{}

	blockMu     sync.Mutex
	distributed map[int64]struct{}

	clock clockwork.Clock
	newID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithIDGenerator replaces the uuid payout id generator.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		byID:        make(map[string]*Payout),
		inFlight:    make(map[string]struct{}),
		distributed: make(map[int64]struct{}),
		clock:       clockwork.NewRealClock(),
		newID:       uuid.NewString,
	}
	for i := range l.shards {
		l.shards[i] = &shard{balances: make(map[string]*MinerBalance)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func shardIndex(address string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return int(h.Sum32() % shardCount)
}

func (l *Ledger) shardFor(address string) *shard {
	return l.shards[shardIndex(address)]
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

func credit(b *MinerBalance, amount uint64, now time.Time) error {
	if b.Balance > math.MaxUint64-amount {
		return errors.New(errors.ErrorTypeCalculation, "credit",
			fmt.Sprintf("balance of %s would overflow", b.Address))
	}
	b.Balance += amount
	b.UpdatedAt = now
	return nil
}

// AddEarnings credits amount to address, creating the balance on first use.
func (l *Ledger) AddEarnings(address string, amount uint64) (MinerBalance, error) {
	if address == "" {
		return MinerBalance{}, errors.New(errors.ErrorTypeValidation, "add_earnings", "address is required")
	}
	if amount == 0 {
		return MinerBalance{}, errors.New(errors.ErrorTypeValidation, "add_earnings", "amount must be positive")
	}

	s := l.shardFor(address)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[address]
	if !ok {
		b = &MinerBalance{Address: address}
	}
	if b.TotalEarned > math.MaxUint64-amount {
		return MinerBalance{}, errors.New(errors.ErrorTypeCalculation, "add_earnings",
			fmt.Sprintf("total earned of %s would overflow", address))
	}
	if err := credit(b, amount, l.now()); err != nil {
		return MinerBalance{}, err
	}
	b.TotalEarned += amount
	s.balances[address] = b

	return *b, nil
}

// CreatePayout reserves amount from the balance of address and records a
// Pending payout.
func (l *Ledger) CreatePayout(address string, amount uint64) (Payout, MinerBalance, error) {
	if amount == 0 {
		return Payout{}, MinerBalance{}, errors.New(errors.ErrorTypeValidation, "create_payout",
			"amount must be positive")
	}

	s := l.shardFor(address)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[address]
	var available uint64
	if ok {
		available = b.Balance
	}
	if !ok || amount > available {
		return Payout{}, MinerBalance{}, errors.Wrap(errors.ErrInsufficientBalance, errors.ErrorTypeLedger,
			"create_payout", fmt.Sprintf("requested %d, available %d", amount, available)).
			WithContext("address", address)
	}

	now := l.now()
	b.Balance -= amount
	b.UpdatedAt = now

	p := &Payout{
		ID:        l.newID(),
		Address:   address,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
	}

	l.payoutMu.Lock()
	l.payouts = append(l.payouts, p)
	l.byID[p.ID] = p
	l.payoutMu.Unlock()

	return *p, *b, nil
}

func notFound(op, id string) error {
	return errors.Wrap(errors.ErrPayoutNotFound, errors.ErrorTypeLedger, op, "unknown payout").
		WithContext("payout_id", id)
}

func invalidTransition(op string, p *Payout, msg string) error {
	return errors.Wrap(errors.ErrInvalidTransition, errors.ErrorTypeLedger, op, msg).
		WithContext("payout_id", p.ID).
		WithContext("status", string(p.Status))
}

// addressOf looks up the owner of a payout. The address never changes, so
// the caller may release the payout lock and take the balance shard first.
func (l *Ledger) addressOf(op, id string) (string, error) {
	l.payoutMu.RLock()
	defer l.payoutMu.RUnlock()

	p, ok := l.byID[id]
	if !ok {
		return "", notFound(op, id)
	}
	return p.Address, nil
}

// lockPayout takes the balance shard of the payout owner, then the payout lock.
// The returned func releases both.
func (l *Ledger) lockPayout(op, id string) (*Payout, *shard, func(), error) {
	address, err := l.addressOf(op, id)
	if err != nil {
		return nil, nil, nil, err
	}

	s := l.shardFor(address)
	s.mu.Lock()
	l.payoutMu.Lock()

	unlock := func() {
		l.payoutMu.Unlock()
		s.mu.Unlock()
	}
	p, ok := l.byID[id]
	if !ok {
		// Restore replaced the payouts between the two lookups.
		unlock()
		return nil, nil, nil, notFound(op, id)
	}
	return p, s, unlock, nil
}

// BeginBroadcast marks a Pending payout as being broadcast. Only one caller
// at a time can hold a payout in flight.
func (l *Ledger) BeginBroadcast(id string) (Payout, error) {
	l.payoutMu.Lock()
	defer l.payoutMu.Unlock()

	p, ok := l.byID[id]
	if !ok {
		return Payout{}, notFound("broadcast_payout", id)
	}
	if p.Status != StatusPending {
		return Payout{}, invalidTransition("broadcast_payout", p, "payout is not pending")
	}
	if _, busy := l.inFlight[id]; busy {
		return Payout{}, invalidTransition("broadcast_payout", p, "broadcast already in progress")
	}

	l.inFlight[id] = struct{}{}
	return *p, nil
}

// CompleteBroadcast records the outcome of a broadcast started with
// BeginBroadcast. A nil broadcastErr moves the payout to Broadcast with txid;
// otherwise it becomes Failed, keeping txid when one was signed, and when
// refund is set the amount goes back to the balance. The returned balance is
// non-nil only when it changed.
func (l *Ledger) CompleteBroadcast(id, txid string, broadcastErr error, refund bool) (Payout, *MinerBalance, error) {
	p, s, unlock, err := l.lockPayout("broadcast_payout", id)
	if err != nil {
		return Payout{}, nil, err
	}
	defer unlock()

	if _, busy := l.inFlight[id]; !busy {
		return Payout{}, nil, invalidTransition("broadcast_payout", p, "no broadcast in progress")
	}
	delete(l.inFlight, id)

	if p.Status != StatusPending {
		return Payout{}, nil, invalidTransition("broadcast_payout", p, "payout is not pending")
	}

	now := l.now()
	if broadcastErr == nil {
		p.TxID = &txid
		p.BroadcastAt = &now
		p.Status = StatusBroadcast
		return *p, nil, nil
	}

	msg := broadcastErr.Error()
	p.Error = &msg
	p.Status = StatusFailed
	if txid != "" {
		p.TxID = &txid
	}

	if !refund {
		return *p, nil, nil
	}

	b := s.balances[p.Address]
	if err := credit(b, p.Amount, now); err != nil {
		return *p, nil, err
	}
	p.RefundedAt = &now
	bc := *b
	return *p, &bc, nil
}

// Confirm applies a confirmation count to a Broadcast payout. Reaching
// required moves it to Confirmed and adds the amount to the owner's total
// paid. Confirming a Confirmed payout again changes nothing but the count.
// confirmed is true only on the call that made the transition.
func (l *Ledger) Confirm(id, txid string, blockHeight int64, confirmations, required uint32) (p Payout, confirmed bool, err error) {
	rec, s, unlock, err := l.lockPayout("confirm_payout", id)
	if err != nil {
		return Payout{}, false, err
	}
	defer unlock()

	switch rec.Status {
	case StatusPending, StatusFailed:
		return Payout{}, false, invalidTransition("confirm_payout", rec, "payout is not broadcast")
	case StatusConfirmed:
		rec.Confirmations = max(rec.Confirmations, confirmations)
		return *rec, false, nil
	}

	if txid != "" {
		rec.TxID = &txid
	}
	if blockHeight > 0 {
		h := blockHeight
		rec.BlockHeight = &h
	}
	rec.Confirmations = confirmations

	if confirmations < required {
		return *rec, false, nil
	}

	b := s.balances[rec.Address]
	if b.TotalPaid > math.MaxUint64-rec.Amount {
		return Payout{}, false, errors.New(errors.ErrorTypeCalculation, "confirm_payout",
			fmt.Sprintf("total paid of %s would overflow", rec.Address))
	}
	rec.Status = StatusConfirmed
	b.TotalPaid += rec.Amount
	b.UpdatedAt = l.now()

	return *rec, true, nil
}

// Fail moves a Broadcast payout to Failed, for a transaction the node reports
// as conflicted or dropped. With refund set the amount is credited back.
func (l *Ledger) Fail(id, reason string, refund bool) (Payout, *MinerBalance, error) {
	p, s, unlock, err := l.lockPayout("fail_payout", id)
	if err != nil {
		return Payout{}, nil, err
	}
	defer unlock()

	if p.Status != StatusBroadcast {
		return Payout{}, nil, invalidTransition("fail_payout", p, "only broadcast payouts can fail on chain")
	}

	now := l.now()
	p.Error = &reason
	p.Status = StatusFailed
	if !refund {
		return *p, nil, nil
	}

	b := s.balances[p.Address]
	if err := credit(b, p.Amount, now); err != nil {
		return *p, nil, err
	}
	p.RefundedAt = &now
	bc := *b
	return *p, &bc, nil
}

// Refund credits a Failed payout's amount back to its owner, once.
func (l *Ledger) Refund(id string) (Payout, MinerBalance, error) {
	p, s, unlock, err := l.lockPayout("refund_payout", id)
	if err != nil {
		return Payout{}, MinerBalance{}, err
	}
	defer unlock()

	if p.Status != StatusFailed {
		return Payout{}, MinerBalance{}, invalidTransition("refund_payout", p, "only failed payouts can be refunded")
	}
	if p.Refunded() {
		return Payout{}, MinerBalance{}, errors.Wrap(errors.ErrAlreadyRefunded, errors.ErrorTypeLedger,
			"refund_payout", "payout was already refunded").WithContext("payout_id", id)
	}

	now := l.now()
	b := s.balances[p.Address]
	if err := credit(b, p.Amount, now); err != nil {
		return Payout{}, MinerBalance{}, err
	}
	p.RefundedAt = &now

	return *p, *b, nil
}

// Balance returns the balance of address.
func (l *Ledger) Balance(address string) (MinerBalance, bool) {
	s := l.shardFor(address)
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[address]
	if !ok {
		return MinerBalance{}, false
	}
	return *b, true
}

// Balances returns every balance ordered by address.
func (l *Ledger) Balances() []MinerBalance {
	var out []MinerBalance
	for _, s := range l.shards {
		s.mu.RLock()
		for _, b := range s.balances {
			out = append(out, *b)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// BalancesAtLeast returns the balances holding at least threshold satoshis,
// ordered by address.
func (l *Ledger) BalancesAtLeast(threshold uint64) []MinerBalance {
	all := l.Balances()
	out := all[:0]
	for _, b := range all {
		if b.Balance >= threshold {
			out = append(out, b)
		}
	}
	return out
}

// Payout returns the payout with id.
func (l *Ledger) Payout(id string) (Payout, bool) {
	l.payoutMu.RLock()
	defer l.payoutMu.RUnlock()

	p, ok := l.byID[id]
	if !ok {
		return Payout{}, false
	}
	return *p, true
}

// Payouts returns every payout in creation order.
func (l *Ledger) Payouts() []Payout {
	return l.filter(func(*Payout) bool { return true })
}

// PayoutsWithStatus returns the payouts in any of the given states, in creation order.
func (l *Ledger) PayoutsWithStatus(statuses ...PayoutStatus) []Payout {
	return l.filter(func(p *Payout) bool {
		for _, s := range statuses {
			if p.Status == s {
				return true
			}
		}
		return false
	})
}

func (l *Ledger) filter(keep func(*Payout) bool) []Payout {
	l.payoutMu.RLock()
	defer l.payoutMu.RUnlock()

	out := make([]Payout, 0, len(l.payouts))
	for _, p := range l.payouts {
		if keep(p) {
			out = append(out, *p)
		}
	}
	return out
}

// PayoutHistory returns up to limit payouts of address, newest first.
// A limit of zero or less returns all of them.
func (l *Ledger) PayoutHistory(address string, limit int) []Payout {
	l.payoutMu.RLock()
	defer l.payoutMu.RUnlock()

	var out []Payout
	for i := len(l.payouts) - 1; i >= 0; i-- {
		if l.payouts[i].Address != address {
			continue
		}
		out = append(out, *l.payouts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ClaimBlock records that the reward of the block at height is being
// distributed. A block can be claimed once; a repeat returns
// ErrAlreadyDistributed.
func (l *Ledger) ClaimBlock(height int64) error {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()

	if _, done := l.distributed[height]; done {
		return errors.Permanent(errors.ErrAlreadyDistributed, errors.ErrorTypeLedger, "claim_block",
			"block reward was already distributed").WithContext("block_height", height)
	}
	l.distributed[height] = struct{}{}
	return nil
}

// ReleaseBlock undoes ClaimBlock for a distribution that credited nothing.
func (l *Ledger) ReleaseBlock(height int64) {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()
	delete(l.distributed, height)
}

// Stats summarizes a consistent snapshot of the ledger.
func (l *Ledger) Stats() Stats {
	snap := l.Snapshot()

	st := Stats{TotalMiners: len(snap.Balances)}
	for _, b := range snap.Balances {
		st.TotalBalance += b.Balance
	}
	for _, p := range snap.Payouts {
		switch p.Status {
		case StatusConfirmed:
			st.TotalPaid += p.Amount
			st.ConfirmedCount++
		case StatusPending, StatusBroadcast:
			st.PendingAmount += p.Amount
			st.PendingCount++
		case StatusFailed:
			st.FailedCount++
		}
	}
	return st
}

func (l *Ledger) lockAll(write bool) func() {
	for _, s := range l.shards {
		if write {
			s.mu.Lock()
		} else {
			s.mu.RLock()
		}
	}
	if write {
		l.payoutMu.Lock()
	} else {
		l.payoutMu.RLock()
	}
	l.blockMu.Lock()

	return func() {
		l.blockMu.Unlock()
		if write {
			l.payoutMu.Unlock()
		} else {
			l.payoutMu.RUnlock()
		}
		for i := len(l.shards) - 1; i >= 0; i-- {
			if write {
				l.shards[i].mu.Unlock()
			} else {
				l.shards[i].mu.RUnlock()
			}
		}
	}
}

// Snapshot copies balances and payouts under one set of locks.
func (l *Ledger) Snapshot() Snapshot {
	unlock := l.lockAll(false)
	defer unlock()

	snap := Snapshot{
		Balances: make(map[string]MinerBalance),
		Payouts:  make([]Payout, 0, len(l.payouts)),
	}
	for _, s := range l.shards {
		for addr, b := range s.balances {
			snap.Balances[addr] = *b
		}
	}
	for _, p := range l.payouts {
		snap.Payouts = append(snap.Payouts, *p)
	}
	snap.Blocks = make([]int64, 0, len(l.distributed))
	for h := range l.distributed {
		snap.Blocks = append(snap.Blocks, h)
	}
	sort.Slice(snap.Blocks, func(i, j int) bool { return snap.Blocks[i] < snap.Blocks[j] })
	return snap
}

// Restore replaces the ledger contents with snap.
func (l *Ledger) Restore(snap Snapshot) error {
	byID := make(map[string]*Payout, len(snap.Payouts))
	payouts := make([]*Payout, 0, len(snap.Payouts))
	for i := range snap.Payouts {
		p := snap.Payouts[i]
		if p.ID == "" {
			return errors.New(errors.ErrorTypePersistence, "restore", fmt.Sprintf("payout %d has no id", i))
		}
		if _, dup := byID[p.ID]; dup {
			return errors.New(errors.ErrorTypePersistence, "restore", "duplicate payout id "+p.ID)
		}
		if _, ok := snap.Balances[p.Address]; !ok {
			return errors.New(errors.ErrorTypePersistence, "restore",
				fmt.Sprintf("payout %s references unknown address %s", p.ID, p.Address))
		}
		byID[p.ID] = &p
		payouts = append(payouts, &p)
	}
	distributed := make(map[int64]struct{}, len(snap.Blocks))
	for _, h := range snap.Blocks {
		distributed[h] = struct{}{}
	}

	unlock := l.lockAll(true)
	defer unlock()

	for _, s := range l.shards {
		s.balances = make(map[string]*MinerBalance)
	}
	for addr, b := range snap.Balances {
		b := b
		b.Address = addr
		l.shardFor(addr).balances[addr] = &b
	}
	l.payouts = payouts
	l.byID = byID
	l.inFlight = make(map[string]struct{})
	l.distributed = distributed

	return nil
}
