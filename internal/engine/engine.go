// Package engine is the payment engine: it owns the ledger, drives payouts
// through the gateway and saves a snapshot after every change.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/internal/bitcoin"
	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

// Gateway sends payout transactions and reports on them.
type Gateway interface {
	Send(ctx context.Context, address string, amount uint64) (string, error)
	Status(ctx context.Context, txid string) (bitcoin.TxStatus, error)
}

// Store persists ledger snapshots.
type Store interface {
	Save(snap ledger.Snapshot) error
	Load() (ledger.Snapshot, error)
}

// Engine coordinates the ledger, gateway, calculator and store.
type Engine struct {
	cfg     config.PayoutConfig
	ledger  *ledger.Ledger
	store   Store
	gateway Gateway
	calc    *pplns.Calculator

	clock     clockwork.Clock
	logger    *log.Logger
	observers []Observer

	// saveMu orders snapshot+write pairs so the newest snapshot is written last.
	saveMu sync.Mutex
	// autoMu keeps auto-payout runs from overlapping.
	autoMu sync.Mutex

	refresh chan struct{}

	ledgerOpts []ledger.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock for timestamps and tickers.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObservers registers observers notified after each saved change.
func WithObservers(observers ...Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, observers...) }
}

// WithLedgerOptions passes options through to the ledger.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(e *Engine) { e.ledgerOpts = append(e.ledgerOpts, opts...) }
}

// New validates cfg and returns an engine with an empty ledger. Call Load
// to restore the last snapshot.
func New(cfg config.PayoutConfig, store Store, gateway Gateway, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_engine", "invalid payout configuration")
	}
	if store == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "new_engine", "store is required")
	}
	if gateway == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "new_engine", "gateway is required")
	}

	calc, err := pplns.NewCalculator(cfg.DeductionBps())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		calc:    calc,
		refresh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = log.Nop()
	}
	e.logger = e.logger.WithComponent("engine")
	e.ledger = ledger.New(append([]ledger.Option{ledger.WithClock(e.clock)}, e.ledgerOpts...)...)

	return e, nil
}

// Config returns the payout configuration.
func (e *Engine) Config() config.PayoutConfig {
	return e.cfg
}

// Load replaces the in-memory state with the stored snapshot.
func (e *Engine) Load() error {
	snap, err := e.store.Load()
	if err != nil {
		return err
	}
	if err := e.ledger.Restore(snap); err != nil {
		return err
	}
	stats := e.ledger.Stats()
	e.logger.Info("ledger loaded",
		"miners", stats.TotalMiners,
		"payouts", len(snap.Payouts),
		"pending_count", stats.PendingCount,
	)
	return nil
}

// Save writes the current state.
func (e *Engine) Save() error {
	return e.persist("save")
}

// persist snapshots the ledger and writes it. The in-memory change is kept
// even when the write fails.
func (e *Engine) persist(op string) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if err := e.store.Save(e.ledger.Snapshot()); err != nil {
		if !errors.Is(err, errors.ErrPersistenceFailure) {
			err = fmt.Errorf("%w: %w", errors.ErrPersistenceFailure, err)
		}
		e.logger.WithError(err).Error("failed to persist ledger", "operation", op)
		return errors.Permanent(err, errors.ErrorTypePersistence, op,
			"state changed in memory but was not saved")
	}
	return nil
}

// AddEarnings credits amount to address. blockHeight is informational and
// travels with the emitted event.
func (e *Engine) AddEarnings(ctx context.Context, address string, amount uint64, blockHeight int64) (ledger.MinerBalance, error) {
	b, err := e.ledger.AddEarnings(address, amount)
	if err != nil {
		return ledger.MinerBalance{}, err
	}
	e.logger.LogEarnings(address, amount, b.Balance)

	if err := e.persist("add_earnings"); err != nil {
		return b, err
	}
	e.notify(ctx, Event{Kind: EventEarningsCredited, Address: address, Amount: amount, BlockHeight: blockHeight, Balance: &b})
	return b, nil
}

// GetBalance returns the balance of address.
func (e *Engine) GetBalance(address string) (ledger.MinerBalance, bool) {
	return e.ledger.Balance(address)
}

// GetAllBalances returns every balance sorted by address.
func (e *Engine) GetAllBalances() []ledger.MinerBalance {
	return e.ledger.Balances()
}

// GetPendingPayouts returns balances at or above the automatic payout threshold.
func (e *Engine) GetPendingPayouts() []ledger.MinerBalance {
	return e.ledger.BalancesAtLeast(e.cfg.MinPayoutSats)
}

// GetPayoutHistory returns up to limit payouts of address, newest first.
func (e *Engine) GetPayoutHistory(address string, limit int) []ledger.Payout {
	return e.ledger.PayoutHistory(address, limit)
}

// GetPendingPayoutRecords returns payouts still waiting for the chain.
func (e *Engine) GetPendingPayoutRecords() []ledger.Payout {
	return e.ledger.PayoutsWithStatus(ledger.StatusPending, ledger.StatusBroadcast)
}

// GetAllPayouts returns every payout in creation order.
func (e *Engine) GetAllPayouts() []ledger.Payout {
	return e.ledger.Payouts()
}

// GetPayout returns one payout.
func (e *Engine) GetPayout(id string) (ledger.Payout, bool) {
	return e.ledger.Payout(id)
}

// GetStats returns ledger totals.
func (e *Engine) GetStats() ledger.Stats {
	return e.ledger.Stats()
}
