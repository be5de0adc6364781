package engine

import (
	"context"
	"time"

	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/internal/validation"
)

// EventKind names a persisted state change.
type EventKind string

// Event kinds, also used as message types on the event bus.
const (
	EventEarningsCredited     EventKind = "earnings_credited"
	EventPayoutCreated        EventKind = "payout_created"
	EventPayoutBroadcast      EventKind = "payout_broadcast"
	EventPayoutConfirmed      EventKind = "payout_confirmed"
	EventPayoutFailed         EventKind = "payout_failed"
	EventPayoutRefunded       EventKind = "payout_refunded"
	EventConfirmationsUpdated EventKind = "payout_confirmations_updated"
	EventRewardDistributed    EventKind = "reward_distributed"
)

// Event describes a change that has already been saved. Payout and Balance
// are copies; observers may keep them.
type Event struct {
	Kind        EventKind
	At          time.Time
	Address     string
	Amount      uint64
	BlockHeight int64

	Balance      *ledger.MinerBalance
	Payout       *ledger.Payout
	Distribution *Distribution
}

// Distribution is the outcome of splitting one block reward.
type Distribution struct {
	BlockHeight  int64                     `json:"block_height"`
	Reward       uint64                    `json:"reward_satoshis"`
	Distributed  uint64                    `json:"distributed_satoshis"`
	Miners       int                       `json:"miner_count"`
	Calculations []pplns.PayoutCalculation `json:"calculations"`
	Audit        *validation.Result        `json:"audit,omitempty"`
}

// Observer receives events after they are persisted. Errors are logged by
// the engine and never undo the change.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now().UTC()
	}
	for _, o := range e.observers {
		if err := o.Observe(ctx, ev); err != nil {
			e.logger.WithError(err).Warn("observer failed", "event", string(ev.Kind))
		}
	}
}

func payoutEvent(kind EventKind, p ledger.Payout, b *ledger.MinerBalance) Event {
	ev := Event{
		Kind:    kind,
		Address: p.Address,
		Amount:  p.Amount,
		Payout:  &p,
		Balance: b,
	}
	if p.BlockHeight != nil {
		ev.BlockHeight = *p.BlockHeight
	}
	return ev
}
