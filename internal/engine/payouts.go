package engine

import (
	"context"
	"fmt"

	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/pkg/errors"
)

// CreatePayout reserves amount from the balance of address and records a
// Pending payout.
func (e *Engine) CreatePayout(ctx context.Context, address string, amount uint64) (ledger.Payout, error) {
	p, b, err := e.ledger.CreatePayout(address, amount)
	if err != nil {
		return ledger.Payout{}, err
	}
	e.logger.WithPayout(p.ID, address, amount).Info("payout created", "balance_satoshis", b.Balance)

	if err := e.persist("create_payout"); err != nil {
		return p, err
	}
	e.notify(ctx, payoutEvent(EventPayoutCreated, p, &b))
	return p, nil
}

// BroadcastPayout sends a Pending payout through the gateway. No ledger lock
// is held while the gateway runs. On gateway failure the payout becomes
// Failed and the gateway error is returned alongside it. The auto refund
// policy credits the amount back only when the node cannot hold the
// transaction; an uncertain send keeps its txid and waits for an operator.
func (e *Engine) BroadcastPayout(ctx context.Context, id string) (ledger.Payout, error) {
	p, err := e.ledger.BeginBroadcast(id)
	if err != nil {
		return ledger.Payout{}, err
	}
	logger := e.logger.WithPayout(p.ID, p.Address, p.Amount)

	txid, sendErr := e.gateway.Send(ctx, p.Address, p.Amount)

	uncertain := errors.Is(sendErr, errors.ErrBroadcastUncertain)
	refund := e.cfg.RefundPolicy == config.RefundAuto && !uncertain
	p, b, err := e.ledger.CompleteBroadcast(id, txid, sendErr, refund)
	if err != nil {
		return p, err
	}

	switch {
	case uncertain:
		logger.WithError(sendErr).Error("payout broadcast outcome unknown, reconcile before refunding", "txid", txid)
	case sendErr != nil:
		logger.WithError(sendErr).Error("payout broadcast failed", "refunded", p.Refunded())
	}
	logger.LogPayoutTransition(p.ID, string(ledger.StatusPending), string(p.Status), txid)

	if err := e.persist("broadcast_payout"); err != nil {
		return p, err
	}

	if sendErr != nil {
		e.notify(ctx, payoutEvent(EventPayoutFailed, p, b))
		if p.Refunded() {
			e.notify(ctx, payoutEvent(EventPayoutRefunded, p, b))
		}
		return p, sendErr
	}
	e.notify(ctx, payoutEvent(EventPayoutBroadcast, p, nil))
	return p, nil
}

// ConfirmPayout applies a confirmation report to a Broadcast payout. Reaching
// the required confirmations moves it to Confirmed and counts the amount as
// paid, once. Repeating a confirmation changes nothing.
func (e *Engine) ConfirmPayout(ctx context.Context, id, txid string, blockHeight int64, confirmations uint32) (ledger.Payout, error) {
	before, ok := e.ledger.Payout(id)
	if !ok {
		return ledger.Payout{}, errors.Wrap(errors.ErrPayoutNotFound, errors.ErrorTypeLedger,
			"confirm_payout", "unknown payout").WithContext("payout_id", id)
	}

	p, confirmed, err := e.ledger.Confirm(id, txid, blockHeight, confirmations, e.cfg.RequiredConfirmations)
	if err != nil {
		return ledger.Payout{}, err
	}
	if !confirmed && !changed(before, p) {
		return p, nil
	}

	if err := e.persist("confirm_payout"); err != nil {
		return p, err
	}

	if confirmed {
		e.logger.LogPayoutTransition(p.ID, string(ledger.StatusBroadcast), string(ledger.StatusConfirmed), p.TxIDOrEmpty())
		b, _ := e.ledger.Balance(p.Address)
		e.notify(ctx, payoutEvent(EventPayoutConfirmed, p, &b))
		return p, nil
	}
	e.notify(ctx, payoutEvent(EventConfirmationsUpdated, p, nil))
	return p, nil
}

func changed(before, after ledger.Payout) bool {
	if before.Confirmations != after.Confirmations || before.TxIDOrEmpty() != after.TxIDOrEmpty() {
		return true
	}
	bh := func(p ledger.Payout) int64 {
		if p.BlockHeight == nil {
			return 0
		}
		return *p.BlockHeight
	}
	return bh(before) != bh(after)
}

// RefundPayout credits a Failed payout back to its owner. It succeeds once
// per payout.
func (e *Engine) RefundPayout(ctx context.Context, id string) (ledger.Payout, error) {
	p, b, err := e.ledger.Refund(id)
	if err != nil {
		return ledger.Payout{}, err
	}
	e.logger.WithPayout(p.ID, p.Address, p.Amount).Info("payout refunded", "balance_satoshis", b.Balance)

	if err := e.persist("refund_payout"); err != nil {
		return p, err
	}
	e.notify(ctx, payoutEvent(EventPayoutRefunded, p, &b))
	return p, nil
}

// FailPayout marks a Broadcast payout Failed, e.g. when its transaction was
// replaced. The refund policy applies as for a failed broadcast.
func (e *Engine) FailPayout(ctx context.Context, id, reason string) (ledger.Payout, error) {
	p, b, err := e.ledger.Fail(id, reason, e.cfg.RefundPolicy == config.RefundAuto)
	if err != nil {
		return ledger.Payout{}, err
	}
	e.logger.LogPayoutTransition(p.ID, string(ledger.StatusBroadcast), string(ledger.StatusFailed), p.TxIDOrEmpty())

	if err := e.persist("fail_payout"); err != nil {
		return p, err
	}
	e.notify(ctx, payoutEvent(EventPayoutFailed, p, b))
	if p.Refunded() {
		e.notify(ctx, payoutEvent(EventPayoutRefunded, p, b))
	}
	return p, nil
}

// RefreshReport summarizes one pass over Broadcast payouts.
type RefreshReport struct {
	Checked   int
	Updated   int
	Confirmed int
	Failed    int
	Errors    int
}

// RefreshConfirmations asks the gateway about every Broadcast payout and
// applies what it reports. Gateway errors for one payout do not stop the pass;
// a persistence failure does.
func (e *Engine) RefreshConfirmations(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport

	for _, p := range e.ledger.PayoutsWithStatus(ledger.StatusBroadcast) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if p.TxID == nil {
			continue
		}
		report.Checked++

		status, err := e.gateway.Status(ctx, *p.TxID)
		if err != nil {
			report.Errors++
			e.logger.WithPayout(p.ID, p.Address, p.Amount).WithError(err).Warn("confirmation check failed")
			continue
		}

		if status.Conflicted {
			if _, err := e.FailPayout(ctx, p.ID, fmt.Sprintf("transaction %s conflicts with the best chain", *p.TxID)); err != nil {
				if errors.Is(err, errors.ErrPersistenceFailure) {
					return report, err
				}
				report.Errors++
				continue
			}
			report.Failed++
			continue
		}

		updated, err := e.ConfirmPayout(ctx, p.ID, status.TxID, status.BlockHeight, status.Confirmations)
		if err != nil {
			if errors.Is(err, errors.ErrPersistenceFailure) {
				return report, err
			}
			report.Errors++
			e.logger.WithPayout(p.ID, p.Address, p.Amount).WithError(err).Warn("confirmation update failed")
			continue
		}
		if updated.Status == ledger.StatusConfirmed {
			report.Confirmed++
		} else if updated.Confirmations != p.Confirmations {
			report.Updated++
		}
	}

	if report.Checked > 0 {
		e.logger.Info("confirmations refreshed",
			"checked", report.Checked,
			"updated", report.Updated,
			"confirmed", report.Confirmed,
			"failed", report.Failed,
			"errors", report.Errors,
		)
	}
	return report, nil
}

// AutoPayoutReport summarizes one automatic payout run.
type AutoPayoutReport struct {
	Eligible    int
	Created     int
	Broadcast   int
	Failed      int
	TotalAmount uint64
}

// ProcessAutoPayouts pays out every balance at or above the minimum payout.
// It does nothing unless automatic payouts are enabled. A failure for one
// miner is logged and the run continues; a persistence failure stops it.
func (e *Engine) ProcessAutoPayouts(ctx context.Context) (AutoPayoutReport, error) {
	var report AutoPayoutReport
	if !e.cfg.AutoPayoutEnabled {
		return report, nil
	}

	e.autoMu.Lock()
	defer e.autoMu.Unlock()

	eligible := e.GetPendingPayouts()
	report.Eligible = len(eligible)

	for _, b := range eligible {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := e.logger.WithMiner(b.Address)

		p, err := e.CreatePayout(ctx, b.Address, b.Balance)
		if err != nil {
			if errors.Is(err, errors.ErrPersistenceFailure) {
				return report, err
			}
			logger.WithError(err).Warn("auto payout not created")
			continue
		}
		report.Created++

		p, err = e.BroadcastPayout(ctx, p.ID)
		if errors.Is(err, errors.ErrPersistenceFailure) {
			return report, err
		}
		if p.Status == ledger.StatusBroadcast {
			report.Broadcast++
			report.TotalAmount += p.Amount
		} else {
			report.Failed++
		}
	}

	e.logger.Info("auto payout run finished",
		"eligible", report.Eligible,
		"created", report.Created,
		"broadcast", report.Broadcast,
		"failed", report.Failed,
		"total_satoshis", report.TotalAmount,
	)
	return report, nil
}
