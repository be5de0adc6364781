package engine

import (
	"context"

	"github.com/bardlex/gompay/pkg/errors"
)

// RunAutoPayouts calls ProcessAutoPayouts on every auto-payout interval until
// ctx is done. It returns immediately when automatic payouts are disabled.
func (e *Engine) RunAutoPayouts(ctx context.Context) error {
	if !e.cfg.AutoPayoutEnabled {
		e.logger.Info("auto payouts disabled")
		return nil
	}

	ticker := e.clock.NewTicker(e.cfg.AutoPayoutInterval)
	defer ticker.Stop()

	e.logger.Info("auto payout loop started", "interval", e.cfg.AutoPayoutInterval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := e.ProcessAutoPayouts(ctx); err != nil {
				e.logger.WithError(err).Error("auto payout run failed")
				if errors.Is(err, errors.ErrPersistenceFailure) {
					return err
				}
			}
		}
	}
}

// TriggerRefresh asks the confirmation loop to run now. It never blocks; a
// trigger already waiting absorbs this one.
func (e *Engine) TriggerRefresh() {
	select {
	case e.refresh <- struct{}{}:
	default:
	}
}

// RunConfirmations refreshes Broadcast payouts on every poll interval and
// whenever TriggerRefresh is called, until ctx is done.
func (e *Engine) RunConfirmations(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		case <-e.refresh:
		}

		if _, err := e.RefreshConfirmations(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.WithError(err).Error("confirmation refresh failed")
			if errors.Is(err, errors.ErrPersistenceFailure) {
				return err
			}
		}
	}
}
