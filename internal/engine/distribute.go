package engine

import (
	"context"
	"strings"
	"time"

	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/internal/validation"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

// DistributeBlockReward splits reward over the share window and credits each
// miner's final payout. Each block height is distributed at most once; a
// repeat returns ErrAlreadyDistributed. When audits are enabled the window is
// first run through the simulator and nothing is credited if it reports
// errors beyond per-miner fee rounding. The ledger is saved once, after all
// credits.
func (e *Engine) DistributeBlockReward(ctx context.Context, shares []pplns.Share, reward uint64, blockHeight int64) (Distribution, error) {
	d := Distribution{BlockHeight: blockHeight, Reward: reward}
	logger := e.logger.WithFields("block_height", blockHeight, "reward_satoshis", reward)

	calcs := e.calc.CalculateAll(shares, reward)
	if len(calcs) == 0 {
		return d, errors.Permanent(errors.ErrCalculationUndefined, errors.ErrorTypeCalculation,
			"distribute_reward", "share window has no difficulty to distribute over").
			WithContext("shares", len(shares)).
			WithContext("block_height", blockHeight)
	}
	d.Calculations = calcs

	if err := e.ledger.ClaimBlock(blockHeight); err != nil {
		return d, err
	}
	if err := e.checkDistribution(&d, shares, logger); err != nil {
		e.ledger.ReleaseBlock(blockHeight)
		return d, err
	}

	type credit struct {
		calc    pplns.PayoutCalculation
		balance uint64
	}
	credited := make([]credit, 0, len(calcs))
	var creditErr error
	for _, c := range calcs {
		if c.FinalPayout == 0 {
			continue
		}
		b, err := e.ledger.AddEarnings(c.Address, c.FinalPayout)
		if err != nil {
			creditErr = err
			logger.WithMiner(c.Address).WithError(err).Error("failed to credit earnings")
			break
		}
		credited = append(credited, credit{calc: c, balance: b.Balance})
		d.Distributed += c.FinalPayout
		d.Miners++
	}

	if len(credited) == 0 {
		e.ledger.ReleaseBlock(blockHeight)
	} else if err := e.persist("distribute_reward"); err != nil {
		return d, err
	}

	now := e.clock.Now().UTC()
	for _, c := range credited {
		e.logger.LogEarnings(c.calc.Address, c.calc.FinalPayout, c.balance)
		b, _ := e.ledger.Balance(c.calc.Address)
		e.notify(ctx, Event{
			Kind:        EventEarningsCredited,
			At:          now,
			Address:     c.calc.Address,
			Amount:      c.calc.FinalPayout,
			BlockHeight: blockHeight,
			Balance:     &b,
		})
	}
	if creditErr != nil {
		return d, creditErr
	}

	e.logger.LogDistribution(blockHeight, reward, d.Distributed, d.Miners)
	dc := d
	e.notify(ctx, Event{Kind: EventRewardDistributed, At: now, BlockHeight: blockHeight, Amount: d.Distributed, Distribution: &dc})
	return d, nil
}

// checkDistribution audits the calculations in d and enforces the
// fee-adjusted ceiling. An excess no larger than per-miner fee rounding is
// logged and accepted.
func (e *Engine) checkDistribution(d *Distribution, shares []pplns.Share, logger *log.Logger) error {
	if e.cfg.AuditDistributions {
		sim, err := validation.NewSimulator(d.Reward, e.cfg.DeductionBps(), e.cfg.PPLNSWindowDays, e.clock)
		if err != nil {
			return err
		}
		audit := sim.Simulate(shares)
		d.Audit = &audit
		if !audit.Payable() {
			logger.Error("distribution audit failed", "errors", audit.Errors)
			return errors.New(errors.ErrorTypeCalculation, "distribute_reward",
				"distribution audit failed: "+strings.Join(audit.Errors, "; ")).
				WithContext("block_height", d.BlockHeight)
		}
		for _, w := range audit.Warnings {
			logger.Warn("distribution audit warning", "warning", w)
		}
	}

	total, err := pplns.Total(d.Calculations)
	if err != nil {
		return err
	}
	ceiling := pplns.MaxDistributable(d.Reward, e.cfg.DeductionBps())
	slack := pplns.RoundingSlack(len(d.Calculations))
	switch {
	case total > ceiling+slack:
		return errors.New(errors.ErrorTypeCalculation, "distribute_reward",
			"distribution exceeds fee-adjusted reward").
			WithContext("total", total).
			WithContext("max", ceiling).
			WithContext("block_height", d.BlockHeight)
	case total > ceiling:
		logger.Warn("fee rounding leaves distribution above fee-adjusted reward",
			"total_satoshis", total,
			"max_satoshis", ceiling,
			"excess_satoshis", total-ceiling,
		)
	}
	return nil
}

// DistributeFromSource pulls the configured PPLNS window from source and
// distributes reward over it.
func (e *Engine) DistributeFromSource(ctx context.Context, source pplns.ShareSource, reward uint64, blockHeight int64) (Distribution, error) {
	since := pplns.WindowStart(e.clock.Now(), e.cfg.PPLNSWindowDays)
	shares, err := source.SharesSince(ctx, since)
	if err != nil {
		return Distribution{BlockHeight: blockHeight, Reward: reward},
			errors.Wrap(err, errors.ErrorTypeDatabase, "load_share_window", "failed to load share window").
				WithContext("since", since.Format(time.RFC3339))
	}
	return e.DistributeBlockReward(ctx, shares, reward, blockHeight)
}
