// Package validation re-runs the PPLNS calculator against economic invariants
// and screens individual shares.
// It never touches ledger state.
package validation

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/pkg/errors"
)

// Result is the diagnostic produced for one share window.
type Result struct {
	Valid             bool                      `json:"valid"`
	TotalShares       uint64                    `json:"total_shares"`
	UniqueMiners      uint64                    `json:"unique_miners"`
	Payouts           []pplns.PayoutCalculation `json:"payouts"`
	TotalPayout       uint64                    `json:"total_payout_satoshis"`
	ExpectedMaxPayout uint64                    `json:"expected_max_payout_satoshis"`
	Excess            uint64                    `json:"excess_satoshis,omitempty"`
	Errors            []string                  `json:"errors"`
	Warnings          []string                  `json:"warnings"`
	ValidatedAt       time.Time                 `json:"validated_at"`
}

// Simulator checks distributions for a fixed reward, fee and window length.
type Simulator struct {
	calc       *pplns.Calculator
	reward     uint64
	feeBps     config.BasisPoints
	windowDays int
	clock      clockwork.Clock
}

// NewSimulator creates a simulator. A nil clock uses the wall clock.
func NewSimulator(reward uint64, feeBps config.BasisPoints, windowDays int, clock clockwork.Clock) (*Simulator, error) {
	calc, err := pplns.NewCalculator(feeBps)
	if err != nil {
		return nil, err
	}
	if windowDays <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "new_simulator", "window days must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Simulator{
		calc:       calc,
		reward:     reward,
		feeBps:     feeBps,
		windowDays: windowDays,
		clock:      clock,
	}, nil
}

// WithReward returns a copy of the simulator for a different block reward.
func (s *Simulator) WithReward(reward uint64) *Simulator {
	c := *s
	c.reward = reward
	return &c
}

// Reward returns the block reward being simulated.
func (s *Simulator) Reward() uint64 {
	return s.reward
}

// Simulate runs the calculator for every address in shares and checks that
// the sum of final payouts stays within the fee-adjusted reward.
func (s *Simulator) Simulate(shares []pplns.Share) Result {
	payouts := s.calc.CalculateAll(shares, s.reward)

	miners := make(map[string]struct{})
	for _, sh := range shares {
		if sh.Address != "" {
			miners[sh.Address] = struct{}{}
		}
	}

	r := evaluate(payouts, s.reward, s.feeBps)
	r.TotalShares = uint64(len(shares))
	r.UniqueMiners = uint64(len(miners))
	r.ValidatedAt = s.clock.Now().UTC()
	return r
}

// evaluate applies the invariants to a set of calculations.
func evaluate(payouts []pplns.PayoutCalculation, reward uint64, feeBps config.BasisPoints) Result {
	r := Result{
		Payouts:           payouts,
		ExpectedMaxPayout: pplns.MaxDistributable(reward, feeBps),
		Errors:            []string{},
		Warnings:          []string{},
	}
	if r.Payouts == nil {
		r.Payouts = []pplns.PayoutCalculation{}
	}

	total, err := pplns.Total(payouts)
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
	r.TotalPayout = total

	if err == nil && total > r.ExpectedMaxPayout {
		r.Excess = total - r.ExpectedMaxPayout
		r.Errors = append(r.Errors, fmt.Sprintf(
			"total payouts (%d) exceed available reward (%d)", total, r.ExpectedMaxPayout))
	}

	for _, p := range payouts {
		if p.ShareCount > 0 && p.FinalPayout == 0 {
			r.Warnings = append(r.Warnings, fmt.Sprintf(
				"miner %s has %d shares but zero payout", p.Address, p.ShareCount))
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// WithinRoundingSlack reports whether the only error is an excess over
// ExpectedMaxPayout no larger than per-miner fee rounding can produce.
func (r Result) WithinRoundingSlack() bool {
	return len(r.Errors) == 1 && r.Excess > 0 && r.Excess <= pplns.RoundingSlack(len(r.Payouts))
}

// Payable reports whether the engine would credit this distribution.
func (r Result) Payable() bool {
	return r.Valid || r.WithinRoundingSlack()
}

// ValidateDifficultyBounds rejects an empty window and zero-difficulty shares,
// and flags windows whose max/min difficulty ratio exceeds 1000.
func ValidateDifficultyBounds(shares []pplns.Share) error {
	if len(shares) == 0 {
		return errors.New(errors.ErrorTypeValidation, "difficulty_bounds", "no shares to validate")
	}

	lo, hi := shares[0].Difficulty, shares[0].Difficulty
	for _, sh := range shares[1:] {
		lo = min(lo, sh.Difficulty)
		hi = max(hi, sh.Difficulty)
	}

	if lo == 0 {
		return errors.New(errors.ErrorTypeValidation, "difficulty_bounds", "found share with zero difficulty")
	}

	if ratio := hi / lo; ratio > 1000 {
		return errors.New(errors.ErrorTypeValidation, "difficulty_bounds",
			fmt.Sprintf("suspicious difficulty range: min=%d max=%d ratio=%d", lo, hi, ratio))
	}

	return nil
}

// ValidateWindowSpan flags a window whose oldest and newest shares are more
// than twice expectedDays apart, counted in whole days.
func ValidateWindowSpan(shares []pplns.Share, expectedDays int) error {
	if len(shares) == 0 {
		return nil
	}

	oldest, newest := shares[0].Timestamp, shares[0].Timestamp
	for _, sh := range shares[1:] {
		if sh.Timestamp.Before(oldest) {
			oldest = sh.Timestamp
		}
		if sh.Timestamp.After(newest) {
			newest = sh.Timestamp
		}
	}

	days := int(newest.Sub(oldest) / (24 * time.Hour))
	if days > 2*expectedDays {
		return errors.New(errors.ErrorTypeValidation, "window_span",
			fmt.Sprintf("window spans %d days, expected around %d days", days, expectedDays))
	}

	return nil
}

// ValidateWindow runs both window checks with the simulator's window length.
func (s *Simulator) ValidateWindow(shares []pplns.Share) error {
	if err := ValidateDifficultyBounds(shares); err != nil {
		return err
	}
	return ValidateWindowSpan(shares, s.windowDays)
}
