// Package pplns splits a block reward across the miners of a share window in
// proportion to the difficulty they contributed.
package pplns

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/pkg/errors"
)

const unknownWorker = "unknown"

var bpsDenominator = big.NewInt(int64(config.MaxBasisPoints))

// Calculator computes PPLNS payouts.
type Calculator struct {
	feeBps config.BasisPoints
}

// NewCalculator creates a calculator deducting feeBps from each payout.
func NewCalculator(feeBps config.BasisPoints) (*Calculator, error) {
	if err := feeBps.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_calculator", "invalid fee")
	}
	return &Calculator{feeBps: feeBps}, nil
}

// FeeBps returns the deduction applied to each payout.
func (c *Calculator) FeeBps() config.BasisPoints {
	return c.feeBps
}

// tally is the running total for one address.
type tally struct {
	worker     string
	shares     uint64
	difficulty *big.Int
}

// window sums the share difficulties per address and in total. Shares
// without an address still weigh on the window but produce no tally.
func window(shares []Share) (map[string]*tally, *big.Int) {
	tallies := make(map[string]*tally)
	total := new(big.Int)
	d := new(big.Int)

	for _, s := range shares {
		d.SetUint64(s.Difficulty)
		total.Add(total, d)

		if s.Address == "" {
			continue
		}
		t, ok := tallies[s.Address]
		if !ok {
			t = &tally{worker: s.Worker, difficulty: new(big.Int)}
			if t.worker == "" {
				t.worker = unknownWorker
			}
			tallies[s.Address] = t
		}
		t.shares++
		t.difficulty.Add(t.difficulty, d)
	}

	return tallies, total
}

// Calculate returns the payout of address for a block paying reward. ok is
// false when the window is empty, its difficulty is zero, or the address has
// no share in it. Absence means "cannot compute", never "zero".
func (c *Calculator) Calculate(shares []Share, reward uint64, address string) (PayoutCalculation, bool) {
	if len(shares) == 0 {
		return PayoutCalculation{}, false
	}

	tallies, total := window(shares)
	t, ok := tallies[address]
	if !ok || total.Sign() == 0 {
		return PayoutCalculation{}, false
	}

	return c.calculate(address, t, total, uint64(len(shares)), reward), true
}

// CalculateAll returns one calculation per distinct address, ordered by address.
func (c *Calculator) CalculateAll(shares []Share, reward uint64) []PayoutCalculation {
	if len(shares) == 0 {
		return nil
	}

	tallies, total := window(shares)
	if total.Sign() == 0 {
		return nil
	}

	addresses := make([]string, 0, len(tallies))
	for addr := range tallies {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	out := make([]PayoutCalculation, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, c.calculate(addr, tallies[addr], total, uint64(len(shares)), reward))
	}
	return out
}

// calculate assumes total > 0. reward*difficulty is evaluated in arbitrary
// precision; the quotient never exceeds reward so it fits in 64 bits.
func (c *Calculator) calculate(address string, t *tally, total *big.Int, windowSize, reward uint64) PayoutCalculation {
	proportional := new(big.Int).SetUint64(reward)
	proportional.Mul(proportional, t.difficulty)
	proportional.Quo(proportional, total)

	fee := new(big.Int).Mul(proportional, big.NewInt(int64(c.feeBps)))
	fee.Quo(fee, bpsDenominator)

	p := proportional.Uint64()
	f := fee.Uint64()

	return PayoutCalculation{
		Address:            address,
		Worker:             t.worker,
		ShareCount:         t.shares,
		TotalDifficulty:    saturate(t.difficulty),
		ProportionalPayout: p,
		PoolFee:            f,
		FinalPayout:        p - f,
		WindowSize:         windowSize,
		BlockReward:        reward,
	}
}

// MaxDistributable is the ceiling on the sum of final payouts for a block:
// reward - floor(reward * fee / 10000).
func MaxDistributable(reward uint64, feeBps config.BasisPoints) uint64 {
	fee := new(big.Int).SetUint64(reward)
	fee.Mul(fee, big.NewInt(int64(feeBps)))
	fee.Quo(fee, bpsDenominator)
	return reward - fee.Uint64()
}

// RoundingSlack is how far the sum of n final payouts may exceed
// MaxDistributable. The fee is floored per miner, so each of them can keep up
// to one satoshi of fee more than the block-level floor allows.
func RoundingSlack(n int) uint64 {
	if n <= 1 {
		return 0
	}
	return uint64(n - 1)
}

// Total sums the final payouts. The sum is bounded by the block reward, but
// an error is returned rather than wrapping if a broken input ever exceeds 64 bits.
func Total(calcs []PayoutCalculation) (uint64, error) {
	var sum uint64
	for _, c := range calcs {
		if sum > math.MaxUint64-c.FinalPayout {
			return 0, errors.New(errors.ErrorTypeCalculation, "total",
				fmt.Sprintf("sum of final payouts overflows at %s", c.Address))
		}
		sum += c.FinalPayout
	}
	return sum, nil
}

func saturate(v *big.Int) uint64 {
	if v.IsUint64() {
		return v.Uint64()
	}
	return math.MaxUint64
}
