package validation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/pplns"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSim(t *testing.T, reward uint64, fee uint32) *Simulator {
	t.Helper()
	sim, err := NewSimulator(reward, config.BasisPoints(fee), 7, clockwork.NewFakeClockAt(now))
	if err != nil {
		t.Fatalf("NewSimulator() error = %v", err)
	}
	return sim
}

func shareAt(addr string, diff uint64, age time.Duration) pplns.Share {
	return pplns.Share{Address: addr, Worker: "test-worker", Difficulty: diff, Timestamp: now.Add(-age)}
}

func TestNewSimulator_Validation(t *testing.T) {
	if _, err := NewSimulator(1, 10001, 7, nil); err == nil {
		t.Error("expected error for fee above 100%")
	}
	if _, err := NewSimulator(1, 100, 0, nil); err == nil {
		t.Error("expected error for zero window days")
	}
}

func TestSimulate_ExampleWindow(t *testing.T) {
	sim := newSim(t, 100_000_000, 100)

	shares := []pplns.Share{
		shareAt("bc1qtest1", 1000, 4*time.Hour),
		shareAt("bc1qtest1", 2000, 3*time.Hour),
		shareAt("bc1qtest2", 1500, 2*time.Hour),
		shareAt("bc1qtest3", 500, time.Hour),
	}

	r := sim.Simulate(shares)
	if !r.Valid {
		t.Fatalf("expected valid result, errors: %v", r.Errors)
	}
	if r.UniqueMiners != 3 || r.TotalShares != 4 {
		t.Errorf("UniqueMiners/TotalShares = %d/%d, want 3/4", r.UniqueMiners, r.TotalShares)
	}
	if r.ExpectedMaxPayout != 99_000_000 {
		t.Errorf("ExpectedMaxPayout = %d, want 99000000", r.ExpectedMaxPayout)
	}
	if !r.ValidatedAt.Equal(now) {
		t.Errorf("ValidatedAt = %v, want %v", r.ValidatedAt, now)
	}

	var found bool
	for _, p := range r.Payouts {
		if p.Address == "bc1qtest1" {
			found = true
			if p.FinalPayout != 59_400_000 || p.TotalDifficulty != 3000 || p.ShareCount != 2 {
				t.Errorf("bc1qtest1 = %+v", p)
			}
		}
	}
	if !found {
		t.Error("bc1qtest1 missing from payouts")
	}
}

func TestSimulate_ZeroPayoutIsWarning(t *testing.T) {
	sim := newSim(t, 1000, 0)

	r := sim.Simulate([]pplns.Share{
		shareAt("big", 1_000_000, time.Hour),
		shareAt("tiny", 1, time.Hour),
	})
	if !r.Valid {
		t.Fatalf("zero payout must not be an error: %v", r.Errors)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one", r.Warnings)
	}
}

func TestEvaluate_OverpaymentIsError(t *testing.T) {
	payouts := []pplns.PayoutCalculation{
		{Address: "a", ShareCount: 1, FinalPayout: 60},
		{Address: "b", ShareCount: 1, FinalPayout: 40},
	}

	r := evaluate(payouts, 100, 100)
	if r.Valid {
		t.Fatal("100 > 99 must be reported")
	}
	if r.TotalPayout != 100 {
		t.Errorf("TotalPayout = %d, overpayment must not be clamped", r.TotalPayout)
	}
}

func TestEvaluate_RoundingExcess(t *testing.T) {
	payouts := []pplns.PayoutCalculation{
		{Address: "a", ShareCount: 1, ProportionalPayout: 156_250_099, PoolFee: 1_562_500, FinalPayout: 154_687_599},
		{Address: "b", ShareCount: 1, ProportionalPayout: 156_250_099, PoolFee: 1_562_500, FinalPayout: 154_687_599},
	}

	r := evaluate(payouts, 312_500_198, 100)
	if r.Valid {
		t.Fatal("excess over the fee-adjusted reward must still be reported")
	}
	if r.Excess != 1 || r.ExpectedMaxPayout != 309_375_197 {
		t.Errorf("Excess = %d, ExpectedMaxPayout = %d", r.Excess, r.ExpectedMaxPayout)
	}
	if !r.WithinRoundingSlack() || !r.Payable() {
		t.Error("one satoshi over with two miners is fee rounding")
	}

	over := evaluate([]pplns.PayoutCalculation{{Address: "a", FinalPayout: 60}, {Address: "b", FinalPayout: 41}}, 100, 100)
	if over.WithinRoundingSlack() || over.Payable() {
		t.Errorf("excess %d with two miners is not rounding", over.Excess)
	}
	if valid := evaluate(payouts[:1], 312_500_198, 100); valid.WithinRoundingSlack() || !valid.Payable() {
		t.Error("a valid result has no excess and is payable")
	}
}

func TestSimulate_RandomWindowsStayWithinRoundingSlack(t *testing.T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	addrs := []string{"a", "b", "c", "d", "e"}

	for i := range 500 {
		reward := uint64(rng.Int63n(1 << 52))
		fee := uint32(rng.Intn(10001))
		sim := newSim(t, reward, fee)

		shares := make([]pplns.Share, 1+rng.Intn(40))
		for j := range shares {
			shares[j] = shareAt(addrs[rng.Intn(len(addrs))], 1+uint64(rng.Int63n(1<<40)), time.Duration(j)*time.Minute)
		}

		r := sim.Simulate(shares)
		if !r.Payable() {
			t.Fatalf("iteration %d: reward=%d fee=%d total=%d max=%d errors=%v",
				i, reward, fee, r.TotalPayout, r.ExpectedMaxPayout, r.Errors)
		}
		if r.Valid && r.TotalPayout > r.ExpectedMaxPayout {
			t.Fatalf("iteration %d: valid result with total %d above %d", i, r.TotalPayout, r.ExpectedMaxPayout)
		}
	}
}

func TestValidateDifficultyBounds(t *testing.T) {
	tests := []struct {
		name    string
		shares  []pplns.Share
		wantErr bool
	}{
		{"empty", nil, true},
		{"normal", []pplns.Share{shareAt("a", 1000, 0), shareAt("a", 2000, 0)}, false},
		{"zero difficulty", []pplns.Share{shareAt("a", 0, 0)}, true},
		{"ratio exactly 1000", []pplns.Share{shareAt("a", 1, 0), shareAt("a", 1000, 0)}, false},
		{"ratio above 1000", []pplns.Share{shareAt("a", 1, 0), shareAt("a", 10000, 0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateDifficultyBounds(tt.shares); (err != nil) != tt.wantErr {
				t.Errorf("ValidateDifficultyBounds() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWindowSpan(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		name    string
		shares  []pplns.Share
		wantErr bool
	}{
		{"empty", nil, false},
		{"six days", []pplns.Share{shareAt("a", 1, 6*day), shareAt("a", 1, 0)}, false},
		{"fourteen days", []pplns.Share{shareAt("a", 1, 14*day), shareAt("a", 1, 0)}, false},
		{"fifteen days", []pplns.Share{shareAt("a", 1, 0), shareAt("a", 1, 15*day)}, true},
		{"twenty days", []pplns.Share{shareAt("a", 1, 20*day), shareAt("a", 1, 0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateWindowSpan(tt.shares, 7); (err != nil) != tt.wantErr {
				t.Errorf("ValidateWindowSpan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunScenarios(t *testing.T) {
	sim := newSim(t, 100_000_000, 100)

	results := sim.RunScenarios([]pplns.Share{
		shareAt("a", 1000, time.Hour),
		shareAt("b", 3000, time.Minute),
	})

	if len(results) != 5 {
		t.Fatalf("len = %d, want 5", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("scenario %q failed: %s", r.Name, r.Result)
		}
	}
	if !AllPassed(results) {
		t.Error("AllPassed() = false")
	}

	overflow := results[len(results)-1]
	if overflow.Details.Payouts[1].ProportionalPayout != OverflowScaleReward/4*3 {
		t.Errorf("overflow scenario payout = %d", overflow.Details.Payouts[1].ProportionalPayout)
	}
}
