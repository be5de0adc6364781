package validation

import (
	"strings"

	"github.com/bardlex/gompay/internal/pplns"
)

// OverflowScaleReward is the full 21M BTC supply in satoshis.
const OverflowScaleReward uint64 = 2_100_000_000_000_000

// ScenarioResult is the outcome of one named fixture.
type ScenarioResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Result  string `json:"result"`
	Details Result `json:"details"`
}

type scenario struct {
	name        string
	sim         *Simulator
	shares      []pplns.Share
	wantWarning bool
}

// RunScenarios simulates the given window plus a set of synthetic fixtures:
// an empty window, a single miner, a dust-level miner next to a large one,
// and the window again at the full-supply reward.
func (s *Simulator) RunScenarios(shares []pplns.Share) []ScenarioResult {
	at := s.clock.Now().UTC()

	scenarios := []scenario{
		{name: "normal payout calculation", sim: s, shares: shares},
		{name: "empty window", sim: s},
		{name: "single miner", sim: s, shares: []pplns.Share{
			{Address: "scenario-single", Worker: "w", Difficulty: 1000, Timestamp: at},
		}},
		{name: "dust-level miner", sim: s, wantWarning: true, shares: []pplns.Share{
			{Address: "scenario-large", Worker: "w", Difficulty: 1 << 63, Timestamp: at},
			{Address: "scenario-dust", Worker: "w", Difficulty: 1, Timestamp: at},
		}},
		{name: "overflow-scale reward", sim: s.WithReward(OverflowScaleReward), shares: shares},
	}

	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		results = append(results, sc.run())
	}
	return results
}

func (sc scenario) run() ScenarioResult {
	v := sc.sim.Simulate(sc.shares)

	passed := v.Payable()
	var failures []string
	failures = append(failures, v.Errors...)
	if sc.wantWarning && len(v.Warnings) == 0 {
		passed = false
		failures = append(failures, "expected a zero-payout warning")
	}

	result := "PASS"
	if !passed {
		result = "FAIL: " + strings.Join(failures, "; ")
	}

	return ScenarioResult{
		Name:    sc.name,
		Passed:  passed,
		Result:  result,
		Details: v,
	}
}

// AllPassed reports whether every scenario passed.
func AllPassed(results []ScenarioResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
