// Package main implements pplnscheck, an offline audit of a PPLNS share
// window. It runs the distribution calculator against the economic checks
// and prints a JSON report; the exit status is non-zero when any check fails.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"

	"github.com/bardlex/gompay/internal/bitcoin"
	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/internal/validation"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

var version = "dev"

// errChecksFailed is returned after the report is printed when the window
// did not pass.
var errChecksFailed = errors.New(errors.ErrorTypeValidation, "pplnscheck", "share window failed validation")

// Report is the JSON document printed on stdout.
type Report struct {
	Reward          uint64                      `json:"block_reward_satoshis"`
	FeeBps          config.BasisPoints          `json:"fee_bps"`
	WindowDays      int                         `json:"window_days"`
	Rejected        []validation.Rejection      `json:"rejected_shares,omitempty"`
	Simulation      validation.Result           `json:"simulation"`
	DifficultyError string                      `json:"difficulty_error,omitempty"`
	WindowError     string                      `json:"window_error,omitempty"`
	Scenarios       []validation.ScenarioResult `json:"scenarios,omitempty"`
	Passed          bool                        `json:"passed"`
}

type options struct {
	sharesPath string
	reward     uint64
	feeBps     uint32
	windowDays int
	scenarios  bool
	network    string
	maxSkew    time.Duration
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	def := config.DefaultPayoutConfig()

	cmd := &cobra.Command{
		Use:   "pplnscheck",
		Short: "Validate a PPLNS share window",
		Long: `Read a JSON array of shares, compute every miner's payout for the given
block reward and check that the distribution stays within the fee-adjusted
reward. Synthetic scenarios (empty window, single miner, dust miner,
full-supply reward) are run alongside unless --scenarios=false.`,
		Version:       version,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.sharesPath, "shares", "s", "-", "share window JSON file, - for stdin")
	flags.Uint64VarP(&opts.reward, "reward", "r", 312_500_000, "block reward in satoshis")
	flags.Uint32Var(&opts.feeBps, "fee-bps", uint32(def.DeductionBps()), "pool fee plus donation in basis points")
	flags.IntVar(&opts.windowDays, "window-days", def.PPLNSWindowDays, "expected PPLNS window length in days")
	flags.BoolVar(&opts.scenarios, "scenarios", true, "also run the synthetic scenarios")
	flags.StringVar(&opts.network, "network", "", "reject shares whose address is not on this network (mainnet, testnet3, regtest, signet)")
	flags.DurationVar(&opts.maxSkew, "max-time-skew", 2*time.Hour, "how far in the future a share timestamp may be")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	return cmd
}

func run(stdin io.Reader, stdout, stderr io.Writer, opts *options) error {
	logger := log.NewWithWriter(stderr, "pplnscheck", version, opts.logLevel, "text")

	shares, err := readShares(stdin, opts.sharesPath)
	if err != nil {
		return err
	}
	logger.Info("share window loaded", "shares", len(shares), "source", opts.sharesPath)

	report, err := check(shares, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if !report.Passed {
		logger.Warn("share window failed validation",
			"errors", len(report.Simulation.Errors),
			"rejected_shares", len(report.Rejected),
			"difficulty_error", report.DifficultyError,
			"window_error", report.WindowError,
		)
		return errChecksFailed
	}
	return nil
}

func readShares(stdin io.Reader, path string) ([]pplns.Share, error) {
	if path == "-" {
		return pplns.ReadShares(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Permanent(err, errors.ErrorTypeValidation, "read_shares", "failed to open share window").
			WithContext("path", path)
	}
	defer func() { _ = f.Close() }()
	return pplns.ReadShares(f)
}

// check runs every validation over shares.
func check(shares []pplns.Share, opts *options) (Report, error) {
	feeBps := config.BasisPoints(opts.feeBps)
	sim, err := validation.NewSimulator(opts.reward, feeBps, opts.windowDays, nil)
	if err != nil {
		return Report{}, err
	}

	var params *chaincfg.Params
	if opts.network != "" {
		if params, err = bitcoin.NetParams(opts.network); err != nil {
			return Report{}, err
		}
	}
	_, rejected := validation.NewShareValidator(1, 0, opts.maxSkew, params, nil).Screen(shares)

	report := Report{
		Reward:     opts.reward,
		FeeBps:     feeBps,
		WindowDays: opts.windowDays,
		Rejected:   rejected,
		Simulation: sim.Simulate(shares),
	}
	passed := report.Simulation.Payable() && len(rejected) == 0

	if err := validation.ValidateDifficultyBounds(shares); err != nil {
		report.DifficultyError = err.Error()
		passed = false
	}
	if err := validation.ValidateWindowSpan(shares, opts.windowDays); err != nil {
		report.WindowError = err.Error()
		passed = false
	}
	if opts.scenarios {
		report.Scenarios = sim.RunScenarios(shares)
		passed = passed && validation.AllPassed(report.Scenarios)
	}

	report.Passed = passed
	return report, nil
}
