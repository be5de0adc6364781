package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/internal/bitcoin"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/pkg/log"
)

// ShareValidator screens individual shares before they enter a payout window.
type ShareValidator struct {
	minDifficulty uint64
	maxDifficulty uint64
	maxTimeSkew   time.Duration
	params        *chaincfg.Params
	clock         clockwork.Clock
}

// NewShareValidator creates a new share validator. A maxDiff of zero means
// no upper bound. A nil params skips address checks; a nil clock uses the
// wall clock.
func NewShareValidator(minDiff, maxDiff uint64, maxTimeSkew time.Duration, params *chaincfg.Params, clock clockwork.Clock) *ShareValidator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ShareValidator{
		minDifficulty: minDiff,
		maxDifficulty: maxDiff,
		maxTimeSkew:   maxTimeSkew,
		params:        params,
		clock:         clock,
	}
}

// ValidateShare checks one share on its own.
func (v *ShareValidator) ValidateShare(share pplns.Share) error {
	// Basic field validation
	if err := v.validateBasicFields(share); err != nil {
		return fmt.Errorf("basic validation failed: %w", err)
	}

	// Time validation
	if err := v.validateTime(share); err != nil {
		return fmt.Errorf("time validation failed: %w", err)
	}

	// Difficulty validation
	if err := v.validateDifficulty(share); err != nil {
		return fmt.Errorf("difficulty validation failed: %w", err)
	}

	return nil
}

// validateBasicFields checks that the share names a payable address.
func (v *ShareValidator) validateBasicFields(share pplns.Share) error {
	if strings.TrimSpace(share.Address) == "" {
		return fmt.Errorf("miner address is required")
	}

	if v.params != nil {
		if err := bitcoin.ValidateAddress(share.Address, v.params); err != nil {
			return err
		}
	}

	return nil
}

// validateTime rejects missing timestamps and shares from the future.
func (v *ShareValidator) validateTime(share pplns.Share) error {
	if share.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if share.Timestamp.After(v.clock.Now().Add(v.maxTimeSkew)) {
		return fmt.Errorf("share time too far in future")
	}

	return nil
}

// validateDifficulty checks that the share difficulty is within acceptable bounds
func (v *ShareValidator) validateDifficulty(share pplns.Share) error {
	if share.Difficulty == 0 || share.Difficulty < v.minDifficulty {
		return fmt.Errorf("difficulty too low: %d < %d", share.Difficulty, max(v.minDifficulty, 1))
	}

	if v.maxDifficulty > 0 && share.Difficulty > v.maxDifficulty {
		return fmt.Errorf("difficulty too high: %d > %d", share.Difficulty, v.maxDifficulty)
	}

	return nil
}

// Rejection records why a share was left out of a window.
type Rejection struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// Screen splits shares into those that pass ValidateShare and the
// rejections, keeping the order of the accepted ones.
func (v *ShareValidator) Screen(shares []pplns.Share) ([]pplns.Share, []Rejection) {
	valid := make([]pplns.Share, 0, len(shares))
	var rejected []Rejection
	for i, sh := range shares {
		if err := v.ValidateShare(sh); err != nil {
			rejected = append(rejected, Rejection{Index: i, Address: sh.Address, Reason: err.Error()})
			continue
		}
		valid = append(valid, sh)
	}
	return valid, rejected
}

// ScreenedSource drops invalid shares from an underlying source. A share
// that cannot be paid must not dilute the others' proportions.
type ScreenedSource struct {
	source    pplns.ShareSource
	validator *ShareValidator
	logger    *log.Logger
}

var _ pplns.ShareSource = (*ScreenedSource)(nil)

// NewScreenedSource wraps source.
func NewScreenedSource(source pplns.ShareSource, validator *ShareValidator, logger *log.Logger) *ScreenedSource {
	if logger == nil {
		logger = log.Nop()
	}
	return &ScreenedSource{source: source, validator: validator, logger: logger.WithComponent("share_screen")}
}

// SharesSince implements pplns.ShareSource.
func (s *ScreenedSource) SharesSince(ctx context.Context, since time.Time) ([]pplns.Share, error) {
	shares, err := s.source.SharesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	valid, rejected := s.validator.Screen(shares)
	for _, r := range rejected {
		s.logger.Warn("share excluded from window",
			"miner_address", r.Address,
			"reason", r.Reason,
		)
	}
	if len(rejected) > 0 {
		s.logger.Info("share window screened", "accepted", len(valid), "rejected", len(rejected))
	}
	return valid, nil
}
