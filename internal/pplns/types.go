package pplns

import (
	"context"
	"time"
)

// Share is one unit of work in the payout window.
type Share struct {
	Address    string    `json:"address"`
	Worker     string    `json:"worker"`
	Difficulty uint64    `json:"difficulty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PayoutCalculation is the derived payout of one address for one block.
// It is never persisted.
type PayoutCalculation struct {
	Address            string `json:"address"`
	Worker             string `json:"worker"`
	ShareCount         uint64 `json:"share_count"`
	TotalDifficulty    uint64 `json:"total_difficulty"`
	ProportionalPayout uint64 `json:"proportional_payout_satoshis"`
	PoolFee            uint64 `json:"pool_fee_satoshis"`
	FinalPayout        uint64 `json:"final_payout_satoshis"`
	WindowSize         uint64 `json:"window_size"`
	BlockReward        uint64 `json:"block_reward_satoshis"`
}

// ShareSource supplies the sliding window of shares.
type ShareSource interface {
	// SharesSince returns every share with a timestamp at or after since,
	// oldest first.
	SharesSince(ctx context.Context, since time.Time) ([]Share, error)
}

// WindowStart returns the beginning of a window of days ending at now.
func WindowStart(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
