package messaging

import (
	"strconv"
	"time"

	"github.com/bardlex/gompay/internal/engine"
	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/pkg/errors"
)

// BlockRewardMessage announces a found block whose reward is to be split over
// the share window.
type BlockRewardMessage struct {
	BlockHash   string    `json:"block_hash"`
	BlockHeight int64     `json:"block_height"`
	RewardSats  uint64    `json:"reward_satoshis"`
	FoundAt     time.Time `json:"found_at"`
}

// Validate rejects messages that cannot be distributed.
func (m BlockRewardMessage) Validate() error {
	if m.BlockHeight <= 0 {
		return errors.New(errors.ErrorTypeValidation, "block_reward_message", "block height must be positive").
			WithContext("block_height", m.BlockHeight)
	}
	if m.RewardSats == 0 {
		return errors.New(errors.ErrorTypeValidation, "block_reward_message", "reward must be positive").
			WithContext("block_height", m.BlockHeight)
	}
	return nil
}

// EventMessage is the published form of an engine event.
type EventMessage struct {
	Type         string               `json:"type"`
	At           time.Time            `json:"at"`
	Address      string               `json:"address,omitempty"`
	Amount       uint64               `json:"amount_satoshis"`
	BlockHeight  int64                `json:"block_height,omitempty"`
	Balance      *ledger.MinerBalance `json:"balance,omitempty"`
	Payout       *ledger.Payout       `json:"payout,omitempty"`
	Distribution *engine.Distribution `json:"distribution,omitempty"`
}

// NewEventMessage converts an engine event.
func NewEventMessage(ev engine.Event) EventMessage {
	return EventMessage{
		Type:         string(ev.Kind),
		At:           ev.At.UTC(),
		Address:      ev.Address,
		Amount:       ev.Amount,
		BlockHeight:  ev.BlockHeight,
		Balance:      ev.Balance,
		Payout:       ev.Payout,
		Distribution: ev.Distribution,
	}
}

// Key is the partition key: the miner address, so one miner's events stay
// ordered, or the block height for distributions.
func (m EventMessage) Key() string {
	if m.Address != "" {
		return m.Address
	}
	return strconv.FormatInt(m.BlockHeight, 10)
}
