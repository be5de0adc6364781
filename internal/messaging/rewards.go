package messaging

import (
	"context"

	"github.com/bardlex/gompay/internal/engine"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

// Distributor is the part of the engine a block reward needs.
type Distributor interface {
	DistributeFromSource(ctx context.Context, source pplns.ShareSource, reward uint64, blockHeight int64) (engine.Distribution, error)
}

// RewardHandler distributes the block rewards announced on TopicBlockRewards.
type RewardHandler struct {
	distributor Distributor
	source      pplns.ShareSource
	logger      *log.Logger
}

var _ MessageHandler = (*RewardHandler)(nil)

// NewRewardHandler returns a handler that pulls the window from source.
func NewRewardHandler(distributor Distributor, source pplns.ShareSource, logger *log.Logger) *RewardHandler {
	if logger == nil {
		logger = log.Nop()
	}
	return &RewardHandler{distributor: distributor, source: source, logger: logger.WithComponent("block_rewards")}
}

// HandleMessage decodes a BlockRewardMessage and distributes it. Malformed
// messages, empty windows and blocks already distributed are logged and
// dropped; any other failure is returned so the message is not committed.
func (h *RewardHandler) HandleMessage(ctx context.Context, key string, value []byte) error {
	var msg BlockRewardMessage
	if err := DecodeJSON(value, &msg); err != nil {
		h.logger.WithError(err).Warn("dropping malformed block reward", "key", key)
		return nil
	}
	if err := msg.Validate(); err != nil {
		h.logger.WithError(err).Warn("dropping invalid block reward", "key", key)
		return nil
	}

	logger := h.logger.WithBlock(msg.BlockHash, msg.BlockHeight)
	d, err := h.distributor.DistributeFromSource(ctx, h.source, msg.RewardSats, msg.BlockHeight)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrCalculationUndefined):
			logger.WithError(err).Warn("block reward not distributed")
			return nil
		case errors.Is(err, errors.ErrAlreadyDistributed):
			logger.Warn("block reward already distributed, skipping redelivery")
			return nil
		}
		return err
	}
	logger.Info("block reward distributed", "miners", d.Miners, "distributed_satoshis", d.Distributed)
	return nil
}
