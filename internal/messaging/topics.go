package messaging

import "github.com/bardlex/gompay/internal/engine"

// Topic constants for the payout messaging system
const (
	// Inbound
	TopicBlockRewards = "mining.block_rewards" // blocksubmit → payoutd

	// Outbound
	TopicEarnings      = "payouts.earnings"      // payoutd → statsd, apiserver
	TopicLifecycle     = "payouts.lifecycle"     // payoutd → apiserver, notifier
	TopicDistributions = "payouts.distributions" // payoutd → auditing
)

// TopicFor returns the topic an event kind is published on.
func TopicFor(kind engine.EventKind) string {
	switch kind {
	case engine.EventEarningsCredited:
		return TopicEarnings
	case engine.EventRewardDistributed:
		return TopicDistributions
	default:
		return TopicLifecycle
	}
}
