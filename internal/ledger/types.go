package ledger

import "time"

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

// Payouts only move forward: Pending -> Broadcast -> Confirmed|Failed.
// A Pending payout may also go straight to Failed when broadcasting it fails.
const (
	StatusPending   PayoutStatus = "Pending"
	StatusBroadcast PayoutStatus = "Broadcast"
	StatusConfirmed PayoutStatus = "Confirmed"
	StatusFailed    PayoutStatus = "Failed"
)

// IsTerminal reports whether no transition leaves s.
func (s PayoutStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Reserved reports whether a payout in state s still holds funds taken from
// the miner's balance (Failed payouts hold them until refunded).
func (s PayoutStatus) Reserved() bool {
	return s == StatusPending || s == StatusBroadcast || s == StatusConfirmed
}

// MinerBalance is the ledger entry of one address.
type MinerBalance struct {
	Address     string    `json:"address"`
	Balance     uint64    `json:"balance_satoshis"`
	TotalEarned uint64    `json:"total_earned_satoshis"`
	TotalPaid   uint64    `json:"total_paid_satoshis"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Payout is one on-chain transfer to a miner. Optional fields are nil until
// the lifecycle sets them; they are never modified in place.
type Payout struct {
	ID            string       `json:"id"`
	Address       string       `json:"address"`
	Amount        uint64       `json:"amount_satoshis"`
	TxID          *string      `json:"txid"`
	BlockHeight   *int64       `json:"block_height"`
	Status        PayoutStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	BroadcastAt   *time.Time   `json:"broadcast_at"`
	Confirmations uint32       `json:"confirmations"`
	Error         *string      `json:"error"`
	RefundedAt    *time.Time   `json:"refunded_at,omitempty"`
}

// TxIDOrEmpty returns the transaction id or "".
func (p Payout) TxIDOrEmpty() string {
	if p.TxID == nil {
		return ""
	}
	return *p.TxID
}

// Refunded reports whether a failed payout's amount went back to the balance.
func (p Payout) Refunded() bool {
	return p.RefundedAt != nil
}

// Stats aggregates the ledger for monitoring.
type Stats struct {
	TotalMiners    int    `json:"total_miners"`
	TotalBalance   uint64 `json:"total_balance_satoshis"`
	TotalPaid      uint64 `json:"total_paid_satoshis"`
	PendingAmount  uint64 `json:"pending_amount_satoshis"`
	ConfirmedCount int    `json:"confirmed_count"`
	PendingCount   int    `json:"pending_count"`
	FailedCount    int    `json:"failed_count"`
}

// Snapshot is a consistent copy of the whole ledger. Blocks lists the
// heights whose rewards were distributed, ascending.
type Snapshot struct {
	Balances map[string]MinerBalance
	Payouts  []Payout
	Blocks   []int64
}
