package bitcoin

import (
	"context"
)

// WalletRPC is the subset of Bitcoin Core's wallet RPC needed to pay out.
//
// All methods take a context for cancellation. Errors returned for a node
// rejection (a JSON-RPC error object) are not retryable; transport errors are.
type WalletRPC interface {
	// ListUnspent returns wallet outputs with confirmations in [minConf, maxConf].
	ListUnspent(ctx context.Context, minConf, maxConf int) ([]UTXO, error)

	// CreateRawTransaction builds an unsigned transaction spending inputs
	// and paying outputs (address -> satoshis). Returns the hex encoding.
	CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]uint64, lockTime *int64) (string, error)

	// SignRawTransactionWithWallet signs with wallet keys.
	SignRawTransactionWithWallet(ctx context.Context, txHex string) (SignResult, error)

	// SendRawTransaction broadcasts a signed transaction and returns its txid.
	SendRawTransaction(ctx context.Context, txHex string) (string, error)

	// GetTransactionStatus returns confirmations and block of a wallet transaction.
	GetTransactionStatus(ctx context.Context, txid string) (TxStatus, error)

	// Ping tests connectivity to Bitcoin Core.
	Ping(ctx context.Context) error
}

// ZMQInterface defines the contract for Bitcoin Core ZMQ notifications.
type ZMQInterface interface {
	// Subscribe adds a topic subscription for ZMQ notifications.
	Subscribe(topic string) error

	// Connect establishes connection to the ZMQ endpoint.
	Connect() error

	// Listen delivers every notification to handler until ctx is done.
	Listen(ctx context.Context, handler func(Notification) error) error

	// Close gracefully shuts down the ZMQ connection.
	Close() error
}

// Compile-time interface compliance checks
var (
	_ WalletRPC    = (*RPCClient)(nil)
	_ ZMQInterface = (*ZMQNotifier)(nil)
)
