package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompay/pkg/circuit"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/retry"
)

// RPCClient talks to a Bitcoin Core wallet over JSON-RPC. Every call goes
// through a circuit breaker and a retry policy; a JSON-RPC error object from
// the node is returned as a permanent error and never retried.
type RPCClient struct {
	client         *rpcclient.Client
	params         *chaincfg.Params
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	sendConfig     *retry.Config
}

// RPCOption customizes an RPCClient.
type RPCOption func(*RPCClient)

// WithBreaker replaces the wallet circuit breaker.
func WithBreaker(cb *circuit.Breaker) RPCOption {
	return func(c *RPCClient) { c.circuitBreaker = cb }
}

// WithRetryConfig sets the retry policy for read and build calls and, when
// send is non-nil, for sendrawtransaction.
func WithRetryConfig(calls, send *retry.Config) RPCOption {
	return func(c *RPCClient) {
		if calls != nil {
			c.retryConfig = calls
		}
		if send != nil {
			c.sendConfig = send
		}
	}
}

// NewRPCClient creates a Bitcoin Core RPC client in HTTP POST mode with TLS
// disabled, which is typical for a wallet node on the same host.
//
// Parameters:
//   - host: Bitcoin Core hostname or IP address
//   - port: Bitcoin Core RPC port (typically 8332 for mainnet)
//   - username, password: RPC credentials
//   - network: mainnet, testnet3, regtest or signet
func NewRPCClient(host string, port int, username, password, network string, opts ...RPCOption) (*RPCClient, error) {
	params, err := NetParams(network)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "rpc_client_creation",
			"invalid bitcoin network").
			WithContext("network", network)
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		Params:       params.Name,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	c := &RPCClient{
		client:         client,
		params:         params,
		circuitBreaker: circuit.New(circuit.WalletConfig()),
		retryConfig:    retry.NetworkConfig(),
		sendConfig:     retry.BroadcastConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close gracefully shuts down the RPC client and releases any resources.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// Params returns the chain parameters addresses are decoded against.
func (c *RPCClient) Params() *chaincfg.Params {
	return c.params
}

// BreakerStats exposes the wallet breaker for health reporting.
func (c *RPCClient) BreakerStats() circuit.Stats {
	return c.circuitBreaker.GetStats()
}

// rpcFailure classifies an rpcclient error. A JSON-RPC error object means the
// node understood and refused the request.
func rpcFailure(err error, op, msg string) *errors.ServiceError {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return errors.Permanent(err, errors.ErrorTypeBitcoin, op, msg).
			WithContext("rpc_code", int(rpcErr.Code))
	}
	return errors.Wrap(err, errors.ErrorTypeBitcoin, op, msg)
}

// IsRejection reports whether err carries an error reply from the node, as
// opposed to a transport failure whose outcome is unknown.
func IsRejection(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr)
}

// ListUnspent returns wallet outputs with confirmations in [minConf, maxConf].
func (c *RPCClient) ListUnspent(ctx context.Context, minConf, maxConf int) ([]UTXO, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() ([]UTXO, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([]UTXO, error) {
			results, err := c.client.ListUnspentMinMaxAsync(minConf, maxConf).Receive()
			if err != nil {
				return nil, rpcFailure(err, "list_unspent", "failed to list unspent outputs")
			}

			utxos := make([]UTXO, 0, len(results))
			for _, r := range results {
				sats, err := ToSatoshis(r.Amount)
				if err != nil {
					return nil, errors.Permanent(err, errors.ErrorTypeBitcoin, "list_unspent",
						"node returned an invalid amount").
						WithContext("txid", r.TxID).
						WithContext("vout", r.Vout)
				}
				utxos = append(utxos, UTXO{
					TxID:          r.TxID,
					Vout:          r.Vout,
					Address:       r.Address,
					AmountSats:    sats,
					Confirmations: r.Confirmations,
					Spendable:     r.Spendable,
				})
			}
			return utxos, nil
		})
	})
}

// CreateRawTransaction builds an unsigned transaction and returns its hex.
func (c *RPCClient) CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]uint64, lockTime *int64) (string, error) {
	txInputs := make([]btcjson.TransactionInput, len(inputs))
	for i, in := range inputs {
		txInputs[i] = btcjson.TransactionInput{Txid: in.TxID, Vout: in.Vout}
	}

	amounts := make(map[btcutil.Address]btcutil.Amount, len(outputs))
	for address, sats := range outputs {
		addr, err := btcutil.DecodeAddress(address, c.params)
		if err != nil {
			return "", errors.Permanent(err, errors.ErrorTypeValidation, "create_raw_transaction",
				"invalid output address").
				WithContext("address", address)
		}
		amounts[addr] = btcutil.Amount(sats)
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			tx, err := c.client.CreateRawTransactionAsync(txInputs, amounts, lockTime).Receive()
			if err != nil {
				return "", rpcFailure(err, "create_raw_transaction", "failed to create raw transaction").
					WithContext("inputs", len(inputs)).
					WithContext("outputs", len(outputs))
			}
			return encodeTx(tx)
		})
	})
}

// SignRawTransactionWithWallet signs txHex with the wallet's keys.
func (c *RPCClient) SignRawTransactionWithWallet(ctx context.Context, txHex string) (SignResult, error) {
	tx, err := decodeTx(txHex)
	if err != nil {
		return SignResult{}, err
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (SignResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (SignResult, error) {
			signed, complete, err := c.client.SignRawTransactionWithWalletAsync(tx).Receive()
			if err != nil {
				return SignResult{}, rpcFailure(err, "sign_raw_transaction", "failed to sign transaction")
			}
			signedHex, err := encodeTx(signed)
			if err != nil {
				return SignResult{}, err
			}
			return SignResult{Hex: signedHex, Complete: complete}, nil
		})
	})
}

// SendRawTransaction broadcasts a signed transaction and returns its txid.
func (c *RPCClient) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	tx, err := decodeTx(txHex)
	if err != nil {
		return "", err
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.sendConfig, func() (string, error) {
			hash, err := c.client.SendRawTransactionAsync(tx, false).Receive()
			if err != nil {
				return "", rpcFailure(err, "send_raw_transaction", "failed to broadcast transaction").
					WithContext("txid", tx.TxHash().String())
			}
			return hash.String(), nil
		})
	})
}

// GetTransactionStatus reports confirmations for a wallet transaction. When
// the transaction is mined, the block height is resolved from its header.
func (c *RPCClient) GetTransactionStatus(ctx context.Context, txid string) (TxStatus, error) {
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return TxStatus{}, errors.Permanent(err, errors.ErrorTypeValidation, "get_transaction",
			"failed to parse txid").
			WithContext("txid", txid)
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (TxStatus, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (TxStatus, error) {
			result, err := c.client.GetTransactionAsync(txHash).Receive()
			if err != nil {
				return TxStatus{}, rpcFailure(err, "get_transaction", "failed to fetch wallet transaction").
					WithContext("txid", txid)
			}

			status := TxStatus{TxID: txid, BlockHash: result.BlockHash}
			if result.Confirmations < 0 {
				status.Conflicted = true
				return status, nil
			}
			status.Confirmations = uint32(result.Confirmations)

			if result.BlockHash == "" {
				return status, nil
			}
			blockHash, err := chainhash.NewHashFromStr(result.BlockHash)
			if err != nil {
				return TxStatus{}, errors.Permanent(err, errors.ErrorTypeBitcoin, "get_transaction",
					"node returned an invalid block hash").
					WithContext("block_hash", result.BlockHash)
			}
			header, err := c.client.GetBlockHeaderVerboseAsync(blockHash).Receive()
			if err != nil {
				return TxStatus{}, rpcFailure(err, "get_block_header", "failed to fetch block header").
					WithContext("block_hash", result.BlockHash)
			}
			status.BlockHeight = int64(header.Height)
			return status, nil
		})
	})
}

// GetBlockCount gets the current block count.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, rpcFailure(err, "get_block_count", "failed to retrieve current block height")
			}
			return count, nil
		})
	})
}

// ValidateAddress checks address against the client's network without a
// round trip to the node.
func (c *RPCClient) ValidateAddress(address string) error {
	if err := ValidateAddress(address, c.params); err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "validate_address",
			"invalid bitcoin address").
			WithContext("address", address).
			WithContext("network", c.params.Name)
	}
	return nil
}

// Ping tests the connection to Bitcoin Core.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"Bitcoin Core connectivity check failed")
			}
			return nil
		})
	})
}

func decodeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, errors.Permanent(err, errors.ErrorTypeValidation, "tx_decoding",
			"invalid transaction hex encoding").
			WithContext("hex_length", len(txHex))
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Permanent(err, errors.ErrorTypeValidation, "tx_decoding",
			"failed to deserialize transaction").
			WithContext("tx_size", len(raw))
	}
	return tx, nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", errors.Permanent(err, errors.ErrorTypeBitcoin, "tx_encoding",
			"failed to serialize transaction")
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
