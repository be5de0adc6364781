// Package bitcoin wraps the Bitcoin Core wallet RPC and ZMQ feeds used to
// pay miners.
package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// UTXO is a wallet output as reported by listunspent, valued in satoshis.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Address       string `json:"address"`
	AmountSats    uint64 `json:"amount_satoshis"`
	Confirmations int64  `json:"confirmations"`
	Spendable     bool   `json:"spendable"`
}

// TxInput references an output to spend.
type TxInput struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// SignResult is the outcome of signrawtransactionwithwallet.
type SignResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
}

// TxStatus is the wallet's view of a transaction it sent.
type TxStatus struct {
	TxID          string `json:"txid"`
	Confirmations uint32 `json:"confirmations"`
	BlockHash     string `json:"blockhash,omitempty"`
	BlockHeight   int64  `json:"blockheight,omitempty"`
	// Conflicted is set when the node reports negative confirmations, i.e.
	// the transaction conflicts with one in the best chain.
	Conflicted bool `json:"conflicted,omitempty"`
}

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// ToSatoshis converts a BTC value from an RPC response.
func ToSatoshis(btc float64) (uint64, error) {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0, err
	}
	if amt < 0 {
		return 0, fmt.Errorf("negative amount %v", btc)
	}
	return uint64(amt), nil
}

// ValidateAddress reports whether address decodes for the given network.
func ValidateAddress(address string, params *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return err
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("address %s is not for %s", address, params.Name)
	}
	return nil
}
