// Package gateway turns a payout into a signed, broadcast Bitcoin
// transaction using the node wallet. Coin selection is deliberately minimal:
// one input, one payment output and one change output.
package gateway

import (
	"context"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gompay/internal/bitcoin"
	"github.com/bardlex/gompay/pkg/circuit"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

// DustThreshold is the smallest output value, in satoshis, the gateway will create.
const DustThreshold uint64 = 546

// Confirmation bounds passed to listunspent.
const (
	MinConf = 1
	MaxConf = 9999999
)

// Config controls transaction construction.
type Config struct {
	// FeeEstimateSats is the flat fee reserved from the spent output.
	FeeEstimateSats uint64
	// ChangeAddress receives the change. Empty means back to the spent output's address.
	ChangeAddress string
	// Params is the network addresses are checked against.
	Params *chaincfg.Params
}

// Gateway builds, signs and broadcasts payout transactions.
type Gateway struct {
	rpc    bitcoin.WalletRPC
	cfg    Config
	logger *log.Logger
}

// New returns a gateway over rpc. The change address, when set, must belong
// to cfg.Params.
func New(rpc bitcoin.WalletRPC, cfg Config, logger *log.Logger) (*Gateway, error) {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.ChangeAddress != "" {
		if err := bitcoin.ValidateAddress(cfg.ChangeAddress, cfg.Params); err != nil {
			return nil, errors.Permanent(err, errors.ErrorTypeValidation, "gateway_init",
				"invalid change address").
				WithContext("change_address", cfg.ChangeAddress)
		}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Gateway{rpc: rpc, cfg: cfg, logger: logger.WithComponent("gateway")}, nil
}

// Send pays amount satoshis to address and returns the broadcast txid.
//
// Failures carry one of the named causes: ErrDustAmount, ErrNoSpendableOutputs,
// ErrSigningIncomplete or ErrBroadcastRejected. Other RPC failures are
// returned as gateway errors. Once a transaction is signed its txid is
// returned with any send failure; a failure that is not an explicit node
// rejection also carries ErrBroadcastUncertain.
func (g *Gateway) Send(ctx context.Context, address string, amount uint64) (string, error) {
	logger := g.logger.WithFields("miner_address", address, "amount_satoshis", amount)

	if amount < DustThreshold {
		return "", errors.Permanent(errors.ErrDustAmount, errors.ErrorTypeGateway, "send",
			"payout amount below dust threshold").
			WithContext("amount", amount).
			WithContext("dust_threshold", DustThreshold)
	}
	if err := bitcoin.ValidateAddress(address, g.cfg.Params); err != nil {
		return "", errors.Permanent(err, errors.ErrorTypeValidation, "send",
			"invalid payout address").
			WithContext("address", address)
	}

	utxos, err := g.rpc.ListUnspent(ctx, MinConf, MaxConf)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeGateway, "list_unspent",
			"failed to list wallet outputs")
	}

	utxo, change, err := g.selectInput(utxos, amount)
	if err != nil {
		return "", err
	}

	changeAddress := g.cfg.ChangeAddress
	if changeAddress == "" {
		changeAddress = utxo.Address
	}
	if changeAddress == address {
		return "", errors.Permanent(fmt.Errorf("change address equals payout address %s", address),
			errors.ErrorTypeGateway, "send", "cannot split payment and change to one address")
	}

	outputs := map[string]uint64{
		address:       amount,
		changeAddress: change,
	}
	inputs := []bitcoin.TxInput{{TxID: utxo.TxID, Vout: utxo.Vout}}

	rawHex, err := g.rpc.CreateRawTransaction(ctx, inputs, outputs, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeGateway, "create_raw_transaction",
			"failed to build payout transaction").
			WithContext("utxo", fmt.Sprintf("%s:%d", utxo.TxID, utxo.Vout))
	}
	if _, err := bitcoin.CheckPayment(rawHex, address, amount, g.cfg.Params); err != nil {
		return "", errors.Permanent(err, errors.ErrorTypeGateway, "create_raw_transaction",
			"node built a transaction that does not match the payout")
	}

	signed, err := g.rpc.SignRawTransactionWithWallet(ctx, rawHex)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeGateway, "sign_raw_transaction",
			"failed to sign payout transaction")
	}
	if !signed.Complete {
		return "", errors.Permanent(errors.ErrSigningIncomplete, errors.ErrorTypeGateway,
			"sign_raw_transaction", "wallet could not sign every input").
			WithContext("utxo", fmt.Sprintf("%s:%d", utxo.TxID, utxo.Vout))
	}

	signedID, err := bitcoin.TxID(signed.Hex)
	if err != nil {
		return "", errors.Permanent(err, errors.ErrorTypeGateway, "sign_raw_transaction",
			"wallet returned an undecodable transaction")
	}

	txid, err := g.rpc.SendRawTransaction(ctx, signed.Hex)
	if err != nil {
		if bitcoin.IsRejection(err) || errors.Is(err, circuit.ErrOpen) {
			return signedID, errors.Permanent(fmt.Errorf("%w: %w", errors.ErrBroadcastRejected, err),
				errors.ErrorTypeGateway, "send_raw_transaction", "node did not accept payout transaction").
				WithContext("txid", signedID)
		}
		// The node may hold the transaction even though the call failed.
		logger.WithError(err).Error("payout transaction outcome unknown", "txid", signedID)
		return signedID, errors.Permanent(
			fmt.Errorf("%w: %w: %w", errors.ErrBroadcastRejected, errors.ErrBroadcastUncertain, err),
			errors.ErrorTypeGateway, "send_raw_transaction", "payout transaction may have reached the node").
			WithContext("txid", signedID)
	}

	logger.Info("payout transaction broadcast",
		"txid", txid,
		"change_satoshis", change,
		"fee_satoshis", g.cfg.FeeEstimateSats,
	)
	return txid, nil
}

// selectInput picks the first spendable output covering amount plus the fee
// estimate and returns the change it leaves.
func (g *Gateway) selectInput(utxos []bitcoin.UTXO, amount uint64) (bitcoin.UTXO, uint64, error) {
	fee := g.cfg.FeeEstimateSats
	if amount > math.MaxUint64-fee {
		return bitcoin.UTXO{}, 0, errors.Permanent(errors.ErrNoSpendableOutputs, errors.ErrorTypeGateway,
			"select_input", "payout plus fee overflows").
			WithContext("amount", amount)
	}
	need := amount + fee

	for _, u := range utxos {
		if !u.Spendable || u.AmountSats < need {
			continue
		}
		change := u.AmountSats - need
		if change < DustThreshold {
			return bitcoin.UTXO{}, 0, errors.Permanent(errors.ErrDustAmount, errors.ErrorTypeGateway,
				"select_input", "change below dust threshold").
				WithContext("utxo", fmt.Sprintf("%s:%d", u.TxID, u.Vout)).
				WithContext("change", change)
		}
		return u, change, nil
	}

	return bitcoin.UTXO{}, 0, errors.Permanent(errors.ErrNoSpendableOutputs, errors.ErrorTypeGateway,
		"select_input", "no wallet output covers the payout").
		WithContext("required", need).
		WithContext("candidates", len(utxos))
}

// Status reports the confirmation state of a broadcast payout.
func (g *Gateway) Status(ctx context.Context, txid string) (bitcoin.TxStatus, error) {
	status, err := g.rpc.GetTransactionStatus(ctx, txid)
	if err != nil {
		return bitcoin.TxStatus{}, errors.Wrap(err, errors.ErrorTypeGateway, "transaction_status",
			"failed to fetch payout transaction status").
			WithContext("txid", txid)
	}
	return status, nil
}

// Ping checks the node is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.rpc.Ping(ctx)
}
