package bitcoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// PaymentCheck summarizes a decoded transaction against an intended payment.
type PaymentCheck struct {
	TxID        string
	Inputs      int
	Outputs     int
	PaidSats    uint64
	OutputTotal uint64
}

// PayToAddress returns the output script for address on the given network.
func PayToAddress(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %s: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return pkScript, nil
}

// TxID returns the id of the serialized transaction txHex.
func TxID(txHex string) (string, error) {
	tx, err := decodeTx(txHex)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// CheckPayment decodes txHex and verifies it pays exactly amountSats to
// address in a single output. It runs before signing so a transaction built
// by the node is never broadcast with a different recipient or value.
func CheckPayment(txHex, address string, amountSats uint64, params *chaincfg.Params) (PaymentCheck, error) {
	tx, err := decodeTx(txHex)
	if err != nil {
		return PaymentCheck{}, err
	}
	pkScript, err := PayToAddress(address, params)
	if err != nil {
		return PaymentCheck{}, err
	}

	check := PaymentCheck{
		TxID:    tx.TxHash().String(),
		Inputs:  len(tx.TxIn),
		Outputs: len(tx.TxOut),
	}

	matches := 0
	for _, out := range tx.TxOut {
		if out.Value < 0 {
			return check, fmt.Errorf("negative output value %d", out.Value)
		}
		check.OutputTotal += uint64(out.Value)
		if bytes.Equal(out.PkScript, pkScript) {
			matches++
			check.PaidSats += uint64(out.Value)
		}
	}

	switch {
	case matches == 0:
		return check, fmt.Errorf("transaction %s has no output to %s", check.TxID, address)
	case matches > 1:
		return check, fmt.Errorf("transaction %s pays %s in %d outputs", check.TxID, address, matches)
	case check.PaidSats != amountSats:
		return check, fmt.Errorf("transaction %s pays %d sats to %s, want %d",
			check.TxID, check.PaidSats, address, amountSats)
	}
	return check, nil
}
