package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
)

// Verify the signature of a transaction input
func verifySignature(tx *wire.MsgTx, index int, scriptPubKey []byte, amount int64) (bool, error) {
	flags := txscript.StandardVerifyFlags

	prevOutputs := txscript.NewCannedPrevOutputFetcher(scriptPubKey, amount)

	engine, err := txscript.NewEngine(scriptPubKey, tx, index, flags, nil, nil, amount, prevOutputs)
	if err != nil {
		return false, fmt.Errorf("failed to create script engine: %w", err)
	}
	if err := engine.Execute(); err != nil {
		return false, fmt.Errorf("failed to execute script: %w", err)
	}
	return true, nil
}

// VerifyTransactionInElectrumMempool reports whether the server knows txid.
func VerifyTransactionInElectrumMempool(client *electrum.Client, txid string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := client.GetRawTransaction(ctx, txid)
	if err != nil {
		return false, fmt.Errorf("error checking Electrum mempool: %w", err)
	}
	return tx != "", nil
}
