package rescanner

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

// ScanBlock returns every output in txs that pays a watched address, in block
// order. Outputs with non-standard or multi-address scripts are skipped.
func ScanBlock(txs []*wire.MsgTx, config ScanConfig) []Match {
	var matches []Match
	for _, tx := range txs {
		hash := tx.TxHash()
		for i, txOut := range tx.TxOut {
			addr, ok := outputAddress(txOut, config)
			if !ok || !config.IsWatched(addr) {
				continue
			}
			logger.Debug("watched output found", "tx", hash.String(), "vout", i, "address", addr,
				"amount", btcutil.Amount(txOut.Value).String())
			matches = append(matches, Match{
				TxHash:  hash,
				Index:   uint32(i),
				Address: addr,
				Amount:  uint64(txOut.Value),
			})
		}
	}
	return matches
}

// ContainsTx reports whether a transaction with the given hash is in txs.
func ContainsTx(txs []*wire.MsgTx, want chainhash.Hash) bool {
	for _, tx := range txs {
		if tx.TxHash() == want {
			return true
		}
	}
	return false
}

func outputAddress(txOut *wire.TxOut, config ScanConfig) (string, bool) {
	if txOut.Value <= 0 {
		return "", false
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, config.ChainParams)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	return addrs[0].EncodeAddress(), true
}
