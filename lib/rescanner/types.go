package rescanner

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type ScanConfig struct {
	ChainParams *chaincfg.Params
	// IsWatched reports whether an encoded address belongs to the hub.
	IsWatched func(address string) bool
}

// Match is one transaction output paying a watched address.
type Match struct {
	TxHash  chainhash.Hash
	Index   uint32
	Address string
	Amount  uint64
}
