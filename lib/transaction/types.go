package transaction

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type FeeRecommendation struct {
	FastestFee  int `json:"fastestFee"`
	HalfHourFee int `json:"halfHourFee"`
	HourFee     int `json:"hourFee"`
	EconomyFee  int `json:"economyFee"`
	MinimumFee  int `json:"minimumFee"`
}

// Config holds the configuration for the Electrum broadcaster
type ElectrumConfig struct {
	ServerAddr string
	UseSSL     bool
}

// Input is a P2PKH output the hub can spend with the WIF-encoded key.
type Input struct {
	OutPoint wire.OutPoint
	Amount   uint64
	WIF      string
}

type Output struct {
	Address string
	Amount  uint64
}

// Signed is a fully signed transaction ready for broadcast.
type Signed struct {
	Tx           *wire.MsgTx
	Hash         chainhash.Hash
	Raw          []byte
	HasChange    bool
	ChangeIndex  uint32
	ChangeAmount uint64
}
