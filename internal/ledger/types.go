package ledger

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HostSession is the session identifier reserved for owner-issued commands.
const HostSession = "host"

// Account is a user's balance held by the hub.
type Account struct {
	Balance                 uint64 `json:"balance"`
	Nonce                   uint64 `json:"nonce"`
	MinRequestedBlockNumber uint64 `json:"min_requested_block_number"`
	LatestSPVBlockNumber    uint64 `json:"latest_spv_block_number"`
	SettleAddress           string `json:"settle_address"`
}

// DepositRequest is issued per deposit invitation and keyed by its manager address.
type DepositRequest struct {
	SenderAddress     string `json:"sender_address"`
	SettleAddress     string `json:"settle_address"`
	ManagerPrivateKey string `json:"-"`
	BlockNumber       uint64 `json:"block_number"`
}

// Deposit is an on-chain output owned by the hub.
type Deposit struct {
	TxHash            chainhash.Hash `json:"tx_hash"`
	TxIndex           uint32         `json:"tx_index"`
	Amount            uint64         `json:"amount"`
	ManagerPrivateKey string         `json:"-"`
}

// SettleRequest is a withdrawal waiting for, or included in, a settlement batch.
type SettleRequest struct {
	Address               string `json:"address"`
	Amount                uint64 `json:"amount"`
	BalanceForSettleTxFee uint64 `json:"balance_for_settle_tx_fee"`
	// RoutingFee marks an owner payout of collected routing fees.
	RoutingFee bool `json:"routing_fee"`
}

// PendingSettleTx is a settlement batch that has been built but not yet observed on chain.
type PendingSettleTx struct {
	TxHash                chainhash.Hash  `json:"tx_hash"`
	PendingBalances       uint64          `json:"pending_balances"`
	PendingRoutingFees    uint64          `json:"pending_routing_fees"`
	PendingTxFee          uint64          `json:"pending_tx_fee"`
	UsedDeposits          []Deposit       `json:"used_deposits"`
	PendingSettleRequests []SettleRequest `json:"pending_settle_requests"`
	LeftoverDeposit       *Deposit        `json:"leftover_deposit,omitempty"`
}

// Totals are the running counters used to cross-check conservation.
type Totals struct {
	Deposit                uint64 `json:"deposit"`
	SettleAmount           uint64 `json:"settle_amount"`
	BalancesForSettleTxFee uint64 `json:"balances_for_settle_tx_fee"`
	SettleTxFee            uint64 `json:"settle_tx_fee"`
}

// Params are the fixed sizing constants of the fee model.
type Params struct {
	ChainParams    *chaincfg.Params
	TxInputSize    uint64
	TxOutputSize   uint64
	TaxRatePercent uint64
	// DustLimit is the largest output value that is not worth paying on chain.
	// Settlement payouts must exceed it.
	DustLimit uint64
	// EnforceReceiverSync rejects payments to receivers that have not proven
	// the sender's minimum requested block.
	EnforceReceiverSync bool
}

// DefaultParams returns the standard P2PKH sizing with a 10% fee tax.
func DefaultParams(net *chaincfg.Params) Params {
	return Params{
		ChainParams:    net,
		TxInputSize:    150,
		TxOutputSize:   40,
		TaxRatePercent: 110,
		DustLimit:      546,
	}
}
