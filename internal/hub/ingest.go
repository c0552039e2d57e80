package hub

import (
	"context"

	"github.com/btcsuite/btcd/wire"

	"github.com/Maphikza/btc-payment-hub.git/lib/rescanner"
)

// BlockResult summarizes what one ingested block did to the ledger.
type BlockResult struct {
	Height    uint64
	Credited  int
	Dropped   int
	Confirmed bool
}

// IngestBlock applies a block to the ledger: it records the height and fee
// rate, credits deposits to manager addresses and retires the pending batch
// when its transaction appears. The fee rate is fetched before taking the lock;
// a failed fetch keeps the previous rate.
func (h *Hub) IngestBlock(ctx context.Context, height uint64, txs []*wire.MsgTx) (BlockResult, error) {
	rate, feeErr := h.fees.FeePerByte(ctx)
	if feeErr != nil {
		h.log.Warn().Err(feeErr).Uint64("height", height).Msg("fee estimate unavailable, keeping previous rate")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.generation++
	res := BlockResult{Height: height}
	h.state.SetBlockNumber(height)
	if feeErr == nil && rate > 0 {
		h.state.SetAvgTxFeePerByte(rate)
	}

	params := h.state.Params()
	matches := rescanner.ScanBlock(txs, rescanner.ScanConfig{
		ChainParams: params.ChainParams,
		IsWatched:   h.state.IsManagerAddress,
	})
	for _, m := range matches {
		credited, err := h.state.IngestDeposit(m.Address, m.TxHash, m.Index, m.Amount, height)
		if err != nil {
			h.log.Error().Err(err).Str("tx", m.TxHash.String()).Uint32("vout", m.Index).Msg("deposit rejected")
			res.Dropped++
			h.metrics.Deposit(false)
			continue
		}
		if credited {
			res.Credited++
		} else {
			res.Dropped++
		}
		h.metrics.Deposit(credited)
	}

	if pending, ok := h.state.PendingSettleTxHash(); ok && rescanner.ContainsTx(txs, pending) {
		if err := h.state.ConfirmSettlement(pending); err != nil {
			h.publishLocked()
			return res, err
		}
		res.Confirmed = true
		h.metrics.Settlement("confirmed")
		h.log.Info().Str("tx", pending.String()).Uint64("height", height).Msg("settlement confirmed")
	}

	h.publishLocked()
	if res.Credited > 0 || res.Confirmed {
		h.log.Info().Uint64("height", height).Int("credited", res.Credited).Bool("confirmed", res.Confirmed).Msg("block ingested")
	}
	return res, nil
}
