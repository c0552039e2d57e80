package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/lib/transaction"
)

var ErrNoBuilder = errors.New("no settlement transaction builder configured")

// SettleTxBuilder turns a settlement plan into a signed transaction.
type SettleTxBuilder interface {
	BuildSettlement(plan *ledger.SettlementPlan) (*transaction.Signed, error)
}

// TxBuilder spends every planned deposit, pays each request its payout and
// returns change to the owner address.
type TxBuilder struct {
	Builder *transaction.Builder
}

func (b TxBuilder) BuildSettlement(plan *ledger.SettlementPlan) (*transaction.Signed, error) {
	inputs := make([]transaction.Input, 0, len(plan.Deposits))
	for _, d := range plan.Deposits {
		in := transaction.Input{Amount: d.Amount, WIF: d.ManagerPrivateKey}
		in.OutPoint.Hash = d.TxHash
		in.OutPoint.Index = d.TxIndex
		inputs = append(inputs, in)
	}
	outputs := make([]transaction.Output, 0, len(plan.Requests))
	for _, r := range plan.Requests {
		outputs = append(outputs, transaction.Output{Address: r.Address, Amount: r.Payout()})
	}
	return b.Builder.Build(inputs, outputs, plan.ChangeAddress, plan.PendingTxFee)
}

// Settlement is a batch that has been committed to the ledger.
type Settlement struct {
	Signed   *transaction.Signed
	Requests int
	Inputs   int
	TxFee    uint64
	// TxID is set once a broadcaster accepted the transaction.
	TxID string
}

// BuildSettlement plans, signs and commits the next batch, then broadcasts it
// outside the lock. A broadcast failure is logged and leaves the batch pending;
// rebroadcasting is left to the operator.
func (h *Hub) BuildSettlement(ctx context.Context) (*Settlement, error) {
	if h.builder == nil {
		return nil, ErrNoBuilder
	}

	h.mu.Lock()
	plan, err := h.state.PlanSettlement()
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	signed, err := h.builder.BuildSettlement(plan)
	if err != nil {
		h.mu.Unlock()
		h.metrics.Settlement("build_failed")
		if errors.Is(err, transaction.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: %v", ledger.ErrInsufficientBalance, err)
		}
		return nil, err
	}
	err = h.state.CommitSettlement(plan, ledger.BuiltSettlement{
		TxHash:       signed.Hash,
		HasChange:    signed.HasChange,
		ChangeIndex:  signed.ChangeIndex,
		ChangeAmount: signed.ChangeAmount,
	})
	if err == nil {
		h.generation++
	}
	h.publishLocked()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	h.metrics.Settlement("built")
	s := &Settlement{Signed: signed, Requests: len(plan.Requests), Inputs: len(plan.Deposits), TxFee: plan.PendingTxFee}
	h.log.Info().Str("tx", signed.Hash.String()).Int("requests", s.Requests).Int("inputs", s.Inputs).
		Uint64("fee", s.TxFee).Bool("clean_up", plan.CleanUp).Msg("settlement committed")

	if h.broadcaster == nil {
		return s, nil
	}
	txid, err := h.broadcaster.Broadcast(ctx, signed.Raw)
	if err != nil {
		h.metrics.Settlement("broadcast_failed")
		h.log.Error().Err(err).Str("tx", signed.Hash.String()).Msg("settlement broadcast failed")
		return s, nil
	}
	s.TxID = txid
	h.metrics.Settlement("broadcast")
	return s, nil
}
