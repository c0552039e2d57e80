package ledger

import (
	"fmt"
)

// Audit cross-checks the balance pools against the running totals.
func (s *State) Audit() error {
	var sum uint64
	for _, acc := range s.accounts {
		var ok bool
		if sum, ok = add(sum, acc.Balance); !ok {
			return fmt.Errorf("%w: account balances overflow", ErrConservation)
		}
	}
	if sum != s.totalBalances {
		return fmt.Errorf("%w: total balances %d, accounts hold %d", ErrConservation, s.totalBalances, sum)
	}

	var pendingFees uint64
	for _, p := range s.pendingTxs {
		pendingFees += p.PendingRoutingFees
	}
	held := s.totalBalances + s.totals.SettleAmount + s.totals.BalancesForSettleTxFee +
		s.routingFeeWaiting + pendingFees + s.routingFeeConfirmed + s.routingFeeSettled
	if held != s.totals.Deposit {
		return fmt.Errorf("%w: deposited %d, accounted %d", ErrConservation, s.totals.Deposit, held)
	}

	if s.totals.BalancesForSettleTxFee != s.balancesForSettleTxFee+s.totals.SettleTxFee {
		return fmt.Errorf("%w: settle tx fee reserve %d + spent %d != collected %d", ErrConservation,
			s.balancesForSettleTxFee, s.totals.SettleTxFee, s.totals.BalancesForSettleTxFee)
	}
	return nil
}

// AccountReport is one row of a Report.
type AccountReport struct {
	Address string `json:"address"`
	Account
}

// Report is a read-only view of the whole ledger for diagnostics.
type Report struct {
	StateID                uint64            `json:"state_id"`
	BlockNumber            uint64            `json:"block_number"`
	OwnerAddress           string            `json:"owner_address,omitempty"`
	FeeAddress             string            `json:"fee_address,omitempty"`
	RoutingFee             uint64            `json:"routing_fee"`
	AvgTxFeePerByte        uint64            `json:"avg_tx_fee_per_byte"`
	TotalBalances          uint64            `json:"total_balances"`
	RoutingFeeWaiting      uint64            `json:"routing_fee_waiting"`
	RoutingFeeConfirmed    uint64            `json:"routing_fee_confirmed"`
	RoutingFeeSettled      uint64            `json:"routing_fee_settled"`
	BalancesForSettleTxFee uint64            `json:"balances_for_settle_tx_fee"`
	Totals                 Totals            `json:"totals"`
	Accounts               []AccountReport   `json:"accounts"`
	DepositRequests        int               `json:"deposit_requests"`
	UnusedDeposits         []Deposit         `json:"unused_deposits"`
	WaitingSettleRequests  []SettleRequest   `json:"waiting_settle_requests"`
	PendingSettleTxs       []PendingSettleTx `json:"pending_settle_txs"`
	Sessions               int               `json:"sessions"`
	AuditError             string            `json:"audit_error,omitempty"`
}

// Report snapshots the ledger. The returned value shares nothing with the state.
func (s *State) Report() Report {
	r := Report{
		StateID:                s.stateID,
		BlockNumber:            s.blockNumber,
		OwnerAddress:           s.ownerAddress,
		FeeAddress:             s.feeAddress,
		RoutingFee:             s.routingFee,
		AvgTxFeePerByte:        s.avgTxFeePerByte,
		TotalBalances:          s.totalBalances,
		RoutingFeeWaiting:      s.routingFeeWaiting,
		RoutingFeeConfirmed:    s.routingFeeConfirmed,
		RoutingFeeSettled:      s.routingFeeSettled,
		BalancesForSettleTxFee: s.balancesForSettleTxFee,
		Totals:                 s.totals,
		DepositRequests:        len(s.depositRequests),
		UnusedDeposits:         s.UnusedDeposits(),
		WaitingSettleRequests:  s.WaitingSettleRequests(),
		PendingSettleTxs:       s.PendingSettleTxs(),
		Sessions:               len(s.verifyKeys),
	}
	for _, addr := range s.Addresses() {
		r.Accounts = append(r.Accounts, AccountReport{Address: addr, Account: s.accounts[addr]})
	}
	if err := s.Audit(); err != nil {
		r.AuditError = err.Error()
	}
	return r
}
