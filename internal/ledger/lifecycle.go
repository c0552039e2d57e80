package ledger

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// IngestDeposit credits an observed payment to a manager address. Deposits at
// or below the dust floor are dropped without error and report false.
func (s *State) IngestDeposit(managerAddr string, txHash chainhash.Hash, index uint32, amount, height uint64) (bool, error) {
	req, ok := s.depositRequests[managerAddr]
	if !ok {
		return false, ErrInvalidParameters
	}
	if s.hasDeposit(txHash, index) {
		return false, nil
	}

	forTxFee := s.BalanceForTxFee()
	if amount <= satAdd(forTxFee, s.routingFee) {
		return false, nil
	}
	credit := amount - forTxFee - s.routingFee

	acc := s.accounts[req.SenderAddress]
	balance, ok1 := add(acc.Balance, credit)
	total, ok2 := add(s.totalBalances, credit)
	reserve, ok3 := add(s.balancesForSettleTxFee, forTxFee)
	waiting, ok4 := add(s.routingFeeWaiting, s.routingFee)
	deposited, ok5 := add(s.totals.Deposit, amount)
	reserveTotal, ok6 := add(s.totals.BalancesForSettleTxFee, forTxFee)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return false, ErrInvalidParameters
	}

	acc.Balance = balance
	acc.SettleAddress = req.SettleAddress
	if credit > 0 && acc.MinRequestedBlockNumber < height {
		acc.MinRequestedBlockNumber = height
	}
	s.accounts[req.SenderAddress] = acc

	s.totalBalances = total
	s.balancesForSettleTxFee = reserve
	s.routingFeeWaiting = waiting
	s.totals.Deposit = deposited
	s.totals.BalancesForSettleTxFee = reserveTotal

	s.deposits = append(s.deposits, Deposit{
		TxHash:            txHash,
		TxIndex:           index,
		Amount:            amount,
		ManagerPrivateKey: req.ManagerPrivateKey,
	})
	s.stateID++
	return true, nil
}

func (s *State) hasDeposit(txHash chainhash.Hash, index uint32) bool {
	match := func(d Deposit) bool { return d.TxHash == txHash && d.TxIndex == index }
	for _, d := range s.deposits {
		if match(d) {
			return true
		}
	}
	for _, p := range s.pendingTxs {
		for _, d := range p.UsedDeposits {
			if match(d) {
				return true
			}
		}
	}
	return false
}

// SettlementPlan is a batch computed from the waiting queues but not yet applied.
type SettlementPlan struct {
	Requests []SettleRequest
	// Deferred are waiting requests whose payout would not clear the dust
	// limit in this batch. They stay queued, in order, for a later batch.
	Deferred           []SettleRequest
	Deposits           []Deposit
	PendingBalances    uint64
	PendingRoutingFees uint64
	PendingTxFee       uint64
	// Bonus is the settle-tx-fee reserve handed to the first request of a
	// clean-up batch.
	Bonus         uint64
	CleanUp       bool
	ChangeAddress string
	ChangeKey     string
}

// Payout is what the request's destination receives on chain.
func (r SettleRequest) Payout() uint64 {
	return r.Amount - r.BalanceForSettleTxFee
}

// BuiltSettlement describes the transaction produced for a plan.
type BuiltSettlement struct {
	TxHash       chainhash.Hash
	HasChange    bool
	ChangeIndex  uint32
	ChangeAmount uint64
}

// PlanSettlement computes the next settlement batch without mutating state.
// Requests whose payout would be at or below the dust limit are deferred and
// the batch is recomputed without them; ErrNoBatchReady is returned when no
// request can be paid.
func (s *State) PlanSettlement() (*SettlementPlan, error) {
	if len(s.pendingTxs) > 0 || len(s.settleRequests) == 0 || len(s.deposits) == 0 {
		return nil, ErrNoBatchReady
	}

	include := make([]int, len(s.settleRequests))
	for i := range include {
		include[i] = i
	}
	for {
		plan, err := s.planBatch(include)
		if err != nil {
			return nil, err
		}
		var kept []int
		for i, r := range plan.Requests {
			if r.Payout() > s.params.DustLimit {
				kept = append(kept, include[i])
			}
		}
		if len(kept) == len(include) {
			plan.Deferred = s.deferredExcept(include)
			if err := s.fundPlan(plan); err != nil {
				return nil, err
			}
			return plan, nil
		}
		if len(kept) == 0 {
			return nil, ErrNoBatchReady
		}
		include = kept
	}
}

func (s *State) deferredExcept(include []int) []SettleRequest {
	var deferred []SettleRequest
	next := 0
	for i, r := range s.settleRequests {
		if next < len(include) && include[next] == i {
			next++
			continue
		}
		deferred = append(deferred, r)
	}
	return deferred
}

// planBatch computes a batch paying the waiting requests at the given indexes.
func (s *State) planBatch(include []int) (*SettlementPlan, error) {
	n := uint64(len(include))
	inputs := uint64(len(s.deposits))
	cleanUp := s.totalBalances == 0 && s.routingFeeWaiting == 0 && s.routingFeeConfirmed == 0

	outputs := n
	if !cleanUp {
		outputs++
	}
	inBytes, ok1 := mul(inputs, s.params.TxInputSize)
	outBytes, ok2 := mul(outputs, s.params.TxOutputSize)
	size, ok3 := add(inBytes, outBytes)
	txFee, ok4 := mul(size, s.avgTxFeePerByte)
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil, ErrInvalidParameters
	}

	requests := make([]SettleRequest, 0, len(include))
	for _, i := range include {
		requests = append(requests, s.settleRequests[i])
	}
	plan := &SettlementPlan{
		Requests:      requests,
		Deposits:      append([]Deposit(nil), s.deposits...),
		PendingTxFee:  txFee,
		CleanUp:       cleanUp,
		ChangeAddress: s.ownerAddress,
		ChangeKey:     s.ownerPrivateKey,
	}

	if cleanUp {
		plan.Bonus = s.balancesForSettleTxFee
		amount, ok := add(plan.Requests[0].Amount, plan.Bonus)
		if !ok {
			return nil, ErrInvalidParameters
		}
		plan.Requests[0].Amount = amount
		share, rem := txFee/n, txFee%n
		for i := range plan.Requests {
			plan.Requests[i].BalanceForSettleTxFee = share
		}
		plan.Requests[0].BalanceForSettleTxFee += rem
	} else {
		perRequest := (outputs*s.params.TxOutputSize + s.params.TxInputSize) / n
		base, ok := mul(perRequest, s.avgTxFeePerByte)
		if !ok {
			return nil, ErrInvalidParameters
		}
		share, ok := mulDiv(base, s.params.TaxRatePercent, 100)
		if !ok {
			return nil, ErrInvalidParameters
		}
		for i := range plan.Requests {
			plan.Requests[i].BalanceForSettleTxFee = share
		}
	}

	for i, r := range plan.Requests {
		if r.BalanceForSettleTxFee > r.Amount {
			plan.Requests[i].BalanceForSettleTxFee = r.Amount
		}
		var ok bool
		if plan.PendingBalances, ok = add(plan.PendingBalances, r.Amount); !ok {
			return nil, ErrInvalidParameters
		}
	}
	return plan, nil
}

// fundPlan checks that the reserve and the request shares cover the fee and
// splits the waiting routing fees onto the batch.
func (s *State) fundPlan(plan *SettlementPlan) error {
	var shares uint64
	for _, r := range plan.Requests {
		var ok bool
		if shares, ok = add(shares, r.BalanceForSettleTxFee); !ok {
			return ErrInvalidParameters
		}
	}
	reserve := s.balancesForSettleTxFee
	if plan.CleanUp {
		reserve = 0
	}
	if funded, ok := add(reserve, shares); !ok || funded < plan.PendingTxFee {
		return ErrInsufficientBalance
	}

	if s.routingFeeWaiting > 0 {
		denom, ok := add(s.totalBalances, plan.PendingBalances)
		if !ok {
			return ErrInvalidParameters
		}
		fees, ok := mulDiv(s.routingFeeWaiting, plan.PendingBalances, denom)
		if !ok {
			return ErrInvalidParameters
		}
		plan.PendingRoutingFees = fees
	}
	return nil
}

// CommitSettlement applies a plan once its transaction has been built. The
// plan must have been computed from the current state.
func (s *State) CommitSettlement(plan *SettlementPlan, built BuiltSettlement) error {
	if plan == nil || len(s.pendingTxs) > 0 ||
		len(plan.Requests)+len(plan.Deferred) != len(s.settleRequests) || len(plan.Deposits) != len(s.deposits) {
		return ErrNoBatchReady
	}

	if plan.CleanUp {
		first := plan.Requests[0]
		if first.RoutingFee {
			s.routingFeeSettled += plan.Bonus
		} else {
			s.totals.SettleAmount += plan.Bonus
		}
		s.totals.BalancesForSettleTxFee -= plan.Bonus
		s.balancesForSettleTxFee = 0
	}
	for _, r := range plan.Requests {
		if r.RoutingFee {
			s.routingFeeSettled -= r.BalanceForSettleTxFee
		} else {
			s.totals.SettleAmount -= r.BalanceForSettleTxFee
		}
		s.balancesForSettleTxFee += r.BalanceForSettleTxFee
		s.totals.BalancesForSettleTxFee += r.BalanceForSettleTxFee
	}
	s.balancesForSettleTxFee -= plan.PendingTxFee
	s.totals.SettleTxFee += plan.PendingTxFee
	s.routingFeeWaiting -= plan.PendingRoutingFees

	pending := PendingSettleTx{
		TxHash:                built.TxHash,
		PendingBalances:       plan.PendingBalances,
		PendingRoutingFees:    plan.PendingRoutingFees,
		PendingTxFee:          plan.PendingTxFee,
		UsedDeposits:          append([]Deposit(nil), plan.Deposits...),
		PendingSettleRequests: append([]SettleRequest(nil), plan.Requests...),
	}
	if built.HasChange {
		pending.LeftoverDeposit = &Deposit{
			TxHash:            built.TxHash,
			TxIndex:           built.ChangeIndex,
			Amount:            built.ChangeAmount,
			ManagerPrivateKey: plan.ChangeKey,
		}
	}
	s.pendingTxs = append(s.pendingTxs, pending)
	s.settleRequests = append([]SettleRequest(nil), plan.Deferred...)
	s.deposits = nil
	s.stateID++
	return nil
}

// PendingSettleTxHash returns the hash of the oldest outstanding batch.
func (s *State) PendingSettleTxHash() (chainhash.Hash, bool) {
	if len(s.pendingTxs) == 0 {
		return chainhash.Hash{}, false
	}
	return s.pendingTxs[0].TxHash, true
}

// ConfirmSettlement retires the oldest batch once its transaction is seen on
// chain. Its leftover deposit is queued ahead of any newer deposits.
func (s *State) ConfirmSettlement(txHash chainhash.Hash) error {
	if len(s.pendingTxs) == 0 || s.pendingTxs[0].TxHash != txHash {
		return ErrNoBatchReady
	}
	confirmed, ok := add(s.routingFeeConfirmed, s.pendingTxs[0].PendingRoutingFees)
	if !ok {
		return ErrInvalidParameters
	}

	done := s.pendingTxs[0]
	s.pendingTxs = s.pendingTxs[1:]
	s.routingFeeConfirmed = confirmed
	if done.LeftoverDeposit != nil {
		s.deposits = append([]Deposit{*done.LeftoverDeposit}, s.deposits...)
	}
	s.stateID++
	return nil
}
