package ledger

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// PrepareDeposit issues a one-time manager address for a user's deposit and
// binds the caller's public key to its session. A session keeps the first key
// it was bound to.
func (s *State) PrepareDeposit(session string, pubKey []byte, sender, settle string) (string, uint64, error) {
	if session == "" || session == HostSession {
		return "", 0, ErrInvalidParameters
	}
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return "", 0, ErrInvalidParameters
	}
	key := pub.SerializeCompressed()
	if bound, ok := s.verifyKeys[session]; ok && !bytes.Equal(bound, key) {
		return "", 0, ErrAuthenticationFailed
	}

	priv, err := s.newKey()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	wif, err := btcutil.NewWIF(priv, s.params.ChainParams, true)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	managerAddr, err := p2pkhAddress(wif, s.params)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}

	s.depositRequests[managerAddr] = DepositRequest{
		SenderAddress:     sender,
		SettleAddress:     settle,
		ManagerPrivateKey: wif.String(),
		BlockNumber:       s.blockNumber,
	}
	s.verifyKeys[session] = key
	return managerAddr, s.blockNumber, nil
}

// Pay moves amount from sender to receiver, charging fee as the hub's routing fee.
func (s *State) Pay(sender, receiver string, amount, fee uint64) error {
	snd, ok := s.accounts[sender]
	if !ok {
		return ErrNoSuchAccount
	}
	need, ok := add(amount, fee)
	if !ok || snd.Balance < need {
		return ErrInsufficientBalance
	}
	if fee < s.routingFee {
		return ErrInsufficientFee
	}
	rcv, ok := s.accounts[receiver]
	if !ok {
		return ErrNoSuchReceiver
	}
	if s.params.EnforceReceiverSync && rcv.LatestSPVBlockNumber < snd.MinRequestedBlockNumber {
		return ErrReceiverNotReady
	}
	if sender != receiver {
		if _, ok := add(rcv.Balance, amount); !ok {
			return ErrInvalidParameters
		}
	}
	waiting, ok := add(s.routingFeeWaiting, fee)
	if !ok {
		return ErrInvalidParameters
	}

	snd.Balance -= need
	snd.Nonce++
	minRequested := snd.MinRequestedBlockNumber
	if snd.Balance == 0 {
		snd.MinRequestedBlockNumber = 0
	}
	s.accounts[sender] = snd

	rcv = s.accounts[receiver]
	rcv.Balance += amount
	if rcv.MinRequestedBlockNumber < minRequested {
		rcv.MinRequestedBlockNumber = minRequested
	}
	s.accounts[receiver] = rcv

	s.routingFeeWaiting = waiting
	s.totalBalances -= fee
	s.stateID++
	return nil
}

// RequestSettlement debits amount from user and queues it for the next batch.
func (s *State) RequestSettlement(user string, amount uint64) error {
	if amount <= s.MinSettleAmount() {
		return ErrAmountTooLow
	}
	acc, ok := s.accounts[user]
	if !ok {
		return ErrNoSuchAccount
	}
	if acc.Balance < amount {
		return ErrInsufficientBalance
	}
	settled, ok := add(s.totals.SettleAmount, amount)
	if !ok {
		return ErrInvalidParameters
	}

	acc.Balance -= amount
	acc.Nonce++
	if acc.Balance == 0 {
		acc.MinRequestedBlockNumber = 0
	}
	s.accounts[user] = acc

	s.settleRequests = append(s.settleRequests, SettleRequest{
		Address: acc.SettleAddress,
		Amount:  amount,
	})
	s.totalBalances -= amount
	s.totals.SettleAmount = settled
	s.stateID++
	return nil
}

// UpdateLatestBlock records that user has verified the chain up to height.
func (s *State) UpdateLatestBlock(user string, height uint64) error {
	acc, ok := s.accounts[user]
	if !ok {
		return ErrNoSuchAccount
	}
	if height <= acc.LatestSPVBlockNumber {
		return ErrCannotLowerBlock
	}
	acc.LatestSPVBlockNumber = height
	s.accounts[user] = acc
	return nil
}

// SetRoutingFee sets the minimum fee per payment.
func (s *State) SetRoutingFee(fee uint64) {
	s.routingFee = fee
}

// SetFeeAddress sets where collected routing fees are paid out.
func (s *State) SetFeeAddress(addr string) {
	s.feeAddress = addr
}

// SettleRoutingFee queues a payout of confirmed routing fees to the fee address.
func (s *State) SettleRoutingFee(amount uint64) error {
	if s.feeAddress == "" {
		return ErrInvalidParameters
	}
	if amount <= s.MinSettleAmount() {
		return ErrAmountTooLow
	}
	if amount > s.routingFeeConfirmed {
		return ErrInsufficientBalance
	}
	settled, ok := add(s.routingFeeSettled, amount)
	if !ok {
		return ErrInvalidParameters
	}

	s.settleRequests = append(s.settleRequests, SettleRequest{
		Address:    s.feeAddress,
		Amount:     amount,
		RoutingFee: true,
	})
	s.routingFeeConfirmed -= amount
	s.routingFeeSettled = settled
	s.stateID++
	return nil
}
