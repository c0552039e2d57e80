package ledger

import (
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/holiman/uint256"
)

// State is the hub's ledger. It is not safe for concurrent use; the owner
// serializes every call behind a single lock.
type State struct {
	params Params
	newKey func() (*btcec.PrivateKey, error)

	ownerPrivateKey string
	ownerAddress    string

	routingFee          uint64
	feeAddress          string
	routingFeeWaiting   uint64
	routingFeeConfirmed uint64
	routingFeeSettled   uint64

	totalBalances          uint64
	balancesForSettleTxFee uint64
	avgTxFeePerByte        uint64
	blockNumber            uint64
	stateID                uint64

	accounts        map[string]Account
	depositRequests map[string]DepositRequest
	deposits        []Deposit
	settleRequests  []SettleRequest
	pendingTxs      []PendingSettleTx
	verifyKeys      map[string][]byte

	totals Totals
}

// New returns an empty ledger.
func New(params Params) *State {
	if params.ChainParams == nil {
		panic("ledger: nil chain params")
	}
	return &State{
		params:          params,
		newKey:          btcec.NewPrivateKey,
		accounts:        make(map[string]Account),
		depositRequests: make(map[string]DepositRequest),
		verifyKeys:      make(map[string][]byte),
	}
}

// SetKeyGenerator replaces the source of manager and owner keys.
func (s *State) SetKeyGenerator(gen func() (*btcec.PrivateKey, error)) {
	s.newKey = gen
}

func (s *State) Params() Params { return s.params }

func (s *State) StateID() uint64 { return s.stateID }

func (s *State) BlockNumber() uint64 { return s.blockNumber }

func (s *State) RoutingFee() uint64 { return s.routingFee }

func (s *State) FeeAddress() string { return s.feeAddress }

func (s *State) AvgTxFeePerByte() uint64 { return s.avgTxFeePerByte }

func (s *State) TotalBalances() uint64 { return s.totalBalances }

func (s *State) RoutingFeeWaiting() uint64 { return s.routingFeeWaiting }

func (s *State) RoutingFeeConfirmed() uint64 { return s.routingFeeConfirmed }

func (s *State) RoutingFeeSettled() uint64 { return s.routingFeeSettled }

func (s *State) BalancesForSettleTxFee() uint64 { return s.balancesForSettleTxFee }

func (s *State) Totals() Totals { return s.totals }

func (s *State) OwnerAddress() string { return s.ownerAddress }

// OwnerKey returns the owner's WIF encoded private key.
func (s *State) OwnerKey() string { return s.ownerPrivateKey }

// Account returns a copy of the account for addr.
func (s *State) Account(addr string) (Account, bool) {
	acc, ok := s.accounts[addr]
	return acc, ok
}

// Addresses returns every account address in lexical order.
func (s *State) Addresses() []string {
	addrs := make([]string, 0, len(s.accounts))
	for addr := range s.accounts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// DepositRequest returns the request issued for a manager address.
func (s *State) DepositRequest(managerAddr string) (DepositRequest, bool) {
	req, ok := s.depositRequests[managerAddr]
	return req, ok
}

// IsManagerAddress reports whether addr was issued by PrepareDeposit.
func (s *State) IsManagerAddress(addr string) bool {
	_, ok := s.depositRequests[addr]
	return ok
}

// UnusedDeposits returns the deposits available to the next batch, oldest first.
func (s *State) UnusedDeposits() []Deposit {
	return append([]Deposit(nil), s.deposits...)
}

// WaitingSettleRequests returns the queued withdrawals, oldest first.
func (s *State) WaitingSettleRequests() []SettleRequest {
	return append([]SettleRequest(nil), s.settleRequests...)
}

// PendingSettleTxs returns the outstanding batches, oldest first.
func (s *State) PendingSettleTxs() []PendingSettleTx {
	out := make([]PendingSettleTx, len(s.pendingTxs))
	for i, p := range s.pendingTxs {
		out[i] = p.clone()
	}
	return out
}

// VerifyKey returns the public key bound to a session.
func (s *State) VerifyKey(session string) ([]byte, bool) {
	key, ok := s.verifyKeys[session]
	return key, ok
}

// SetAvgTxFeePerByte records the fee rate observed by the chain follower.
func (s *State) SetAvgTxFeePerByte(fee uint64) {
	s.avgTxFeePerByte = fee
}

// SetBlockNumber advances the hub's view of the chain tip. Lower heights are ignored.
func (s *State) SetBlockNumber(height uint64) {
	if height > s.blockNumber {
		s.blockNumber = height
	}
}

// MakeOwnerKey generates and installs a fresh owner key, returning its address.
func (s *State) MakeOwnerKey() (string, error) {
	priv, err := s.newKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate owner key: %w", err)
	}
	wif, err := btcutil.NewWIF(priv, s.params.ChainParams, true)
	if err != nil {
		return "", fmt.Errorf("failed to encode owner key: %w", err)
	}
	return s.LoadOwnerKey(wif.String())
}

// LoadOwnerKey installs a WIF encoded owner key, returning its address.
func (s *State) LoadOwnerKey(encoded string) (string, error) {
	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode owner key: %w", err)
	}
	if !wif.IsForNet(s.params.ChainParams) {
		return "", fmt.Errorf("owner key is not for %s", s.params.ChainParams.Name)
	}
	addr, err := p2pkhAddress(wif, s.params)
	if err != nil {
		return "", err
	}
	s.ownerPrivateKey = encoded
	s.ownerAddress = addr
	return addr, nil
}

// MinSettleAmount is the cost of being the only request of a settlement
// transaction (one input, the payout and the change output) inflated by the
// tax rate, plus the dust limit so the payout is always spendable. Requests
// must exceed it.
func (s *State) MinSettleAmount() uint64 {
	return satAdd(s.taxed(s.params.TxInputSize+2*s.params.TxOutputSize), s.params.DustLimit)
}

// BalanceForTxFee is the share of each deposit reserved for spending it later.
func (s *State) BalanceForTxFee() uint64 {
	return s.taxed(s.params.TxInputSize)
}

func (s *State) taxed(size uint64) uint64 {
	fee, ok := mul(size, s.avgTxFeePerByte)
	if !ok {
		return math.MaxUint64
	}
	v, ok := mulDiv(fee, s.params.TaxRatePercent, 100)
	if !ok {
		return math.MaxUint64
	}
	return v
}

func p2pkhAddress(wif *btcutil.WIF, params Params) (string, error) {
	pkHash := btcutil.Hash160(wif.SerializePubKey())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params.ChainParams)
	if err != nil {
		return "", fmt.Errorf("failed to derive address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func add(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func sub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func satAdd(a, b uint64) uint64 {
	if sum, ok := add(a, b); ok {
		return sum
	}
	return math.MaxUint64
}

// mulDiv computes a*b/d without intermediate overflow.
func mulDiv(a, b, d uint64) (uint64, bool) {
	if d == 0 {
		return 0, false
	}
	x := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	x.Div(x, uint256.NewInt(d))
	if !x.IsUint64() {
		return 0, false
	}
	return x.Uint64(), true
}

func (p PendingSettleTx) clone() PendingSettleTx {
	c := p
	c.UsedDeposits = append([]Deposit(nil), p.UsedDeposits...)
	c.PendingSettleRequests = append([]SettleRequest(nil), p.PendingSettleRequests...)
	if p.LeftoverDeposit != nil {
		d := *p.LeftoverDeposit
		c.LeftoverDeposit = &d
	}
	return c
}
