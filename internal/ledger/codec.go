package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	stateMagic   = "RTHB"
	stateVersion = 1

	// maxFieldSize bounds any single string or key read back from a snapshot.
	maxFieldSize = 1 << 16
)

// Serialize encodes the whole ledger. Queues keep their FIFO order and maps are
// written in key order, so equal states always produce equal bytes.
func (s *State) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	e := &encoder{w: &buf}

	buf.WriteString(stateMagic)
	e.uint(stateVersion)
	e.str(s.params.ChainParams.Name)

	e.str(s.ownerPrivateKey)
	e.str(s.ownerAddress)
	e.uint(s.routingFee)
	e.str(s.feeAddress)
	e.uint(s.routingFeeWaiting)
	e.uint(s.routingFeeConfirmed)
	e.uint(s.routingFeeSettled)
	e.uint(s.totalBalances)
	e.uint(s.balancesForSettleTxFee)
	e.uint(s.avgTxFeePerByte)
	e.uint(s.blockNumber)
	e.uint(s.stateID)

	e.uint(s.totals.Deposit)
	e.uint(s.totals.SettleAmount)
	e.uint(s.totals.BalancesForSettleTxFee)
	e.uint(s.totals.SettleTxFee)

	addrs := s.Addresses()
	e.uint(uint64(len(addrs)))
	for _, addr := range addrs {
		acc := s.accounts[addr]
		e.str(addr)
		e.uint(acc.Balance)
		e.uint(acc.Nonce)
		e.uint(acc.MinRequestedBlockNumber)
		e.uint(acc.LatestSPVBlockNumber)
		e.str(acc.SettleAddress)
	}

	managers := sortedKeys(s.depositRequests)
	e.uint(uint64(len(managers)))
	for _, m := range managers {
		req := s.depositRequests[m]
		e.str(m)
		e.str(req.SenderAddress)
		e.str(req.SettleAddress)
		e.str(req.ManagerPrivateKey)
		e.uint(req.BlockNumber)
	}

	e.deposits(s.deposits)
	e.settleRequests(s.settleRequests)

	e.uint(uint64(len(s.pendingTxs)))
	for _, p := range s.pendingTxs {
		e.hash(p.TxHash)
		e.uint(p.PendingBalances)
		e.uint(p.PendingRoutingFees)
		e.uint(p.PendingTxFee)
		e.deposits(p.UsedDeposits)
		e.settleRequests(p.PendingSettleRequests)
		if p.LeftoverDeposit != nil {
			e.uint(1)
			e.deposit(*p.LeftoverDeposit)
		} else {
			e.uint(0)
		}
	}

	sessions := sortedKeys(s.verifyKeys)
	e.uint(uint64(len(sessions)))
	for _, session := range sessions {
		e.str(session)
		e.bytes(s.verifyKeys[session])
	}

	if e.err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", e.err)
	}
	return buf.Bytes(), nil
}

// Load rebuilds a ledger from Serialize output.
func Load(data []byte, params Params) (*State, error) {
	if !bytes.HasPrefix(data, []byte(stateMagic)) {
		return nil, errors.New("not a hub state snapshot")
	}
	r := bytes.NewReader(data[len(stateMagic):])
	d := &decoder{r: r}

	if v := d.uint(); d.err == nil && v != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d", v)
	}
	if net := d.str(); d.err == nil && net != params.ChainParams.Name {
		return nil, fmt.Errorf("state belongs to %s, not %s", net, params.ChainParams.Name)
	}

	s := New(params)
	s.ownerPrivateKey = d.str()
	s.ownerAddress = d.str()
	s.routingFee = d.uint()
	s.feeAddress = d.str()
	s.routingFeeWaiting = d.uint()
	s.routingFeeConfirmed = d.uint()
	s.routingFeeSettled = d.uint()
	s.totalBalances = d.uint()
	s.balancesForSettleTxFee = d.uint()
	s.avgTxFeePerByte = d.uint()
	s.blockNumber = d.uint()
	s.stateID = d.uint()

	s.totals.Deposit = d.uint()
	s.totals.SettleAmount = d.uint()
	s.totals.BalancesForSettleTxFee = d.uint()
	s.totals.SettleTxFee = d.uint()

	for i, n := uint64(0), d.count(); i < n; i++ {
		addr := d.str()
		s.accounts[addr] = Account{
			Balance:                 d.uint(),
			Nonce:                   d.uint(),
			MinRequestedBlockNumber: d.uint(),
			LatestSPVBlockNumber:    d.uint(),
			SettleAddress:           d.str(),
		}
	}

	for i, n := uint64(0), d.count(); i < n; i++ {
		m := d.str()
		s.depositRequests[m] = DepositRequest{
			SenderAddress:     d.str(),
			SettleAddress:     d.str(),
			ManagerPrivateKey: d.str(),
			BlockNumber:       d.uint(),
		}
	}

	s.deposits = d.deposits()
	s.settleRequests = d.settleRequests()

	for i, n := uint64(0), d.count(); i < n; i++ {
		p := PendingSettleTx{
			TxHash:             d.hash(),
			PendingBalances:    d.uint(),
			PendingRoutingFees: d.uint(),
			PendingTxFee:       d.uint(),
		}
		p.UsedDeposits = d.deposits()
		p.PendingSettleRequests = d.settleRequests()
		if d.uint() == 1 {
			leftover := d.deposit()
			p.LeftoverDeposit = &leftover
		}
		s.pendingTxs = append(s.pendingTxs, p)
	}

	for i, n := uint64(0), d.count(); i < n; i++ {
		session := d.str()
		s.verifyKeys[session] = d.bytes()
	}

	if d.err != nil {
		return nil, fmt.Errorf("failed to load state: %w", d.err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("failed to load state: %d trailing bytes", r.Len())
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) uint(v uint64) {
	if e.err == nil {
		e.err = wire.WriteVarInt(e.w, 0, v)
	}
}

func (e *encoder) str(v string) {
	if e.err == nil {
		e.err = wire.WriteVarString(e.w, 0, v)
	}
}

func (e *encoder) bytes(v []byte) {
	if e.err == nil {
		e.err = wire.WriteVarBytes(e.w, 0, v)
	}
}

func (e *encoder) hash(h chainhash.Hash) {
	if e.err == nil {
		_, e.err = e.w.Write(h[:])
	}
}

func (e *encoder) deposit(d Deposit) {
	e.hash(d.TxHash)
	e.uint(uint64(d.TxIndex))
	e.uint(d.Amount)
	e.str(d.ManagerPrivateKey)
}

func (e *encoder) deposits(ds []Deposit) {
	e.uint(uint64(len(ds)))
	for _, d := range ds {
		e.deposit(d)
	}
}

func (e *encoder) settleRequests(rs []SettleRequest) {
	e.uint(uint64(len(rs)))
	for _, r := range rs {
		e.str(r.Address)
		e.uint(r.Amount)
		e.uint(r.BalanceForSettleTxFee)
		if r.RoutingFee {
			e.uint(1)
		} else {
			e.uint(0)
		}
	}
}

type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	v, d.err = wire.ReadVarInt(d.r, 0)
	return v
}

// count reads a collection length, refusing lengths the remaining input cannot hold.
func (d *decoder) count() uint64 {
	n := d.uint()
	if d.err == nil && n > uint64(d.r.Len()) {
		d.err = fmt.Errorf("collection length %d exceeds input", n)
		return 0
	}
	return n
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	var b []byte
	b, d.err = wire.ReadVarBytes(d.r, 0, maxFieldSize, "field")
	return b
}

func (d *decoder) hash() chainhash.Hash {
	var h chainhash.Hash
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, h[:])
	}
	return h
}

func (d *decoder) deposit() Deposit {
	return Deposit{
		TxHash:            d.hash(),
		TxIndex:           uint32(d.uint()),
		Amount:            d.uint(),
		ManagerPrivateKey: d.str(),
	}
}

func (d *decoder) deposits() []Deposit {
	var ds []Deposit
	for i, n := uint64(0), d.count(); i < n; i++ {
		ds = append(ds, d.deposit())
	}
	return ds
}

func (d *decoder) settleRequests() []SettleRequest {
	var rs []SettleRequest
	for i, n := uint64(0), d.count(); i < n; i++ {
		rs = append(rs, SettleRequest{
			Address:               d.str(),
			Amount:                d.uint(),
			BalanceForSettleTxFee: d.uint(),
			RoutingFee:            d.uint() == 1,
		})
	}
	return rs
}
