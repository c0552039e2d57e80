package hub

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	hubstatedb "github.com/Maphikza/btc-payment-hub.git/internal/database"
	"github.com/Maphikza/btc-payment-hub.git/internal/gateway"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/metrics"
	"github.com/Maphikza/btc-payment-hub.git/lib/transaction"
)

var regtest = &chaincfg.RegressionNetParams

type memStore struct {
	mu        sync.Mutex
	snapshots []hubstatedb.Snapshot
	events    []hubstatedb.AuditEvent
}

func (m *memStore) SaveSnapshot(snap hubstatedb.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *memStore) LatestSnapshot() (*hubstatedb.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	snap := m.snapshots[len(m.snapshots)-1]
	return &snap, nil
}

func (m *memStore) RecordAuditEvent(ev hubstatedb.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type user struct {
	session string
	priv    *btcec.PrivateKey
	addr    string
	settle  string
}

func newAddress(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), regtest)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newUser(t *testing.T, keys *gateway.Keys, session string) user {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	require.NoError(t, keys.Set(session, bytes.Repeat([]byte{byte(len(session))}, 32)))
	return user{session: session, priv: priv, addr: newAddress(t), settle: newAddress(t)}
}

type fixture struct {
	hub   *Hub
	gw    *gateway.Gateway
	keys  *gateway.Keys
	store *memStore
	state *ledger.State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := ledger.New(ledger.DefaultParams(regtest))
	_, err := state.MakeOwnerKey()
	require.NoError(t, err)

	keys, err := gateway.NewKeys(nil)
	require.NoError(t, err)
	require.NoError(t, keys.Set(ledger.HostSession, bytes.Repeat([]byte{0x42}, 32)))
	gw := gateway.New(keys)
	store := &memStore{}

	h, err := New(Config{
		State:      state,
		Gateway:    gw,
		Fees:       transaction.StaticFee(1),
		Builder:    TxBuilder{Builder: &transaction.Builder{ChainParams: regtest, DustLimit: 546}},
		Store:      store,
		Metrics:    metrics.New(),
		Passphrase: "correct horse",
	})
	require.NoError(t, err)
	return &fixture{hub: h, gw: gw, keys: keys, store: store, state: state}
}

// send seals payload for session, runs it and returns the opened reply.
func (f *fixture) send(t *testing.T, session string, payload []byte) string {
	t.Helper()
	env, err := f.gw.Seal(session, payload)
	require.NoError(t, err)
	reply, err := f.hub.HandleEnvelope(session, env)
	require.NoError(t, err)
	plain, err := f.gw.Open(session, reply)
	require.NoError(t, err)
	return string(plain)
}

func (f *fixture) signed(t *testing.T, u user, body string) string {
	t.Helper()
	return f.send(t, u.session, gateway.JoinPayload([]byte(body), gateway.Sign(u.priv, []byte(body))))
}

// deposit prepares a manager address for u and returns a transaction paying amount to it.
func (f *fixture) deposit(t *testing.T, u user, amount int64) *wire.MsgTx {
	t.Helper()
	body := "prepare_deposit " + u.addr + " " + u.settle
	reply := f.send(t, u.session, gateway.JoinPayload([]byte(body), u.priv.PubKey().SerializeCompressed()))
	fields := strings.Fields(reply)
	require.Len(t, fields, 2, reply)
	_, err := strconv.ParseUint(fields[1], 10, 64)
	require.NoError(t, err)

	mgr, err := btcutil.DecodeAddress(fields[0], regtest)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(mgr)
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	prev := wire.OutPoint{Hash: chainhash.HashH([]byte(u.session + fields[0])), Index: 0}
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, []byte{txscript.OP_RETURN}))
	tx.AddTxOut(wire.NewTxOut(amount, script))
	return tx
}

func status(code ledger.Code) string { return ledger.Status(code) }

func TestCommandLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newUser(t, f.keys, "alice")
	bob := newUser(t, f.keys, "bob")

	res, err := f.hub.IngestBlock(ctx, 1, []*wire.MsgTx{
		f.deposit(t, alice, 100000),
		f.deposit(t, bob, 50000),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Credited)
	require.Equal(t, uint64(1), f.hub.BlockNumber())

	acc, ok := f.state.Account(alice.addr)
	require.True(t, ok)
	require.Equal(t, uint64(100000-165), acc.Balance)

	require.Equal(t, status(ledger.CodeSuccess),
		f.signed(t, alice, "pay "+alice.addr+" "+bob.addr+" 1000 0"))
	acc, _ = f.state.Account(bob.addr)
	require.Equal(t, uint64(50000-165+1000), acc.Balance)

	require.Equal(t, status(ledger.CodeSuccess), f.signed(t, bob, "update_block "+bob.addr+" 1"))
	require.Equal(t, status(ledger.CodeCannotLowerBlock), f.signed(t, bob, "update_block "+bob.addr+" 1"))

	// a payout this small would not survive the batch fee share
	require.Equal(t, status(ledger.CodeAmountTooLow), f.signed(t, alice, "settle "+alice.addr+" 210"))
	require.Equal(t, status(ledger.CodeSuccess), f.signed(t, alice, "settle "+alice.addr+" 20000"))
	require.NoError(t, f.hub.Audit())

	s, err := f.hub.BuildSettlement(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Requests)
	require.Equal(t, 2, s.Inputs)
	require.Equal(t, uint64(380), s.TxFee)
	require.True(t, s.Signed.HasChange)
	require.Equal(t, int64(20000-253), s.Signed.Tx.TxOut[0].Value)
	require.NoError(t, f.hub.Audit())

	_, err = f.hub.BuildSettlement(ctx)
	require.ErrorIs(t, err, ledger.ErrNoBatchReady)

	res, err = f.hub.IngestBlock(ctx, 2, []*wire.MsgTx{s.Signed.Tx})
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	_, pending := f.state.PendingSettleTxHash()
	require.False(t, pending)
	require.Len(t, f.state.UnusedDeposits(), 1)
	require.NoError(t, f.hub.Audit())

	require.NotEmpty(t, f.store.events)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)
	alice := newUser(t, f.keys, "alice")
	bob := newUser(t, f.keys, "bob")
	_, err := f.hub.IngestBlock(context.Background(), 1, []*wire.MsgTx{
		f.deposit(t, alice, 100000),
		f.deposit(t, bob, 100000),
	})
	require.NoError(t, err)

	pay := "pay " + alice.addr + " " + bob.addr + " 10 0"
	mallory, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		session string
		payload []byte
		want    ledger.Code
	}{
		{
			name:    "wrong signing key",
			session: alice.session,
			payload: gateway.JoinPayload([]byte(pay), gateway.Sign(mallory, []byte(pay))),
			want:    ledger.CodeAuthenticationFailed,
		},
		{
			name:    "short signature",
			session: alice.session,
			payload: gateway.JoinPayload([]byte(pay), []byte{1, 2, 3}),
			want:    ledger.CodeAuthenticationFailed,
		},
		{
			name:    "no separator",
			session: alice.session,
			payload: []byte(pay),
			want:    ledger.CodeInvalidParameters,
		},
		{
			name:    "owner command from a user",
			session: alice.session,
			payload: gateway.JoinPayload([]byte("set_fee 5"), gateway.Sign(alice.priv, []byte("set_fee 5"))),
			want:    ledger.CodeAuthenticationFailed,
		},
		{
			name:    "unknown operation",
			session: alice.session,
			payload: gateway.JoinPayload([]byte("steal all"), gateway.Sign(alice.priv, []byte("steal all"))),
			want:    ledger.CodeInvalidOperation,
		},
		{
			name:    "rebinding a session key",
			session: alice.session,
			payload: gateway.JoinPayload([]byte("prepare_deposit "+alice.addr+" "+alice.settle), mallory.PubKey().SerializeCompressed()),
			want:    ledger.CodeAuthenticationFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := f.state.StateID()
			require.Equal(t, status(tc.want), f.send(t, tc.session, tc.payload))
			require.Equal(t, before, f.state.StateID())
		})
	}

	unbound := newUser(t, f.keys, "carol")
	require.Equal(t, status(ledger.CodeAuthenticationFailed),
		f.signed(t, unbound, "pay "+alice.addr+" "+bob.addr+" 10 0"))
}

func TestUndecryptableEnvelope(t *testing.T) {
	f := newFixture(t)
	newUser(t, f.keys, "alice")

	reply, err := f.hub.HandleEnvelope("alice", []byte("not an envelope at all, really"))
	require.NoError(t, err)
	plain, err := f.gw.Open("alice", reply)
	require.NoError(t, err)
	require.Equal(t, status(ledger.CodeDecryptionFailed), string(plain))

	_, err = f.hub.HandleEnvelope("nobody", []byte("x"))
	require.ErrorIs(t, err, ledger.ErrEncryptionFailed)
}

func TestHostCommands(t *testing.T) {
	f := newFixture(t)

	reply, err := f.hub.HostCommand("set_fee 7")
	require.NoError(t, err)
	require.Equal(t, status(ledger.CodeSuccess), reply)
	require.Equal(t, uint64(7), f.state.RoutingFee())

	feeAddr := newAddress(t)
	require.Equal(t, status(ledger.CodeSuccess), f.send(t, ledger.HostSession, []byte("set_fee_address "+feeAddr)))
	require.Equal(t, feeAddr, f.state.FeeAddress())

	reply, err = f.hub.HostCommand("settle_fee 100000")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Equal(t, status(ledger.CodeInsufficientBalance), reply)

	_, err = f.hub.HostCommand("set_fee seven")
	require.ErrorIs(t, err, ledger.ErrInvalidParameters)
}

func TestIngestKeepsFeeOnError(t *testing.T) {
	f := newFixture(t)
	f.hub.fees = failingFees{}
	f.state.SetAvgTxFeePerByte(9)

	res, err := f.hub.IngestBlock(context.Background(), 5, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5), res.Height)
	require.Equal(t, uint64(9), f.state.AvgTxFeePerByte())

	_, err = f.hub.IngestBlock(context.Background(), 3, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5), f.hub.BlockNumber())
}

type failingFees struct{}

func (failingFees) FeePerByte(context.Context) (uint64, error) {
	return 0, context.DeadlineExceeded
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := newUser(t, f.keys, "alice")
	_, err := f.hub.IngestBlock(context.Background(), 1, []*wire.MsgTx{f.deposit(t, alice, 100000)})
	require.NoError(t, err)

	wrote, err := f.hub.SaveSnapshot()
	require.NoError(t, err)
	require.True(t, wrote)
	wrote, err = f.hub.SaveSnapshot()
	require.NoError(t, err)
	require.False(t, wrote)

	restored, err := LoadState(f.store, "correct horse", ledger.DefaultParams(regtest))
	require.NoError(t, err)
	want, err := f.state.Serialize()
	require.NoError(t, err)
	got, err := restored.Serialize()
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = LoadState(f.store, "wrong", ledger.DefaultParams(regtest))
	require.ErrorIs(t, err, ledger.ErrUnsealFailed)

	empty, err := LoadState(&memStore{}, "correct horse", ledger.DefaultParams(regtest))
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestSnapshotKeepsChangesThatLeaveStateIDAlone(t *testing.T) {
	f := newFixture(t)
	alice := newUser(t, f.keys, "alice")
	bob := newUser(t, f.keys, "bob")
	_, err := f.hub.IngestBlock(context.Background(), 1, []*wire.MsgTx{f.deposit(t, alice, 100000)})
	require.NoError(t, err)
	wrote, err := f.hub.SaveSnapshot()
	require.NoError(t, err)
	require.True(t, wrote)

	before := f.state.Report()
	f.deposit(t, bob, 1000)
	_, err = f.hub.HostCommand("set_fee 77")
	require.NoError(t, err)
	require.Equal(t, status(ledger.CodeSuccess), f.signed(t, alice, "update_block "+alice.addr+" 1"))

	wrote, err = f.hub.SaveSnapshot()
	require.NoError(t, err)
	require.True(t, wrote)

	restored, err := LoadState(f.store, "correct horse", ledger.DefaultParams(regtest))
	require.NoError(t, err)
	got := restored.Report()
	require.Equal(t, before.DepositRequests+1, got.DepositRequests)
	require.Equal(t, uint64(77), got.RoutingFee)
	acc, ok := restored.Account(alice.addr)
	require.True(t, ok)
	require.Equal(t, uint64(1), acc.LatestSPVBlockNumber)

	_, err = f.hub.IngestBlock(context.Background(), 2, nil)
	require.NoError(t, err)
	wrote, err = f.hub.SaveSnapshot()
	require.NoError(t, err)
	require.True(t, wrote)
	restored, err = LoadState(f.store, "correct horse", ledger.DefaultParams(regtest))
	require.NoError(t, err)
	require.Equal(t, uint64(2), restored.BlockNumber())
}

// TestConcurrentMutationsKeepLedgerBalanced runs block ingestion, user
// commands, host commands and settlement building side by side.
func TestConcurrentMutationsKeepLedgerBalanced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newUser(t, f.keys, "alice")
	bob := newUser(t, f.keys, "bob")
	_, err := f.hub.IngestBlock(ctx, 1, []*wire.MsgTx{
		f.deposit(t, alice, 1000000),
		f.deposit(t, bob, 1000000),
	})
	require.NoError(t, err)

	// deposits are prepared up front; the gateway helpers use t and must stay
	// on the test goroutine
	var blocks [][]*wire.MsgTx
	for i := 0; i < 10; i++ {
		blocks = append(blocks, []*wire.MsgTx{f.deposit(t, alice, 20000)})
	}
	var envelopes [][]byte
	for i := 0; i < 20; i++ {
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		body := "pay " + from.addr + " " + to.addr + " 100 1"
		env, err := f.gw.Seal(from.session, gateway.JoinPayload([]byte(body), gateway.Sign(from.priv, []byte(body))))
		require.NoError(t, err)
		envelopes = append(envelopes, env)
	}
	sessions := func(i int) string {
		if i%2 == 1 {
			return bob.session
		}
		return alice.session
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	wg.Add(5)
	go func() {
		defer wg.Done()
		for i, txs := range blocks {
			if _, err := f.hub.IngestBlock(ctx, uint64(2+i), txs); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i, env := range envelopes {
			if _, err := f.hub.HandleEnvelope(sessions(i), env); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _ = f.hub.HostCommand("set_fee " + strconv.Itoa(i))
			_, _ = f.hub.HostCommand("settle " + alice.addr + " 5000")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _ = f.hub.BuildSettlement(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := f.hub.SaveSnapshot(); err != nil {
				errs <- err
			}
			_ = f.hub.Report()
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, f.hub.Audit())
	require.Equal(t, uint64(11), f.hub.BlockNumber())
	require.Empty(t, f.hub.Report().AuditError)
}

func TestBuildSettlementWithoutBuilder(t *testing.T) {
	keys, err := gateway.NewKeys(nil)
	require.NoError(t, err)
	h, err := New(Config{State: ledger.New(ledger.DefaultParams(regtest)), Gateway: gateway.New(keys)})
	require.NoError(t, err)
	_, err = h.BuildSettlement(context.Background())
	require.ErrorIs(t, err, ErrNoBuilder)
}
