package ledger

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return New(DefaultParams(&chaincfg.RegressionNetParams))
}

// fund deposits amount for sender through a fresh manager address.
func fund(t *testing.T, s *State, sender string, amount uint64) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	session := fmt.Sprintf("%s-%d", sender, len(s.depositRequests))
	mgr, _, err := s.PrepareDeposit(session, priv.PubKey().SerializeCompressed(), sender, sender+"-settle")
	require.NoError(t, err)

	hash := chainhash.HashH([]byte(fmt.Sprintf("%s/%d/%d", sender, amount, s.stateID)))
	ok, err := s.IngestDeposit(mgr, hash, 0, amount, s.blockNumber)
	require.NoError(t, err)
	require.True(t, ok)
}

func serialized(t *testing.T, s *State) []byte {
	t.Helper()
	b, err := s.Serialize()
	require.NoError(t, err)
	return b
}

func TestPayMovesBalanceAndCollectsFee(t *testing.T) {
	s := newTestState(t)
	fund(t, s, "A", 1000)
	s.accounts["B"] = Account{}
	s.SetRoutingFee(10)

	before := s.StateID()
	require.NoError(t, s.Pay("A", "B", 500, 10))

	a, _ := s.Account("A")
	b, _ := s.Account("B")
	require.Equal(t, uint64(490), a.Balance)
	require.Equal(t, uint64(500), b.Balance)
	require.Equal(t, uint64(1), a.Nonce)
	require.Equal(t, uint64(10), s.RoutingFeeWaiting())
	require.Equal(t, uint64(990), s.TotalBalances())
	require.Equal(t, before+1, s.StateID())
	require.NoError(t, s.Audit())
}

func TestPayRejectsWithoutMutation(t *testing.T) {
	tests := []struct {
		name     string
		sender   string
		receiver string
		amount   uint64
		fee      uint64
		want     error
	}{
		{name: "fee below routing fee", sender: "A", receiver: "B", amount: 500, fee: 5, want: ErrInsufficientFee},
		{name: "unknown sender", sender: "C", receiver: "B", amount: 1, fee: 10, want: ErrNoSuchAccount},
		{name: "unknown receiver", sender: "A", receiver: "C", amount: 1, fee: 10, want: ErrNoSuchReceiver},
		{name: "balance too low", sender: "A", receiver: "B", amount: 991, fee: 10, want: ErrInsufficientBalance},
		{name: "amount plus fee overflows", sender: "A", receiver: "B", amount: ^uint64(0), fee: 10, want: ErrInsufficientBalance},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestState(t)
			fund(t, s, "A", 1000)
			s.accounts["B"] = Account{}
			s.SetRoutingFee(10)
			before := serialized(t, s)

			err := s.Pay(tc.sender, tc.receiver, tc.amount, tc.fee)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, before, serialized(t, s))
		})
	}
}

func TestMissingReceiverIsAlsoMissingAccount(t *testing.T) {
	require.ErrorIs(t, ErrNoSuchReceiver, ErrNoSuchAccount)
	require.Equal(t, CodeNoSuchReceiver, CodeOf(fmt.Errorf("wrapped: %w", ErrNoSuchReceiver)))
}

func TestPayPropagatesRequestedBlock(t *testing.T) {
	s := newTestState(t)
	s.SetBlockNumber(100)
	fund(t, s, "A", 1000)
	s.accounts["B"] = Account{MinRequestedBlockNumber: 40}

	a, _ := s.Account("A")
	require.Equal(t, uint64(100), a.MinRequestedBlockNumber)

	require.NoError(t, s.Pay("A", "B", 1000, 0))

	a, _ = s.Account("A")
	b, _ := s.Account("B")
	require.Zero(t, a.Balance)
	require.Zero(t, a.MinRequestedBlockNumber)
	require.Equal(t, uint64(100), b.MinRequestedBlockNumber)
}

func TestPayEnforcesReceiverSync(t *testing.T) {
	params := DefaultParams(&chaincfg.RegressionNetParams)
	params.EnforceReceiverSync = true
	s := New(params)
	s.SetBlockNumber(50)
	fund(t, s, "A", 1000)
	s.accounts["B"] = Account{}

	require.ErrorIs(t, s.Pay("A", "B", 10, 0), ErrReceiverNotReady)
	require.NoError(t, s.UpdateLatestBlock("B", 50))
	require.NoError(t, s.Pay("A", "B", 10, 0))
}

func TestNonceIncreasesWithEachDebit(t *testing.T) {
	s := newTestState(t)
	s.SetAvgTxFeePerByte(0)
	fund(t, s, "A", 10000)
	s.accounts["B"] = Account{}

	var last uint64
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Pay("A", "B", 10, 0))
		a, _ := s.Account("A")
		require.Greater(t, a.Nonce, last)
		last = a.Nonce
	}
	require.NoError(t, s.RequestSettlement("A", 1000))
	a, _ := s.Account("A")
	require.Equal(t, last+1, a.Nonce)
}

func TestRequestSettlement(t *testing.T) {
	s := newTestState(t)
	s.SetAvgTxFeePerByte(1)
	fund(t, s, "A", 10000)
	// 150+2*40 bytes at 1 sat/byte, taxed 110%, plus the 546 sat dust limit.
	require.Equal(t, uint64(253+546), s.MinSettleAmount())

	before := serialized(t, s)
	require.ErrorIs(t, s.RequestSettlement("A", 799), ErrAmountTooLow)
	require.Empty(t, s.WaitingSettleRequests())
	require.Equal(t, before, serialized(t, s))

	require.ErrorIs(t, s.RequestSettlement("nobody", 1000), ErrNoSuchAccount)
	require.ErrorIs(t, s.RequestSettlement("A", 100000), ErrInsufficientBalance)

	require.NoError(t, s.RequestSettlement("A", 800))
	waiting := s.WaitingSettleRequests()
	require.Len(t, waiting, 1)
	require.Equal(t, SettleRequest{Address: "A-settle", Amount: 800}, waiting[0])

	a, _ := s.Account("A")
	require.Equal(t, uint64(10000-165-800), a.Balance)
	require.NoError(t, s.Audit())
}

func TestUpdateLatestBlock(t *testing.T) {
	s := newTestState(t)
	fund(t, s, "A", 1000)

	require.NoError(t, s.UpdateLatestBlock("A", 5))
	require.ErrorIs(t, s.UpdateLatestBlock("A", 5), ErrCannotLowerBlock)
	require.ErrorIs(t, s.UpdateLatestBlock("A", 4), ErrCannotLowerBlock)
	require.ErrorIs(t, s.UpdateLatestBlock("B", 9), ErrNoSuchAccount)

	a, _ := s.Account("A")
	require.Equal(t, uint64(5), a.LatestSPVBlockNumber)
}

func TestDustDepositIsDropped(t *testing.T) {
	s := newTestState(t)
	s.SetAvgTxFeePerByte(1)
	s.SetRoutingFee(10)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	mgr, _, err := s.PrepareDeposit("s1", priv.PubKey().SerializeCompressed(), "A", "A-settle")
	require.NoError(t, err)

	before := serialized(t, s)
	ok, err := s.IngestDeposit(mgr, chainhash.HashH([]byte("dust")), 0, 175, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, before, serialized(t, s))
	_, exists := s.Account("A")
	require.False(t, exists)

	ok, err = s.IngestDeposit(mgr, chainhash.HashH([]byte("ok")), 0, 176, 1)
	require.NoError(t, err)
	require.True(t, ok)
	a, _ := s.Account("A")
	require.Equal(t, uint64(1), a.Balance)
	require.Equal(t, uint64(10), s.RoutingFeeWaiting())
	require.Equal(t, uint64(165), s.BalancesForSettleTxFee())

	// the same outpoint is only credited once
	ok, err = s.IngestDeposit(mgr, chainhash.HashH([]byte("ok")), 0, 176, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Audit())

	_, err = s.IngestDeposit("unknown", chainhash.Hash{}, 0, 1000, 1)
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestPrepareDepositBindsSessionOnce(t *testing.T) {
	s := newTestState(t)
	s.SetBlockNumber(7)
	k1, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	k2, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	mgr, height, err := s.PrepareDeposit("alice", k1.PubKey().SerializeUncompressed(), "A", "A-settle")
	require.NoError(t, err)
	require.Equal(t, uint64(7), height)
	addr, err := btcutil.DecodeAddress(mgr, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(&chaincfg.RegressionNetParams))
	require.True(t, s.IsManagerAddress(mgr))

	bound, ok := s.VerifyKey("alice")
	require.True(t, ok)
	require.Equal(t, k1.PubKey().SerializeCompressed(), bound)

	_, _, err = s.PrepareDeposit("alice", k1.PubKey().SerializeCompressed(), "A", "A-settle")
	require.NoError(t, err)
	_, _, err = s.PrepareDeposit("alice", k2.PubKey().SerializeCompressed(), "A", "A-settle")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, _, err = s.PrepareDeposit(HostSession, k2.PubKey().SerializeCompressed(), "A", "A-settle")
	require.ErrorIs(t, err, ErrInvalidParameters)
	_, _, err = s.PrepareDeposit("bob", []byte{0x02, 0x01}, "A", "A-settle")
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestOwnerKey(t *testing.T) {
	s := newTestState(t)
	addr, err := s.MakeOwnerKey()
	require.NoError(t, err)
	require.Equal(t, addr, s.OwnerAddress())

	other := newTestState(t)
	loaded, err := other.LoadOwnerKey(s.OwnerKey())
	require.NoError(t, err)
	require.Equal(t, addr, loaded)

	mainnet := New(DefaultParams(&chaincfg.MainNetParams))
	_, err = mainnet.LoadOwnerKey(s.OwnerKey())
	require.Error(t, err)
}

func TestCodeStatus(t *testing.T) {
	require.Equal(t, "success", Status(CodeOf(nil)))
	require.Equal(t, CodeUnexpected, CodeOf(fmt.Errorf("boom")))
	require.Equal(t, "not enough routing fee", Status(CodeInsufficientFee))
	require.Equal(t, ErrAmountTooLow, FromCode(CodeAmountTooLow))
	require.Nil(t, FromCode(CodeSuccess))
}
