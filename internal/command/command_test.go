package command

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

func newAddress(t *testing.T, net *chaincfg.Params) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), net)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestParse(t *testing.T) {
	net := &chaincfg.RegressionNetParams
	a := newAddress(t, net)
	b := newAddress(t, net)

	tests := []struct {
		body string
		want Command
	}{
		{body: "prepare_deposit " + a + " " + b, want: Command{Op: OpPrepareDeposit, Sender: a, SettleAddress: b}},
		{body: "settle " + a + " 1000", want: Command{Op: OpSettle, User: a, Amount: 1000}},
		{body: "pay " + a + " " + b + " 500 10", want: Command{Op: OpPay, Sender: a, Receiver: b, Amount: 500, Fee: 10}},
		{body: "update_block  " + a + "\t42", want: Command{Op: OpUpdateBlock, User: a, Height: 42}},
		{body: "set_fee 7", want: Command{Op: OpSetFee, Amount: 7}},
		{body: "set_fee_address " + b, want: Command{Op: OpSetFeeAddress, FeeAddress: b}},
		{body: "settle_fee 18446744073709551615", want: Command{Op: OpSettleFee, Amount: ^uint64(0)}},
	}

	for _, tc := range tests {
		t.Run(string(tc.want.Op), func(t *testing.T) {
			got, err := Parse(tc.body, net)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)

			again, err := Parse(got.String(), net)
			require.NoError(t, err)
			require.Equal(t, got, again)
		})
	}
}

func TestParseRejects(t *testing.T) {
	net := &chaincfg.RegressionNetParams
	a := newAddress(t, net)
	mainnet := newAddress(t, &chaincfg.MainNetParams)

	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "empty", body: "   ", want: ledger.ErrInvalidOperation},
		{name: "unknown op", body: "withdraw " + a + " 10", want: ledger.ErrInvalidOperation},
		{name: "missing argument", body: "settle " + a, want: ledger.ErrInvalidParameters},
		{name: "extra argument", body: "set_fee 1 2", want: ledger.ErrInvalidParameters},
		{name: "negative amount", body: "settle " + a + " -5", want: ledger.ErrInvalidParameters},
		{name: "amount overflow", body: "settle " + a + " 18446744073709551616", want: ledger.ErrInvalidParameters},
		{name: "malformed address", body: "update_block notanaddress 5", want: ledger.ErrInvalidParameters},
		{name: "wrong network", body: "pay " + mainnet + " " + a + " 1 1", want: ledger.ErrInvalidParameters},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.body, net)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOwnerOnly(t *testing.T) {
	require.True(t, Command{Op: OpSetFee}.OwnerOnly())
	require.True(t, Command{Op: OpSettleFee}.OwnerOnly())
	require.False(t, Command{Op: OpPay}.OwnerOnly())
	require.True(t, Command{Op: OpPrepareDeposit}.Unsigned())
	require.False(t, Command{Op: OpSettle}.Unsigned())
}
