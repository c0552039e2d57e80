package transaction

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var regtest = &chaincfg.RegressionNetParams

func newKey(t *testing.T) (string, string) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wif, err := btcutil.NewWIF(priv, regtest, true)
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(wif.SerializePubKey()), regtest)
	require.NoError(t, err)
	return wif.String(), addr.EncodeAddress()
}

func TestBuildSignsEveryInput(t *testing.T) {
	wif1, _ := newKey(t)
	wif2, _ := newKey(t)
	_, payee := newKey(t)
	_, change := newKey(t)

	inputs := []Input{
		{OutPoint: wire.OutPoint{Hash: chainhash.HashH([]byte("a")), Index: 0}, Amount: 60000, WIF: wif1},
		{OutPoint: wire.OutPoint{Hash: chainhash.HashH([]byte("b")), Index: 3}, Amount: 40000, WIF: wif2},
	}
	b := &Builder{ChainParams: regtest, DustLimit: 546}

	signed, err := b.Build(inputs, []Output{{Address: payee, Amount: 70000}}, change, 500)
	require.NoError(t, err)
	require.True(t, signed.HasChange)
	require.Equal(t, uint32(1), signed.ChangeIndex)
	require.Equal(t, uint64(29500), signed.ChangeAmount)
	require.Len(t, signed.Tx.TxIn, 2)
	require.Len(t, signed.Tx.TxOut, 2)
	require.Equal(t, signed.Tx.TxHash(), signed.Hash)
	for _, in := range signed.Tx.TxIn {
		require.NotEmpty(t, in.SignatureScript)
	}

	var decoded wire.MsgTx
	require.NoError(t, decoded.Deserialize(bytes.NewReader(signed.Raw)))
	require.Equal(t, signed.Hash, decoded.TxHash())
}

func TestBuildDropsDustChange(t *testing.T) {
	wif, _ := newKey(t)
	_, payee := newKey(t)
	b := &Builder{ChainParams: regtest, DustLimit: 546}
	inputs := []Input{{OutPoint: wire.OutPoint{Index: 1}, Amount: 10000, WIF: wif}}

	signed, err := b.Build(inputs, []Output{{Address: payee, Amount: 9000}}, "", 500)
	require.NoError(t, err)
	require.False(t, signed.HasChange)
	require.Len(t, signed.Tx.TxOut, 1)

	_, err = b.Build(inputs, []Output{{Address: payee, Amount: 8000}}, "", 500)
	require.Error(t, err)

	_, err = b.Build(inputs, []Output{{Address: payee, Amount: 9600}}, "", 500)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	mainnetAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
	require.NoError(t, err)
	_, err = b.Build(inputs, []Output{{Address: mainnetAddr.EncodeAddress(), Amount: 1000}}, "", 500)
	require.Error(t, err)
}

func TestBuildRejectsBadAmounts(t *testing.T) {
	wif, _ := newKey(t)
	_, payee := newKey(t)
	_, change := newKey(t)
	b := &Builder{ChainParams: regtest, DustLimit: 546}
	small := []Input{{OutPoint: wire.OutPoint{Index: 1}, Amount: 10000, WIF: wif}}

	tests := []struct {
		name    string
		inputs  []Input
		outputs []Output
		want    error
	}{
		{
			name:    "zero output",
			inputs:  small,
			outputs: []Output{{Address: payee, Amount: 0}},
			want:    ErrDustOutput,
		},
		{
			name:    "output at the dust limit",
			inputs:  small,
			outputs: []Output{{Address: payee, Amount: 546}},
			want:    ErrDustOutput,
		},
		{
			name: "inputs wrap around",
			inputs: []Input{
				{OutPoint: wire.OutPoint{Index: 1}, Amount: math.MaxUint64, WIF: wif},
				{OutPoint: wire.OutPoint{Index: 2}, Amount: 2, WIF: wif},
			},
			outputs: []Output{{Address: payee, Amount: 1000}},
			want:    ErrAmountOverflow,
		},
		{
			name:   "outputs wrap around",
			inputs: small,
			outputs: []Output{
				{Address: payee, Amount: math.MaxUint64},
				{Address: payee, Amount: 1000},
			},
			want: ErrAmountOverflow,
		},
		{
			name:    "input above the satoshi supply",
			inputs:  []Input{{OutPoint: wire.OutPoint{Index: 1}, Amount: btcutil.MaxSatoshi + 1, WIF: wif}},
			outputs: []Output{{Address: payee, Amount: 1000}},
			want:    ErrAmountOverflow,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Build(tc.inputs, tc.outputs, change, 500)
			require.ErrorIs(t, err, tc.want)
		})
	}

	signed, err := b.Build(small, []Output{{Address: payee, Amount: 547}}, change, 500)
	require.NoError(t, err)
	require.Equal(t, int64(547), signed.Tx.TxOut[0].Value)
}

func TestMempoolFees(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fastestFee":30,"halfHourFee":12,"hourFee":8,"economyFee":4,"minimumFee":1}`))
	}))
	defer srv.Close()

	rate, err := NewMempoolFees(srv.URL).FeePerByte(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(12), rate)

	rate, err = StaticFee(3).FeePerByte(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), rate)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	_, err = NewMempoolFees(down.URL).FeePerByte(context.Background())
	require.Error(t, err)
}

type failingBroadcaster struct{}

func (failingBroadcaster) Broadcast(context.Context, []byte) (string, error) {
	return "", errors.New("offline")
}

func TestAPIBroadcaster(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.Write([]byte("txid123"))
	}))
	defer srv.Close()

	raw := []byte{0x01, 0x02, 0xff}
	txid, err := MultiBroadcaster{failingBroadcaster{}, NewAPIBroadcaster(srv.URL)}.Broadcast(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "txid123", txid)
	require.Equal(t, hex.EncodeToString(raw), got)

	_, err = MultiBroadcaster{failingBroadcaster{}}.Broadcast(context.Background(), raw)
	require.Error(t, err)
	_, err = MultiBroadcaster{}.Broadcast(context.Background(), raw)
	require.Error(t, err)
}
