package rescanner

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func p2pkh(t *testing.T) (string, []byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return addr.EncodeAddress(), script
}

func TestScanBlock(t *testing.T) {
	watched, watchedScript := p2pkh(t)
	_, otherScript := p2pkh(t)
	nullData, err := txscript.NullDataScript([]byte("memo"))
	require.NoError(t, err)

	tx1 := wire.NewMsgTx(wire.TxVersion)
	tx1.AddTxOut(wire.NewTxOut(5000, otherScript))
	tx1.AddTxOut(wire.NewTxOut(7000, watchedScript))
	tx1.AddTxOut(wire.NewTxOut(0, nullData))

	tx2 := wire.NewMsgTx(wire.TxVersion)
	tx2.AddTxOut(wire.NewTxOut(9000, watchedScript))
	tx2.AddTxOut(wire.NewTxOut(1, []byte{0xde, 0xad}))

	cfg := ScanConfig{
		ChainParams: &chaincfg.RegressionNetParams,
		IsWatched:   func(a string) bool { return a == watched },
	}
	matches := ScanBlock([]*wire.MsgTx{tx1, tx2}, cfg)
	require.Equal(t, []Match{
		{TxHash: tx1.TxHash(), Index: 1, Address: watched, Amount: 7000},
		{TxHash: tx2.TxHash(), Index: 0, Address: watched, Amount: 9000},
	}, matches)

	require.True(t, ContainsTx([]*wire.MsgTx{tx1, tx2}, tx2.TxHash()))
	require.False(t, ContainsTx([]*wire.MsgTx{tx1}, tx2.TxHash()))
}
