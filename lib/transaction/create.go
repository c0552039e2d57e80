package transaction

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInsufficientFunds = errors.New("inputs do not cover outputs and fee")
	ErrDustOutput        = errors.New("output at or below the dust limit")
	ErrAmountOverflow    = errors.New("amounts exceed the satoshi supply")
)

// Builder assembles and signs P2PKH transactions spending hub-held outputs.
type Builder struct {
	ChainParams *chaincfg.Params
	// DustLimit is the largest change amount that is left to miners instead of
	// getting its own output.
	DustLimit uint64
}

// Build pays every output, sends what remains after fee to changeAddr and signs
// each input with its own key. Change at or below the dust limit is dropped;
// a payment output there is an error.
func (b *Builder) Build(inputs []Input, outputs []Output, changeAddr string, fee uint64) (*Signed, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs to spend")
	}

	in, err := sumAmounts(len(inputs), func(i int) uint64 { return inputs[i].Amount })
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	out, err := sumAmounts(len(outputs), func(i int) uint64 { return outputs[i].Amount })
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	for i, o := range outputs {
		if o.Amount <= b.DustLimit {
			return nil, fmt.Errorf("%w: output %d pays %d to %s", ErrDustOutput, i, o.Amount, o.Address)
		}
	}
	if in < out || in-out < fee {
		return nil, fmt.Errorf("%w: in %d, out %d, fee %d", ErrInsufficientFunds, in, out, fee)
	}
	change := in - out - fee

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, input := range inputs {
		op := input.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for _, o := range outputs {
		script, err := b.payToAddress(o.Address)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(o.Amount), script))
	}

	signed := &Signed{Tx: tx}
	if change > b.DustLimit {
		if changeAddr == "" {
			return nil, fmt.Errorf("change of %d needs a change address", change)
		}
		script, err := b.payToAddress(changeAddr)
		if err != nil {
			return nil, err
		}
		signed.HasChange = true
		signed.ChangeIndex = uint32(len(tx.TxOut))
		signed.ChangeAmount = change
		tx.AddTxOut(wire.NewTxOut(int64(change), script))
	}

	for i, input := range inputs {
		if err := b.signInput(tx, i, input); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	signed.Raw = buf.Bytes()
	signed.Hash = tx.TxHash()
	return signed, nil
}

func (b *Builder) payToAddress(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %s: %w", address, err)
	}
	if !addr.IsForNet(b.ChainParams) {
		return nil, fmt.Errorf("address %s is not for %s", address, b.ChainParams.Name)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return script, nil
}

func (b *Builder) signInput(tx *wire.MsgTx, index int, input Input) error {
	wif, err := btcutil.DecodeWIF(input.WIF)
	if err != nil {
		return fmt.Errorf("failed to decode key for input %d: %w", index, err)
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(wif.SerializePubKey()), b.ChainParams)
	if err != nil {
		return err
	}
	scriptPubKey, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}

	sigScript, err := txscript.SignatureScript(tx, index, scriptPubKey, txscript.SigHashAll, wif.PrivKey, wif.CompressPubKey)
	if err != nil {
		return fmt.Errorf("failed to create signature script: %w", err)
	}
	tx.TxIn[index].SignatureScript = sigScript

	if _, err := verifySignature(tx, index, scriptPubKey, int64(input.Amount)); err != nil {
		return fmt.Errorf("failed to verify input %d: %w", index, err)
	}
	return nil
}

// sumAmounts adds n amounts, failing when the total wraps or passes the
// maximum number of satoshis.
func sumAmounts(n int, amount func(int) uint64) (uint64, error) {
	var total uint64
	for i := 0; i < n; i++ {
		var carry uint64
		total, carry = bits.Add64(total, amount(i), 0)
		if carry != 0 || total > btcutil.MaxSatoshi {
			return 0, ErrAmountOverflow
		}
	}
	return total, nil
}
