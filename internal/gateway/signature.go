package gateway

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

const (
	Separator     byte = 0x00
	SignatureSize      = 64
)

// SplitPayload separates a decrypted payload into the command body and the
// trailer that follows the first separator byte. The trailer is a signature
// for signed commands and the client public key for prepare_deposit.
func SplitPayload(payload []byte) (body, trailer []byte, err error) {
	i := bytes.IndexByte(payload, Separator)
	if i < 0 {
		return nil, nil, ledger.ErrInvalidParameters
	}
	return payload[:i], payload[i+1:], nil
}

// JoinPayload is the inverse of SplitPayload.
func JoinPayload(body, trailer []byte) []byte {
	out := make([]byte, 0, len(body)+1+len(trailer))
	out = append(out, body...)
	out = append(out, Separator)
	return append(out, trailer...)
}

// Verify checks a fixed-width r || s signature over SHA-256(body).
func Verify(pubKey, body, sig []byte) error {
	if len(sig) != SignatureSize {
		return ledger.ErrAuthenticationFailed
	}
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return ledger.ErrAuthenticationFailed
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return ledger.ErrAuthenticationFailed
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return ledger.ErrAuthenticationFailed
	}

	hash := sha256.Sum256(body)
	if !ecdsa.NewSignature(&r, &s).Verify(hash[:], pub) {
		return ledger.ErrAuthenticationFailed
	}
	return nil
}

// Sign produces the r || s signature Verify expects. Clients and the host
// tooling use it to build signed commands.
func Sign(priv *btcec.PrivateKey, body []byte) []byte {
	hash := sha256.Sum256(body)
	der := ecdsa.Sign(priv, hash[:]).Serialize()

	// 0x30 len 0x02 rlen r 0x02 slen s
	rLen := int(der[3])
	r := der[4 : 4+rLen]
	sLen := int(der[5+rLen])
	s := der[6+rLen : 6+rLen+sLen]

	out := make([]byte, SignatureSize)
	putScalar(out[:32], r)
	putScalar(out[32:], s)
	return out
}

func putScalar(dst, v []byte) {
	v = bytes.TrimLeft(v, "\x00")
	copy(dst[len(dst)-len(v):], v)
}
