package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

const (
	saltSize  = 32
	nonceSize = 12
	keySize   = 32
)

// Seal encrypts data under a key derived from passphrase. The blob layout is
// salt || nonce || ciphertext.
func Seal(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrSealFailed, err)
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrSealFailed, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrSealFailed, err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(data)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// Unseal reverses Seal. A wrong passphrase or a damaged blob yields ErrUnsealFailed.
func Unseal(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, ledger.ErrUnsealFailed
	}
	salt, nonce := blob[:saltSize], blob[saltSize:saltSize+nonceSize]
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnsealFailed, err)
	}
	data, err := aead.Open(nil, nonce, blob[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, ledger.ErrUnsealFailed
	}
	return data, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
