package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

const (
	TagSize   = 16
	NonceSize = 12
)

// KeyStore resolves the symmetric key a session's envelopes are sealed with.
type KeyStore interface {
	SessionKey(session string) ([]byte, error)
}

// Keys is a KeyStore holding a default key plus per-session overrides.
type Keys struct {
	mu       sync.RWMutex
	fallback []byte
	sessions map[string][]byte
}

// NewKeys returns a store that hands out fallback to any session without its own key.
// A nil fallback means unknown sessions have no key.
func NewKeys(fallback []byte) (*Keys, error) {
	if fallback != nil {
		if err := checkKey(fallback); err != nil {
			return nil, err
		}
	}
	return &Keys{
		fallback: append([]byte(nil), fallback...),
		sessions: make(map[string][]byte),
	}, nil
}

func (k *Keys) Set(session string, key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sessions[session] = append([]byte(nil), key...)
	return nil
}

func (k *Keys) SessionKey(session string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.sessions[session]; ok {
		return key, nil
	}
	if len(k.fallback) == 0 {
		return nil, fmt.Errorf("no key for session %q", session)
	}
	return k.fallback, nil
}

func checkKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("session key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

// Gateway seals and opens command envelopes laid out as tag || nonce || ciphertext.
type Gateway struct {
	keys KeyStore
	rand io.Reader
}

func New(keys KeyStore) *Gateway {
	return &Gateway{keys: keys, rand: rand.Reader}
}

func (g *Gateway) aead(session string) (cipher.AEAD, error) {
	key, err := g.keys.SessionKey(session)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Open authenticates and decrypts an envelope. Every failure is reported as
// ledger.ErrDecryptionFailed.
func (g *Gateway) Open(session string, envelope []byte) ([]byte, error) {
	if len(envelope) < TagSize+NonceSize {
		return nil, ledger.ErrDecryptionFailed
	}
	aead, err := g.aead(session)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrDecryptionFailed, err)
	}

	tag := envelope[:TagSize]
	nonce := envelope[TagSize : TagSize+NonceSize]
	ct := envelope[TagSize+NonceSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ledger.ErrDecryptionFailed
	}
	return plain, nil
}

// Seal encrypts plaintext under a fresh nonce. Every failure is reported as
// ledger.ErrEncryptionFailed.
func (g *Gateway) Seal(session string, plaintext []byte) ([]byte, error) {
	aead, err := g.aead(session)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrEncryptionFailed, err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(g.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrEncryptionFailed, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, TagSize+NonceSize+len(ct))
	out = append(out, tag...)
	out = append(out, nonce...)
	return append(out, ct...), nil
}
