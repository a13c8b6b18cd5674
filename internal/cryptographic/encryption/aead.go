package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"key_enclave/internal/cryptographic/kdf"
)

var ErrOpen = errors.New("sealed value failed authentication")

var sealKeyInfo = []byte("key_enclave/store-seal/v1")

// Sealer is an AES-256-GCM helper producing nonce||ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromSecret stretches a configured secret into a 32-byte key with HKDF.
func NewSealerFromSecret(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("seal secret is empty")
	}
	key := make([]byte, 32)
	if _, err := kdf.HKDF([]byte(secret), nil, sealKeyInfo, key); err != nil {
		return nil, err
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return NewSealer(key)
}

func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpen)
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
