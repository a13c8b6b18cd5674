package box

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"key_enclave/internal/cryptographic/dh"
)

const (
	NonceSize = 24
	KeySize   = dh.KeySize
)

var ErrDecryptionFailed = errors.New("decryption failed")

type KeyPair struct {
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
}

// DecryptionError carries public diagnostics only: the sender's and the receiver's public keys
// and the blob length. Error() does not render any of them.
type DecryptionError struct {
	SenderPublicKey   []byte
	ReceiverPublicKey []byte
	BlobLen           int
	Reason            string
}

func (e *DecryptionError) Error() string {
	if e.Reason == "" {
		return ErrDecryptionFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDecryptionFailed, e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return ErrDecryptionFailed
}

// KeyPairFromSecret rebuilds a key pair from a 32-byte secret key.
func KeyPairFromSecret(secret []byte) (*KeyPair, error) {
	pub, err := dh.PublicKey(secret)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{PublicKey: pub}
	copy(kp.SecretKey[:], secret)
	return kp, nil
}

// Encrypt seals plaintext for receiverPublicKey and returns nonce||ciphertext.
// A fresh random nonce is drawn for every call.
func Encrypt(plaintext []byte, receiverPublicKey, senderSecretKey *[KeySize]byte) ([]byte, error) {
	return encrypt(rand.Reader, plaintext, receiverPublicKey, senderSecretKey)
}

func encrypt(r io.Reader, plaintext []byte, receiverPublicKey, senderSecretKey *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+box.Overhead)
	copy(out, nonce[:])
	return box.Seal(out, plaintext, &nonce, receiverPublicKey, senderSecretKey), nil
}

// Decrypt splits blob into nonce and ciphertext and opens it.
// Any authentication failure is reported as a *DecryptionError.
func Decrypt(blob []byte, senderPublicKey, receiverSecretKey *[KeySize]byte) ([]byte, error) {
	if len(blob) < NonceSize+box.Overhead {
		return nil, newDecryptionError(blob, senderPublicKey, receiverSecretKey, "message too short")
	}

	var nonce [NonceSize]byte
	copy(nonce[:], blob[:NonceSize])

	plain, ok := box.Open(nil, blob[NonceSize:], &nonce, senderPublicKey, receiverSecretKey)
	if !ok {
		return nil, newDecryptionError(blob, senderPublicKey, receiverSecretKey, "")
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func newDecryptionError(blob []byte, senderPublicKey, receiverSecretKey *[KeySize]byte, reason string) error {
	e := &DecryptionError{
		SenderPublicKey: append([]byte(nil), senderPublicKey[:]...),
		BlobLen:         len(blob),
		Reason:          reason,
	}
	if pub, err := dh.PublicKey(receiverSecretKey[:]); err == nil {
		e.ReceiverPublicKey = pub[:]
	}
	return e
}
