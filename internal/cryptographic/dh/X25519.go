package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

// NewX25519KeyPair generates a random X25519 key pair.
func NewX25519KeyPair() (priv, pub [KeySize]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey computes the X25519 public key belonging to priv.
func PublicKey(priv []byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	if len(priv) != KeySize {
		return pub, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(priv))
	}

	var p [KeySize]byte
	copy(p[:], priv)
	curve25519.ScalarBaseMult(&pub, &p)
	for i := range p {
		p[i] = 0
	}
	return pub, nil
}
