package app

import (
	"encoding/base64"

	"key_enclave/internal/cryptographic/box"
	"key_enclave/internal/cryptographic/kdf"
)

// PublicKeyFor derives the encryption public key the enclave would get for password.
func PublicKeyFor(password, humanID string) (string, error) {
	sk, err := kdf.Derive(password, humanID)
	if err != nil {
		return "", err
	}
	kp, err := box.KeyPairFromSecret(sk)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(kp.PublicKey[:]), nil
}

// MatchesExpected reports whether password restores the identity behind expected.
// An empty expected key matches anything.
func MatchesExpected(password, humanID, expected string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	pub, err := PublicKeyFor(password, humanID)
	if err != nil {
		return false, err
	}
	return pub == expected, nil
}
