package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

// Published scrypt parameters. Changing any of them changes every derived key.
const (
	ScryptN       = 128
	ScryptR       = 8
	ScryptP       = 1
	DerivedKeyLen = 32
)

var ErrInvalidSalt = errors.New("invalid salt: expected a UUID")

// Derive turns a password and a human id (the salt) into a 32-byte box secret key.
// Both inputs are NFKC-normalized before being encoded as UTF-8.
func Derive(password, salt string) ([]byte, error) {
	if !ValidSalt(salt) {
		return nil, ErrInvalidSalt
	}

	pw := norm.NFKC.String(password)
	s := norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(pw), []byte(s), ScryptN, ScryptR, ScryptP, DerivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return key, nil
}

// ValidSalt reports whether salt is a UUID in its canonical 36-character form.
func ValidSalt(salt string) bool {
	if len(salt) != 36 {
		return false
	}
	_, err := uuid.Parse(salt)
	return err == nil
}

// HKDF fills buffer with HKDF-SHA256 output.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}
