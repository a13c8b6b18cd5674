package app

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"key_enclave/internal/model"
)

var (
	ErrNoCredential     = errors.New("no passkey for this identity")
	ErrUnknownPasskey   = errors.New("unknown passkey")
	ErrMissingChallenge = errors.New("assertion needs a challenge")
)

const credentialIDSize = 16

type passkey struct {
	HumanID    string    `json:"humanId"`
	UserHandle []byte    `json:"userHandle"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Authenticator is a software passkey authenticator kept in a single file. The user handle of
// each passkey is the secret the enclave derives keys from.
type Authenticator struct {
	path string

	mu       sync.Mutex
	passkeys map[string]passkey
}

func OpenAuthenticator(path string) (*Authenticator, error) {
	a := &Authenticator{path: path, passkeys: make(map[string]passkey)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.passkeys); err != nil {
		return nil, fmt.Errorf("parse authenticator %s: %w", path, err)
	}
	return a, nil
}

// Create registers a passkey for humanID and returns its credential id.
func (a *Authenticator) Create(humanID string, userHandle []byte) ([]byte, error) {
	id := make([]byte, credentialIDSize)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.passkeys[base64.RawURLEncoding.EncodeToString(id)] = passkey{
		HumanID:    humanID,
		UserHandle: append([]byte(nil), userHandle...),
		CreatedAt:  time.Now().UTC(),
	}
	return id, a.save()
}

// Find returns the newest passkey registered for humanID.
func (a *Authenticator) Find(humanID string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		best   []byte
		bestAt time.Time
	)
	for k, p := range a.passkeys {
		if p.HumanID != humanID || (best != nil && !p.CreatedAt.After(bestAt)) {
			continue
		}
		id, err := base64.RawURLEncoding.DecodeString(k)
		if err != nil {
			continue
		}
		best, bestAt = id, p.CreatedAt
	}
	return best, best != nil
}

// Assert answers a challenge for credentialID.
func (a *Authenticator) Assert(credentialID, challenge []byte) (*model.PasskeyAssertionResult, error) {
	if len(challenge) == 0 {
		return nil, ErrMissingChallenge
	}
	if len(credentialID) == 0 {
		return nil, ErrNoCredential
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.passkeys[base64.RawURLEncoding.EncodeToString(credentialID)]
	if !ok {
		return nil, ErrUnknownPasskey
	}
	return &model.PasskeyAssertionResult{
		RawID:      append([]byte(nil), credentialID...),
		UserHandle: append([]byte(nil), p.UserHandle...),
	}, nil
}

func (a *Authenticator) save() error {
	data, err := json.MarshalIndent(a.passkeys, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return err
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
