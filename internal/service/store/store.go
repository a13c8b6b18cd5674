package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"key_enclave/internal/cryptographic/encryption"
)

// Persisted keys.
const (
	KeyHumanID              = "human-id"
	KeyPassword             = "password"
	KeyEncryptionPublicKey  = "encryption-public-key"
	KeyEncryptionPrivateKey = "encryption-private-key"
	KeySignerPublicKey      = "signer-public-key"
	KeySignerAddress        = "signer-address"
	KeyAuthorizedOrigins    = "enclave-authorized-origins"
	KeyCredentialID         = "credential-id"
	KeyPreferredAuthMethod  = "preferred-auth-method"
	KeyRememberUntil        = "remember-until"
)

// Backend is the persistence medium. Backends may expire entries on their own;
// Store never relies on it.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

type entry struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

type Store struct {
	backend Backend
	sealer  *encryption.Sealer
	now     func() time.Time
}

type Option func(*Store)

// WithSealer seals every entry before it reaches the backend.
func WithSealer(s *encryption.Sealer) Option {
	return func(st *Store) {
		st.sealer = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		st.now = now
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key. Expired entries read as absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}

	e, err := s.decode(key, raw)
	if err != nil {
		return "", false, fmt.Errorf("store: read %q: %w", key, err)
	}

	if e.ExpiresAt != 0 && s.now().UnixMilli() >= e.ExpiresAt {
		if err := s.backend.Delete(ctx, key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return e.Value, true, nil
}

// Set stores value under key. A positive ttl sets an absolute expiry of now+ttl.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}

	raw, err := s.encode(key, e)
	if err != nil {
		return fmt.Errorf("store: write %q: %w", key, err)
	}
	return s.backend.Set(ctx, key, raw, ttl)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Reset deletes every entry except keepKeys.
func (s *Store) Reset(ctx context.Context, keepKeys ...string) error {
	keep := make(map[string]struct{}, len(keepKeys))
	for _, k := range keepKeys {
		keep[k] = struct{}{}
	}

	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := keep[k]; ok {
			continue
		}
		if err := s.backend.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// SetRememberDuration opens a window during which the unlocked state survives reloads.
// A non-positive duration closes it.
func (s *Store) SetRememberDuration(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return s.Delete(ctx, KeyRememberUntil)
	}
	until := s.now().Add(d).UnixMilli()
	return s.Set(ctx, KeyRememberUntil, strconv.FormatInt(until, 10), d)
}

// Remembered reports whether a remember window is open.
func (s *Store) Remembered(ctx context.Context) (bool, error) {
	_, ok, err := s.Get(ctx, KeyRememberUntil)
	return ok, err
}

func (s *Store) encode(key string, e entry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	if s.sealer == nil {
		return string(b), nil
	}

	sealed, err := s.sealer.Seal(b, []byte(key))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decode(key, raw string) (entry, error) {
	var e entry

	b := []byte(raw)
	if s.sealer != nil {
		sealed, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return e, err
		}
		b, err = s.sealer.Open(sealed, []byte(key))
		if err != nil {
			return e, err
		}
	}

	if err := json.Unmarshal(b, &e); err != nil {
		return e, err
	}
	return e, nil
}
