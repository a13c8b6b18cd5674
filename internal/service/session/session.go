package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"key_enclave/internal/model"
	"key_enclave/internal/service/affordance"
	"key_enclave/internal/service/store"
	"key_enclave/internal/utils/log"
)

var (
	ErrAuthFailed        = errors.New("authentication failed")
	ErrIncompleteSession = errors.New("unexpected incomplete session")
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidMode       = errors.New("invalid configuration mode")
	ErrLocked            = errors.New("session is locked")
)

type State int

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dialogs opens human-facing dialog windows.
type Dialogs interface {
	Open(ctx context.Context, humanID string, intent model.Intent, message any) (json.RawMessage, error)
	Configure(c model.Configuration)
}

// Authenticator is the platform passkey authenticator.
type Authenticator interface {
	GetAssertion(ctx context.Context, humanID string, challenge, credentialID []byte) (*model.PasskeyAssertionResult, error)
}

type rejectHooker interface {
	SetRejectHook(fn func(intent model.Intent))
}

// StorageParams are the identifiers a parent may hand over on a storage call.
type StorageParams struct {
	HumanID                         string `mapstructure:"humanId"`
	SignerAddress                   string `mapstructure:"signerAddress"`
	SignerPublicKey                 string `mapstructure:"signerPublicKey"`
	ExpectedUserEncryptionPublicKey string `mapstructure:"expectedUserEncryptionPublicKey"`
}

// Session is the enclave's single mutable state: the unlock state machine, the key pair and the
// authorized origins. Every operation that touches key material unlocks lazily.
type Session struct {
	store   *store.Store
	bytes   *store.View[[]byte]
	origins *store.View[[]string]

	dialogs Dialogs
	authn   Authenticator
	buttons *affordance.Set
	now     func() time.Time

	unlock singleflight.Group

	mu                sync.Mutex
	state             State
	password          *memguard.Enclave
	secretKey         *memguard.Enclave
	publicKey         []byte
	rememberUntil     time.Time
	configuration     model.Configuration
	expectedPublicKey string
}

type Option func(*Session)

func WithAuthenticator(a Authenticator) Option {
	return func(s *Session) {
		s.authn = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func New(st *store.Store, dialogs Dialogs, buttons *affordance.Set, opts ...Option) *Session {
	s := &Session{
		store:         st,
		bytes:         store.NewView(st, store.Base64),
		origins:       store.NewView(st, store.JSON[[]string]()),
		dialogs:       dialogs,
		buttons:       buttons,
		now:           time.Now,
		configuration: model.Configuration{Mode: model.ModeExisting},
	}
	for _, opt := range opts {
		opt(s)
	}

	if h, ok := dialogs.(rejectHooker); ok {
		h.SetRejectHook(s.dialogRejected)
	}
	return s
}

// dialogRejected makes the button that led to a rejected dialog clickable again.
func (s *Session) dialogRejected(intent model.Intent) {
	switch intent {
	case model.IntentConfirm:
		s.buttons.Confirm.Enable()
	case model.IntentBackup:
		s.buttons.Backup.Enable()
	default:
		s.buttons.Unlock.Enable()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Load restores a remembered unlock from the store. An elapsed remember window drops the
// persisted password and cached private key.
func (s *Session) Load(ctx context.Context) error {
	remembered, err := s.store.Remembered(ctx)
	if err != nil {
		return err
	}
	if !remembered {
		for _, k := range []string{store.KeyPassword, store.KeyEncryptionPrivateKey} {
			if err := s.store.Delete(ctx, k); err != nil {
				return err
			}
		}
		return nil
	}

	pw, ok, err := s.store.Get(ctx, store.KeyPassword)
	if err != nil || !ok {
		return err
	}
	s.setPassword(pw)
	if err := s.trackRemember(ctx); err != nil {
		return err
	}

	if sk, ok, err := s.bytes.Get(ctx, store.KeyEncryptionPrivateKey); err != nil {
		return err
	} else if ok {
		if err := s.setSecretKey(sk); err != nil {
			return err
		}
	}

	s.setState(StateUnlocked)
	log.Info("session restored from remembered unlock")
	return nil
}

// Reset wipes every persisted entry and all in-memory key material.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.password = nil
	s.secretKey = nil
	s.publicKey = nil
	s.rememberUntil = time.Time{}
	s.expectedPublicKey = ""
	s.state = StateLocked
	s.mu.Unlock()

	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	log.Info("session reset")
	return nil
}

// Storage records any supplied identifiers and discloses the live record to authorized
// origins only.
func (s *Session) Storage(ctx context.Context, origin string, p StorageParams) (model.StorageRecord, error) {
	if p.HumanID != "" {
		current, ok, err := s.store.Get(ctx, store.KeyHumanID)
		if err != nil {
			return model.StorageRecord{}, err
		}
		if ok && current != p.HumanID {
			log.Info("human id changed, resetting session", zap.String("origin", origin))
			if err := s.Reset(ctx); err != nil {
				return model.StorageRecord{}, err
			}
		}
	}

	for _, kv := range []struct{ key, val string }{
		{store.KeyHumanID, p.HumanID},
		{store.KeySignerAddress, p.SignerAddress},
		{store.KeySignerPublicKey, p.SignerPublicKey},
	} {
		if kv.val == "" {
			continue
		}
		if err := s.store.Set(ctx, kv.key, kv.val, 0); err != nil {
			return model.StorageRecord{}, err
		}
	}

	if p.ExpectedUserEncryptionPublicKey != "" {
		s.mu.Lock()
		s.expectedPublicKey = p.ExpectedUserEncryptionPublicKey
		s.mu.Unlock()
	}

	authorized, err := s.Authorized(ctx, origin)
	if err != nil {
		return model.StorageRecord{}, err
	}
	if !authorized {
		return model.StorageRecord{}, nil
	}

	var rec model.StorageRecord
	for _, f := range []struct {
		key string
		dst *string
	}{
		{store.KeyHumanID, &rec.HumanID},
		{store.KeyEncryptionPublicKey, &rec.EncryptionPublicKey},
		{store.KeySignerAddress, &rec.SignerAddress},
		{store.KeySignerPublicKey, &rec.SignerPublicKey},
	} {
		val, _, err := s.store.Get(ctx, f.key)
		if err != nil {
			return model.StorageRecord{}, err
		}
		*f.dst = val
	}
	return rec, nil
}

// Authorized reports whether origin has completed an unlock.
func (s *Session) Authorized(ctx context.Context, origin string) (bool, error) {
	origins, _, err := s.origins.Get(ctx, store.KeyAuthorizedOrigins)
	if err != nil {
		return false, err
	}
	return slices.Contains(origins, origin), nil
}

func (s *Session) authorize(ctx context.Context, origin string) error {
	origins, _, err := s.origins.Get(ctx, store.KeyAuthorizedOrigins)
	if err != nil {
		return err
	}
	if slices.Contains(origins, origin) {
		return nil
	}
	return s.origins.Set(ctx, store.KeyAuthorizedOrigins, append(origins, origin), 0)
}

// Configure sets the dialog configuration used from now on.
func (s *Session) Configure(c model.Configuration) error {
	switch c.Mode {
	case "":
		c.Mode = model.ModeExisting
	case model.ModeNew, model.ModeExisting:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}

	s.mu.Lock()
	s.configuration = c
	s.mu.Unlock()

	s.dialogs.Configure(c)
	return nil
}

func (s *Session) Configuration() model.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configuration
}

func (s *Session) humanID(ctx context.Context) (string, error) {
	id, _, err := s.store.Get(ctx, store.KeyHumanID)
	return id, err
}
