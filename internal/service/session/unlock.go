package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"key_enclave/internal/cryptographic/kdf"
	"key_enclave/internal/model"
	"key_enclave/internal/service/store"
	"key_enclave/internal/utils/log"
)

const challengeSize = 32

// Secret is what a successful auth factor yields.
type Secret struct {
	Password     string
	Method       model.AuthMethod
	Remember     time.Duration
	CredentialID []byte
}

// AuthFactor is one way of obtaining the password.
type AuthFactor interface {
	Name() string
	Attempt(ctx context.Context) (*Secret, error)
}

type passkeyFactor struct {
	authn        Authenticator
	humanID      string
	credentialID []byte
}

func (f *passkeyFactor) Name() string {
	return "passkey"
}

func (f *passkeyFactor) Attempt(ctx context.Context) (*Secret, error) {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("rand.Read challenge: %w", err)
	}

	a, err := f.authn.GetAssertion(ctx, f.humanID, challenge, f.credentialID)
	if err != nil {
		return nil, err
	}
	if len(a.UserHandle) == 0 {
		return nil, ErrIncompleteSession
	}
	return &Secret{
		Password:     string(a.UserHandle),
		Method:       model.AuthMethodPasskey,
		CredentialID: a.RawID,
	}, nil
}

type dialogFactor struct {
	dialogs Dialogs
	humanID string
	intent  model.Intent
	message any
}

func (f *dialogFactor) Name() string {
	return string(f.intent)
}

func (f *dialogFactor) Attempt(ctx context.Context) (*Secret, error) {
	raw, err := f.dialogs.Open(ctx, f.humanID, f.intent, f.message)
	if err != nil {
		return nil, err
	}

	var res model.AuthResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteSession, err)
	}
	if res.Password == "" {
		return nil, ErrIncompleteSession
	}

	method := res.AuthMethod
	switch f.intent {
	case model.IntentPassword:
		method = model.AuthMethodPassword
	case model.IntentPasskey:
		method = model.AuthMethodPasskey
	}
	if !method.Valid() {
		method = model.AuthMethodPassword
	}

	sec := &Secret{
		Password: res.Password,
		Method:   method,
		Remember: time.Duration(res.Duration * float64(24*time.Hour)),
	}
	if res.CredentialID != "" {
		id, err := base64.StdEncoding.DecodeString(res.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("%w: credential id: %v", ErrIncompleteSession, err)
		}
		sec.CredentialID = id
	}
	return sec, nil
}

// factor picks the auth path: a stored passkey, then a preferred method, then the first-time
// dialog.
func (s *Session) factor(ctx context.Context) (AuthFactor, error) {
	humanID, err := s.humanID(ctx)
	if err != nil {
		return nil, err
	}

	credentialID, ok, err := s.bytes.Get(ctx, store.KeyCredentialID)
	if err != nil {
		return nil, err
	}
	if ok && len(credentialID) > 0 && s.authn != nil {
		return &passkeyFactor{authn: s.authn, humanID: humanID, credentialID: credentialID}, nil
	}

	preferred, ok, err := s.store.Get(ctx, store.KeyPreferredAuthMethod)
	if err != nil {
		return nil, err
	}
	if ok && model.AuthMethod(preferred).Valid() {
		return &dialogFactor{dialogs: s.dialogs, humanID: humanID, intent: model.Intent(preferred)}, nil
	}

	s.mu.Lock()
	expected := s.expectedPublicKey
	s.mu.Unlock()
	return &dialogFactor{
		dialogs: s.dialogs,
		humanID: humanID,
		intent:  model.IntentAuth,
		message: model.AuthMessage{ExpectedUserEncryptionPublicKey: expected, HumanID: humanID},
	}, nil
}

// EnsureUnlocked returns once origin is authorized and a password is available. Concurrent
// calls for the same origin share one unlock attempt and therefore one dialog.
func (s *Session) EnsureUnlocked(ctx context.Context, origin string) error {
	ok, err := s.unlocked(ctx, origin)
	if err != nil || ok {
		return err
	}

	_, err, shared := s.unlock.Do(origin, func() (any, error) {
		return nil, s.doUnlock(ctx, origin)
	})
	if shared {
		log.Debug("joined in-flight unlock", zap.String("origin", origin))
	}
	return err
}

func (s *Session) unlocked(ctx context.Context, origin string) (bool, error) {
	authorized, err := s.Authorized(ctx, origin)
	if err != nil || !authorized {
		return false, err
	}

	s.mu.Lock()
	inMemory := s.password != nil
	expired := inMemory && !s.rememberUntil.IsZero() && !s.now().Before(s.rememberUntil)
	if expired {
		s.password = nil
		s.secretKey = nil
		s.publicKey = nil
		s.rememberUntil = time.Time{}
		s.state = StateLocked
	}
	s.mu.Unlock()
	if expired {
		log.Info("remember window elapsed, locking", zap.String("origin", origin))
	} else if inMemory {
		return true, nil
	}

	pw, ok, err := s.store.Get(ctx, store.KeyPassword)
	if err != nil || !ok {
		return false, err
	}
	s.setPassword(pw)
	if err := s.trackRemember(ctx); err != nil {
		return false, err
	}
	s.setState(StateUnlocked)
	return true, nil
}

// trackRemember bounds the in-memory password by the stored remember window, if any.
func (s *Session) trackRemember(ctx context.Context) error {
	left, ok, err := s.rememberLeft(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rememberUntil = time.Time{}
	if ok {
		s.rememberUntil = s.now().Add(left)
	}
	return nil
}

func (s *Session) doUnlock(ctx context.Context, origin string) error {
	prev := s.State()
	s.setState(StateUnlocking)

	err := s.attemptUnlock(ctx, origin)
	if err != nil {
		if prev == StateUnlocking {
			prev = StateLocked
		}
		s.setState(prev)
		s.buttons.Unlock.Enable()
		log.Info("unlock failed", zap.String("origin", origin), zap.Error(err))

		if errors.Is(err, ErrIncompleteSession) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	s.setState(StateUnlocked)
	log.Info("unlocked", zap.String("origin", origin))
	return nil
}

func (s *Session) attemptUnlock(ctx context.Context, origin string) error {
	if err := s.buttons.Unlock.Await(ctx); err != nil {
		return err
	}

	f, err := s.factor(ctx)
	if err != nil {
		return err
	}
	log.Debug("auth factor chosen", zap.String("factor", f.Name()))

	sec, err := f.Attempt(ctx)
	if err != nil {
		return err
	}
	return s.commit(ctx, origin, sec)
}

// commit persists a successful unlock.
func (s *Session) commit(ctx context.Context, origin string, sec *Secret) error {
	humanID, err := s.humanID(ctx)
	if err != nil {
		return err
	}
	if !kdf.ValidSalt(humanID) {
		return kdf.ErrInvalidSalt
	}

	if sec.Remember > 0 {
		if err := s.store.Set(ctx, store.KeyPassword, sec.Password, sec.Remember); err != nil {
			return err
		}
	} else if err := s.store.Delete(ctx, store.KeyPassword); err != nil {
		return err
	}
	if err := s.store.SetRememberDuration(ctx, sec.Remember); err != nil {
		return err
	}

	s.mu.Lock()
	s.secretKey = nil
	s.publicKey = nil
	s.rememberUntil = time.Time{}
	if sec.Remember > 0 {
		s.rememberUntil = s.now().Add(sec.Remember)
	}
	s.mu.Unlock()
	s.setPassword(sec.Password)

	if err := s.authorize(ctx, origin); err != nil {
		return err
	}
	if err := s.store.Set(ctx, store.KeyPreferredAuthMethod, string(sec.Method), 0); err != nil {
		return err
	}
	if len(sec.CredentialID) > 0 {
		if err := s.bytes.Set(ctx, store.KeyCredentialID, sec.CredentialID, 0); err != nil {
			return err
		}
	}

	_, err = s.EnsureKeyPair(ctx)
	return err
}

func (s *Session) setPassword(pw string) {
	e := memguard.NewEnclave([]byte(pw))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = e
}

func (s *Session) openPassword() (string, error) {
	s.mu.Lock()
	e := s.password
	s.mu.Unlock()
	if e == nil {
		return "", ErrLocked
	}

	lb, err := e.Open()
	if err != nil {
		return "", err
	}
	defer lb.Destroy()
	return string(lb.Bytes()), nil
}
