package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"key_enclave/internal/cryptographic/box"
	"key_enclave/internal/cryptographic/kdf"
	"key_enclave/internal/model"
	"key_enclave/internal/service/affordance"
	"key_enclave/internal/service/dialog"
	"key_enclave/internal/service/dialog/dialogtest"
	"key_enclave/internal/service/store"
)

const (
	testHumanID  = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	testOrigin   = "https://app.example"
	testPassword = "correct-horse"
)

type fixture struct {
	store   *store.Store
	opener  *dialogtest.Opener
	broker  *dialog.Broker
	buttons *affordance.Set
	clock   *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture() *fixture {
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return &fixture{
		store: store.New(store.NewMemoryBackend(), store.WithClock(c.Now)),
		clock: c,
	}
}

// session builds a fresh Session over the fixture's store, as after a reload.
func (f *fixture) session(opts ...Option) *Session {
	f.opener = dialogtest.NewOpener()
	f.broker = dialog.NewBroker(f.opener, dialog.Config{BaseURL: "https://enclave.example"})
	f.buttons = affordance.NewSet(true)
	return New(f.store, f.broker, f.buttons, append([]Option{WithClock(f.clock.Now)}, opts...)...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func serveAuth(ctx context.Context, o *dialogtest.Opener, res model.AuthResult, seen chan<- model.DialogRequest) {
	o.Serve(ctx, func(req model.DialogRequest) (any, error) {
		if seen != nil {
			seen <- req
		}
		return res, nil
	})
}

func expectedPublicKey(t *testing.T) []byte {
	sk, err := kdf.Derive(testPassword, testHumanID)
	require.NoError(t, err)
	kp, err := box.KeyPairFromSecret(sk)
	require.NoError(t, err)
	return kp.PublicKey[:]
}

func TestStorage(t *testing.T) {
	t.Run("empty before unlock", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()

		rec, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID, SignerAddress: "0xabc"})
		require.NoError(t, err)
		require.Equal(t, model.StorageRecord{}, rec)

		rec, err = s.Storage(ctx, testOrigin, StorageParams{})
		require.NoError(t, err)
		require.Equal(t, model.StorageRecord{}, rec)

		id, ok, err := f.store.Get(ctx, store.KeyHumanID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, testHumanID, id)
	})

	t.Run("live record after unlock", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		serveAuth(ctx, f.opener, model.AuthResult{AuthMethod: model.AuthMethodPassword, Password: testPassword}, nil)

		_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID, SignerPublicKey: "spk"})
		require.NoError(t, err)
		require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))

		rec, err := s.Storage(ctx, testOrigin, StorageParams{})
		require.NoError(t, err)
		require.Equal(t, testHumanID, rec.HumanID)
		require.Equal(t, "spk", rec.SignerPublicKey)
		require.Equal(t, base64.StdEncoding.EncodeToString(expectedPublicKey(t)), rec.EncryptionPublicKey)

		other, err := s.Storage(ctx, "https://other.example", StorageParams{})
		require.NoError(t, err)
		require.Equal(t, model.StorageRecord{}, other)
	})

	t.Run("new human id resets the session", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword}, nil)

		_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
		require.NoError(t, err)
		require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))

		rec, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: "9b2d6c1e-0f4a-4e8b-9d3c-1a2b3c4d5e6f"})
		require.NoError(t, err)
		require.Equal(t, model.StorageRecord{}, rec)
		require.Equal(t, StateLocked, s.State())
	})
}

func TestEnsureUnlocked(t *testing.T) {
	t.Run("first time dialog carries the expected key", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		seen := make(chan model.DialogRequest, 1)
		serveAuth(ctx, f.opener, model.AuthResult{AuthMethod: model.AuthMethodPassword, Password: testPassword}, seen)

		_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID, ExpectedUserEncryptionPublicKey: "expected"})
		require.NoError(t, err)
		require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))
		require.Equal(t, StateUnlocked, s.State())

		req := <-seen
		require.Equal(t, model.IntentAuth, req.Intent)
		msg, err := json.Marshal(req.Message)
		require.NoError(t, err)
		require.JSONEq(t, `{"expectedUserEncryptionPublicKey":"expected","humanId":"`+testHumanID+`"}`, string(msg))

		ok, err := s.Authorized(ctx, testOrigin)
		require.NoError(t, err)
		require.True(t, ok)

		method, _, err := f.store.Get(ctx, store.KeyPreferredAuthMethod)
		require.NoError(t, err)
		require.Equal(t, string(model.AuthMethodPassword), method)

		_, persisted, err := f.store.Get(ctx, store.KeyPassword)
		require.NoError(t, err)
		require.False(t, persisted)

		require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))
		require.Equal(t, 1, f.opener.Count())
	})

	t.Run("concurrent calls open one dialog", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
		require.NoError(t, err)

		errs := make(chan error, 2)
		go func() { errs <- s.EnsureUnlocked(ctx, testOrigin) }()

		w, err := f.opener.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, StateUnlocking, s.State())

		go func() { errs <- s.EnsureUnlocked(ctx, testOrigin) }()
		time.Sleep(50 * time.Millisecond)

		_, err = w.Request(ctx)
		require.NoError(t, err)
		require.NoError(t, w.Resolve(model.AuthResult{Password: testPassword}))

		require.NoError(t, <-errs)
		require.NoError(t, <-errs)
		require.Equal(t, 1, f.opener.Count())
	})

	t.Run("rejected dialog stays locked and re-enables unlock", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		f.opener.Serve(ctx, func(model.DialogRequest) (any, error) {
			return nil, errors.New("cancelled")
		})

		err := s.EnsureUnlocked(ctx, testOrigin)
		require.ErrorIs(t, err, ErrAuthFailed)
		require.ErrorIs(t, err, dialog.ErrRejected)
		require.Equal(t, StateLocked, s.State())
		require.Equal(t, affordance.State{Visible: true, Enabled: true}, f.buttons.Unlock.State())

		ok, err := s.Authorized(ctx, testOrigin)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("reply without a password is incomplete", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		serveAuth(ctx, f.opener, model.AuthResult{AuthMethod: model.AuthMethodPassword}, nil)

		err := s.EnsureUnlocked(ctx, testOrigin)
		require.ErrorIs(t, err, ErrIncompleteSession)
		require.NotErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("preferred method opens its dialog directly", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		serveAuth(ctx, f.opener, model.AuthResult{AuthMethod: model.AuthMethodPassword, Password: testPassword}, nil)
		_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
		require.NoError(t, err)
		require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))

		reloaded := f.session()
		seen := make(chan model.DialogRequest, 1)
		serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword}, seen)
		require.NoError(t, reloaded.Load(ctx))
		require.Equal(t, StateLocked, reloaded.State())

		require.NoError(t, reloaded.EnsureUnlocked(ctx, testOrigin))
		require.Equal(t, model.IntentPassword, (<-seen).Intent)
	})

	t.Run("stored passkey goes to the authenticator", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		s := f.session()
		serveAuth(ctx, f.opener, model.AuthResult{
			AuthMethod:   model.AuthMethodPasskey,
			Password:     testPassword,
			CredentialID: base64.StdEncoding.EncodeToString([]byte("cred-1")),
		}, nil)
		_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
		require.NoError(t, err)
		require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))

		authn := &fakeAuthenticator{result: &model.PasskeyAssertionResult{
			RawID:      []byte("cred-2"),
			UserHandle: []byte(testPassword),
		}}
		reloaded := f.session(WithAuthenticator(authn))
		require.NoError(t, reloaded.EnsureUnlocked(ctx, testOrigin))

		require.Equal(t, 0, f.opener.Count())
		require.Equal(t, []byte("cred-1"), authn.credentialID)
		require.Len(t, authn.challenge, challengeSize)

		id, _, err := reloaded.bytes.Get(ctx, store.KeyCredentialID)
		require.NoError(t, err)
		require.Equal(t, []byte("cred-2"), id)

		pub, err := reloaded.Keys(ctx, testOrigin)
		require.NoError(t, err)
		require.Equal(t, expectedPublicKey(t), pub)
	})

	t.Run("passkey without user handle is incomplete", func(t *testing.T) {
		ctx := testContext(t)
		f := newFixture()
		require.NoError(t, store.NewView(f.store, store.Base64).Set(ctx, store.KeyCredentialID, []byte("cred"), 0))

		s := f.session(WithAuthenticator(&fakeAuthenticator{result: &model.PasskeyAssertionResult{RawID: []byte("cred")}}))
		require.ErrorIs(t, s.EnsureUnlocked(ctx, testOrigin), ErrIncompleteSession)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		f := newFixture()
		s := f.session()
		ctx, cancel := context.WithCancel(context.Background())

		errs := make(chan error, 1)
		go func() { errs <- s.EnsureUnlocked(ctx, testOrigin) }()
		_, err := f.opener.Next(testContext(t))
		require.NoError(t, err)
		cancel()

		err = <-errs
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, ErrAuthFailed)
	})
}

func TestRemember(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword, Duration: 1}, nil)
	_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
	require.NoError(t, err)
	require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))

	_, ok, err := f.store.Get(ctx, store.KeyEncryptionPrivateKey)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("within the window", func(t *testing.T) {
		f.clock.Advance(12 * time.Hour)
		reloaded := f.session()
		require.NoError(t, reloaded.Load(ctx))
		require.Equal(t, StateUnlocked, reloaded.State())

		pub, err := reloaded.Keys(ctx, testOrigin)
		require.NoError(t, err)
		require.Equal(t, expectedPublicKey(t), pub)
		require.Equal(t, 0, f.opener.Count())
	})

	t.Run("after the window", func(t *testing.T) {
		f.clock.Advance(13 * time.Hour)
		reloaded := f.session()
		require.NoError(t, reloaded.Load(ctx))
		require.Equal(t, StateLocked, reloaded.State())

		for _, k := range []string{store.KeyPassword, store.KeyEncryptionPrivateKey, store.KeyRememberUntil} {
			_, ok, err := f.store.Get(ctx, k)
			require.NoError(t, err)
			require.False(t, ok, k)
		}
	})
}

func TestRememberWindowEndsLiveSession(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword, Duration: 1}, nil)
	_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
	require.NoError(t, err)

	_, err = s.Keys(ctx, testOrigin)
	require.NoError(t, err)
	require.Equal(t, 1, f.opener.Count())

	f.clock.Advance(12 * time.Hour)
	_, err = s.Keys(ctx, testOrigin)
	require.NoError(t, err)
	require.Equal(t, 1, f.opener.Count())

	f.clock.Advance(36 * time.Hour)
	_, ok, err := f.store.Get(ctx, store.KeyPassword)
	require.NoError(t, err)
	require.False(t, ok)

	pub, err := s.Keys(ctx, testOrigin)
	require.NoError(t, err)
	require.Equal(t, expectedPublicKey(t), pub)
	require.Equal(t, 2, f.opener.Count())
	require.Equal(t, StateUnlocked, s.State())
}

func TestMemoryOnlyUnlockHasNoDeadline(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword}, nil)
	_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
	require.NoError(t, err)

	_, err = s.Keys(ctx, testOrigin)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	_, err = s.Keys(ctx, testOrigin)
	require.NoError(t, err)
	require.Equal(t, 1, f.opener.Count())
}

func TestEncryptDecrypt(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword}, nil)
	_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
	require.NoError(t, err)

	peer, err := box.KeyPairFromSecret(make32(7))
	require.NoError(t, err)

	t.Run("peer decrypts what the enclave encrypted", func(t *testing.T) {
		msg, err := s.Encrypt(ctx, testOrigin, []byte("hello"), peer.PublicKey[:])
		require.NoError(t, err)
		require.Equal(t, expectedPublicKey(t), msg.EncryptorPublicKey)

		var sender [box.KeySize]byte
		copy(sender[:], msg.EncryptorPublicKey)
		plain, err := box.Decrypt(msg.Content, &sender, &peer.SecretKey)
		require.NoError(t, err)
		require.Equal(t, "hello", string(plain))
	})

	t.Run("enclave decrypts what the peer encrypted", func(t *testing.T) {
		var receiver [box.KeySize]byte
		copy(receiver[:], expectedPublicKey(t))
		blob, err := box.Encrypt([]byte("hi back"), &receiver, &peer.SecretKey)
		require.NoError(t, err)

		plain, err := s.Decrypt(ctx, testOrigin, blob, peer.PublicKey[:])
		require.NoError(t, err)
		require.Equal(t, "hi back", string(plain))
	})

	t.Run("own key when no peer is given", func(t *testing.T) {
		msg, err := s.Encrypt(ctx, testOrigin, []byte("note to self"), nil)
		require.NoError(t, err)

		plain, err := s.Decrypt(ctx, testOrigin, msg.Content, nil)
		require.NoError(t, err)
		require.Equal(t, "note to self", string(plain))
	})

	t.Run("wrong sender fails", func(t *testing.T) {
		msg, err := s.Encrypt(ctx, testOrigin, []byte("hello"), nil)
		require.NoError(t, err)

		_, err = s.Decrypt(ctx, testOrigin, msg.Content, peer.PublicKey[:])
		require.ErrorIs(t, err, box.ErrDecryptionFailed)
	})

	t.Run("malformed public key", func(t *testing.T) {
		_, err := s.Encrypt(ctx, testOrigin, []byte("hello"), []byte("short"))
		require.ErrorIs(t, err, ErrInvalidPublicKey)
	})

	require.Equal(t, 1, f.opener.Count())
}

func TestConfirm(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	seen := make(chan model.DialogRequest, 1)
	f.opener.Serve(ctx, func(req model.DialogRequest) (any, error) {
		seen <- req
		return model.ConfirmResult{Confirmed: true}, nil
	})

	ok, err := s.Confirm(ctx, testOrigin, "share your country?")
	require.NoError(t, err)
	require.True(t, ok)

	req := <-seen
	require.Equal(t, model.IntentConfirm, req.Intent)
	msg, err := json.Marshal(req.Message)
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"share your country?","origin":"https://app.example"}`, string(msg))
}

func TestBackup(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	parent := &dialogtest.Parent{}
	_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.BackupPasswordOrSecret(dialog.WithParent(ctx, parent), testOrigin)
		done <- err
	}()

	auth, err := f.opener.Next(ctx)
	require.NoError(t, err)
	_, err = auth.Request(ctx)
	require.NoError(t, err)
	require.NoError(t, auth.Resolve(model.AuthResult{Password: testPassword}))

	backup, err := f.opener.Next(ctx)
	require.NoError(t, err)
	req, err := backup.Request(ctx)
	require.NoError(t, err)
	require.Equal(t, model.IntentBackup, req.Intent)
	msg, err := json.Marshal(req.Message)
	require.NoError(t, err)
	require.JSONEq(t, `{"authMethod":"password","secret":"correct-horse"}`, string(msg))

	require.NoError(t, backup.Resolve(model.StoreEvent{
		Type:    model.StoreEventType,
		Status:  model.StoreStatusPending,
		Payload: json.RawMessage(`{"backup":"blob"}`),
	}))
	_, err = backup.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, backup.Resolve(model.StoreEvent{Type: model.StoreEventType, Status: model.StoreStatusSuccess}))

	require.NoError(t, <-done)
	require.Len(t, parent.Events(), 1)
}

func TestConfigure(t *testing.T) {
	f := newFixture()
	s := f.session()

	require.ErrorIs(t, s.Configure(model.Configuration{Mode: "weird"}), ErrInvalidMode)

	require.NoError(t, s.Configure(model.Configuration{Mode: model.ModeNew, Theme: "dark"}))
	require.Equal(t, model.ModeNew, f.broker.Configuration().Mode)
	require.Equal(t, 600, f.broker.Geometry(model.IntentAuth).Height)

	require.NoError(t, s.Configure(model.Configuration{}))
	require.Equal(t, model.ModeExisting, s.Configuration().Mode)
}

func TestReset(t *testing.T) {
	ctx := testContext(t)
	f := newFixture()
	s := f.session()
	serveAuth(ctx, f.opener, model.AuthResult{Password: testPassword}, nil)
	_, err := s.Storage(ctx, testOrigin, StorageParams{HumanID: testHumanID})
	require.NoError(t, err)
	require.NoError(t, s.EnsureUnlocked(ctx, testOrigin))

	require.NoError(t, s.Reset(ctx))
	require.Equal(t, StateLocked, s.State())

	_, err = s.Encrypt(ctx, testOrigin, []byte("x"), nil)
	require.ErrorIs(t, err, ErrAuthFailed)
	require.ErrorIs(t, err, kdf.ErrInvalidSalt)

	ok, err := s.Authorized(ctx, testOrigin)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, StateLocked, s.State())
}

type fakeAuthenticator struct {
	result *model.PasskeyAssertionResult
	err    error

	challenge    []byte
	credentialID []byte
}

func (a *fakeAuthenticator) GetAssertion(_ context.Context, _ string, challenge, credentialID []byte) (*model.PasskeyAssertionResult, error) {
	a.challenge = challenge
	a.credentialID = credentialID
	return a.result, a.err
}

func make32(b byte) []byte {
	out := make([]byte, box.KeySize)
	for i := range out {
		out[i] = b + byte(i)
	}
	return out
}
