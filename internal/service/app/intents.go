package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"key_enclave/internal/model"
	"key_enclave/internal/utils/log"
)

const passkeySecretSize = 32

var ErrCancelled = errors.New("cancelled by user")

// Credentials is what the human typed into an unlock form.
type Credentials struct {
	Method       model.AuthMethod
	Password     string
	RememberDays float64
}

// Prompter asks the human. Every method blocks until the human answers.
type Prompter interface {
	Credentials(title string, allowPasskey bool) (Credentials, error)
	Confirm(title, text string) (bool, error)
}

// Responder is the dialog's reply channel to the enclave.
type Responder interface {
	Resolve(result any) error
	Reject(message string) error
	Store(ctx context.Context, payload any) error
}

type Handler struct {
	humanID string
	authn   *Authenticator
	prompt  Prompter
	reply   Responder
}

func NewHandler(humanID string, authn *Authenticator, prompt Prompter, reply Responder) *Handler {
	return &Handler{humanID: humanID, authn: authn, prompt: prompt, reply: reply}
}

// Handle runs one dialog request and posts its terminal reply.
func (h *Handler) Handle(ctx context.Context, req model.DialogRequest) error {
	result, err := h.run(ctx, req)
	if err != nil {
		log.Info("dialog declined", zap.String("intent", string(req.Intent)), zap.Error(err))
		return h.reply.Reject(err.Error())
	}
	return h.reply.Resolve(result)
}

func (h *Handler) run(ctx context.Context, req model.DialogRequest) (any, error) {
	switch req.Intent {
	case model.IntentAuth:
		var msg model.AuthMessage
		if err := decodeMessage(req.Message, &msg); err != nil {
			return nil, err
		}
		return h.unlock("Unlock your enclave", true, msg.ExpectedUserEncryptionPublicKey)
	case model.IntentPassword:
		return h.unlock("Enter your password", false, "")
	case model.IntentPasskey:
		return h.passkey()
	case model.IntentPasskeyAssertion:
		var msg model.PasskeyAssertionMessage
		if err := decodeMessage(req.Message, &msg); err != nil {
			return nil, err
		}
		return h.assert(msg)
	case model.IntentConfirm:
		var msg model.ConfirmMessage
		if err := decodeMessage(req.Message, &msg); err != nil {
			return nil, err
		}
		ok, err := h.prompt.Confirm("Confirm", fmt.Sprintf("%s asks:\n\n%s", msg.Origin, msg.Message))
		if err != nil {
			return nil, err
		}
		return model.ConfirmResult{Confirmed: ok}, nil
	case model.IntentBackup:
		var msg model.BackupMessage
		if err := decodeMessage(req.Message, &msg); err != nil {
			return nil, err
		}
		return h.backup(ctx, msg)
	}
	return nil, fmt.Errorf("unsupported intent %q", req.Intent)
}

func (h *Handler) unlock(title string, allowPasskey bool, expected string) (any, error) {
	creds, err := h.prompt.Credentials(title, allowPasskey)
	if err != nil {
		return nil, err
	}

	if creds.Method == model.AuthMethodPasskey {
		secret := make([]byte, passkeySecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		password := base64.StdEncoding.EncodeToString(secret)
		id, err := h.authn.Create(h.humanID, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("create passkey: %w", err)
		}
		return model.AuthResult{
			AuthMethod:   model.AuthMethodPasskey,
			Password:     password,
			Duration:     creds.RememberDays,
			CredentialID: base64.StdEncoding.EncodeToString(id),
		}, nil
	}

	if creds.Password == "" {
		return nil, ErrCancelled
	}
	ok, err := MatchesExpected(creds.Password, h.humanID, expected)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn("password restores a different identity than expected")
		proceed, err := h.prompt.Confirm("Different identity",
			"This password unlocks a different identity than the application expects. Continue anyway?")
		if err != nil {
			return nil, err
		}
		if !proceed {
			return nil, errors.New("password does not match the expected identity")
		}
	}

	return model.AuthResult{
		AuthMethod: model.AuthMethodPassword,
		Password:   creds.Password,
		Duration:   creds.RememberDays,
	}, nil
}

func (h *Handler) passkey() (any, error) {
	id, ok := h.authn.Find(h.humanID)
	if !ok {
		return nil, ErrNoCredential
	}
	ok, err := h.prompt.Confirm("Passkey", "Unlock with your passkey?")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCancelled
	}

	challenge := make([]byte, passkeySecretSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	a, err := h.authn.Assert(id, challenge)
	if err != nil {
		return nil, err
	}
	return model.AuthResult{
		AuthMethod:   model.AuthMethodPasskey,
		Password:     string(a.UserHandle),
		CredentialID: base64.StdEncoding.EncodeToString(a.RawID),
	}, nil
}

func (h *Handler) assert(msg model.PasskeyAssertionMessage) (any, error) {
	ok, err := h.prompt.Confirm("Passkey", "Unlock with your passkey?")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCancelled
	}
	return h.authn.Assert(msg.CredentialID, msg.Challenge)
}

func (h *Handler) backup(ctx context.Context, msg model.BackupMessage) (any, error) {
	what := "password"
	if msg.AuthMethod == model.AuthMethodPasskey {
		what = "passkey secret"
	}
	ok, err := h.prompt.Confirm("Backup", fmt.Sprintf("Hand your %s to the application for backup?", what))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCancelled
	}

	if err := h.reply.Store(ctx, map[string]string{
		"kind":   string(msg.AuthMethod),
		"secret": msg.Secret,
	}); err != nil {
		return nil, fmt.Errorf("backup store: %w", err)
	}
	return map[string]string{"status": model.StoreStatusDone}, nil
}

// decodeMessage converts the generic request message into v.
func decodeMessage(msg any, v any) error {
	if msg == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed dialog message: %w", err)
	}
	return nil
}
