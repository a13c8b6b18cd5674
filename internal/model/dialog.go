package model

import "encoding/json"

type Intent string

const (
	IntentAuth             Intent = "auth"
	IntentPassword         Intent = "password"
	IntentPasskey          Intent = "passkey"
	IntentPasskeyAssertion Intent = "passkeyAssertion"
	IntentConfirm          Intent = "confirm"
	IntentBackup           Intent = "backupPasswordOrSecret"
)

const (
	StoreEventType = "idOS:store"

	StoreStatusPending = "pending"
	StoreStatusSuccess = "success"
	StoreStatusDone    = "done"
)

type (
	// DialogRequest is the first message a dialog window receives.
	DialogRequest struct {
		Intent        Intent        `json:"intent"`
		Message       any           `json:"message,omitempty"`
		Configuration Configuration `json:"configuration"`
	}

	// DialogReply is every message a dialog posts back. An intermediate store event is a
	// Result of type idOS:store with status pending.
	DialogReply struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  json.RawMessage `json:"error,omitempty"`
	}

	StoreEvent struct {
		Type    string          `json:"type"`
		Status  string          `json:"status"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	AuthMessage struct {
		ExpectedUserEncryptionPublicKey string `json:"expectedUserEncryptionPublicKey,omitempty"`
		HumanID                         string `json:"humanId,omitempty"`
	}

	// AuthResult is the terminal result of the auth, password and passkey dialogs.
	// Duration is the remember window in days.
	AuthResult struct {
		AuthMethod   AuthMethod `json:"authMethod,omitempty"`
		Password     string     `json:"password,omitempty"`
		Duration     float64    `json:"duration,omitempty"`
		CredentialID string     `json:"credentialId,omitempty"`
	}

	ConfirmMessage struct {
		Message string `json:"message"`
		Origin  string `json:"origin"`
	}

	ConfirmResult struct {
		Confirmed bool `json:"confirmed"`
	}

	// BackupMessage is sent to the backup dialog.
	BackupMessage struct {
		AuthMethod AuthMethod `json:"authMethod"`
		Secret     string     `json:"secret"`
	}

	PasskeyAssertionMessage struct {
		Challenge    []byte `json:"challenge"`
		CredentialID []byte `json:"credentialId"`
	}

	PasskeyAssertionResult struct {
		RawID      []byte `json:"rawId"`
		UserHandle []byte `json:"userHandle"`
	}
)
