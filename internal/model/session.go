package model

type (
	AuthMethod string
	Mode       string
)

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodPasskey  AuthMethod = "passkey"

	ModeNew      Mode = "new"
	ModeExisting Mode = "existing"
)

func (m AuthMethod) Valid() bool {
	return m == AuthMethodPassword || m == AuthMethodPasskey
}

type (
	Configuration struct {
		Mode  Mode   `json:"mode" mapstructure:"mode"`
		Theme string `json:"theme,omitempty" mapstructure:"theme"`
	}

	// StorageRecord is what storage discloses. Unauthorized origins get the zero value.
	StorageRecord struct {
		HumanID             string `json:"humanId"`
		EncryptionPublicKey string `json:"encryptionPublicKey"`
		SignerAddress       string `json:"signerAddress"`
		SignerPublicKey     string `json:"signerPublicKey"`
	}
)
