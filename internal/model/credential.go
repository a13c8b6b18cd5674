package model

type (
	// Credential is owned by the caller. Content is nonce||ciphertext, base64 on the wire.
	Credential struct {
		ID                 string `json:"id" mapstructure:"id"`
		Content            string `json:"content" mapstructure:"content"`
		EncryptorPublicKey string `json:"encryptor_public_key" mapstructure:"encryptor_public_key"`
	}

	// Criteria maps a dotted path inside decrypted content to its accepted values.
	Criteria map[string][]string

	PrivateFieldFilters struct {
		Pick Criteria `json:"pick" mapstructure:"pick"`
		Omit Criteria `json:"omit" mapstructure:"omit"`
	}
)
