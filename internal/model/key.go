package model

type (
	// EncryptedMessage is what encrypt returns: nonce||ciphertext and the sender's public key.
	EncryptedMessage struct {
		Content            []byte `json:"content"`
		EncryptorPublicKey []byte `json:"encryptorPublicKey"`
	}
)
