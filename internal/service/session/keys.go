package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"key_enclave/internal/cryptographic/box"
	"key_enclave/internal/cryptographic/kdf"
	"key_enclave/internal/model"
	"key_enclave/internal/service/store"
	"key_enclave/internal/utils/log"
)

// EnsureKeyPair derives the key pair from the password and the human id unless it is already
// held, and returns the public key. The private key is cached in the store only while a
// remember window is open.
func (s *Session) EnsureKeyPair(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.secretKey != nil && s.publicKey != nil {
		pub := append([]byte(nil), s.publicKey...)
		s.mu.Unlock()
		return pub, nil
	}
	s.mu.Unlock()

	pw, err := s.openPassword()
	if err != nil {
		return nil, err
	}
	humanID, err := s.humanID(ctx)
	if err != nil {
		return nil, err
	}

	secret, err := kdf.Derive(pw, humanID)
	if err != nil {
		return nil, err
	}
	kp, err := box.KeyPairFromSecret(secret)
	memguard.WipeBytes(secret)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kp.SecretKey[:])

	pub := kp.PublicKey[:]
	if err := s.store.Set(ctx, store.KeyEncryptionPublicKey, base64.StdEncoding.EncodeToString(pub), 0); err != nil {
		return nil, err
	}
	if ttl, ok, err := s.rememberLeft(ctx); err != nil {
		return nil, err
	} else if ok {
		if err := s.bytes.Set(ctx, store.KeyEncryptionPrivateKey, kp.SecretKey[:], ttl); err != nil {
			return nil, err
		}
	}

	if err := s.setSecretKey(kp.SecretKey[:]); err != nil {
		return nil, err
	}
	log.Debug("key pair derived", log.PublicKey("publicKey", pub))
	return append([]byte(nil), pub...), nil
}

func (s *Session) rememberLeft(ctx context.Context) (time.Duration, bool, error) {
	raw, ok, err := s.store.Get(ctx, store.KeyRememberUntil)
	if err != nil || !ok {
		return 0, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	left := time.UnixMilli(ms).Sub(s.now())
	return left, left > 0, nil
}

// setSecretKey moves sk into a memguard enclave. sk is wiped.
func (s *Session) setSecretKey(sk []byte) error {
	kp, err := box.KeyPairFromSecret(sk)
	if err != nil {
		return err
	}
	memguard.WipeBytes(kp.SecretKey[:])

	e := memguard.NewEnclave(sk)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretKey = e
	s.publicKey = append([]byte(nil), kp.PublicKey[:]...)
	return nil
}

// withKeys opens the secret key for the duration of fn.
func (s *Session) withKeys(fn func(pub, sk *[box.KeySize]byte) error) error {
	s.mu.Lock()
	e := s.secretKey
	var pub [box.KeySize]byte
	copy(pub[:], s.publicKey)
	s.mu.Unlock()
	if e == nil {
		return ErrLocked
	}

	lb, err := e.Open()
	if err != nil {
		return err
	}
	defer lb.Destroy()
	return fn(&pub, lb.ByteArray32())
}

// Keys unlocks for origin and returns the encryption public key.
func (s *Session) Keys(ctx context.Context, origin string) ([]byte, error) {
	if err := s.EnsureUnlocked(ctx, origin); err != nil {
		return nil, err
	}
	return s.EnsureKeyPair(ctx)
}

// Encrypt seals message for receiverPublicKey, or for the session's own key when it is empty.
func (s *Session) Encrypt(ctx context.Context, origin string, message, receiverPublicKey []byte) (*model.EncryptedMessage, error) {
	if _, err := s.Keys(ctx, origin); err != nil {
		return nil, err
	}

	var out *model.EncryptedMessage
	err := s.withKeys(func(pub, sk *[box.KeySize]byte) error {
		receiver, err := publicKeyOrSelf(receiverPublicKey, pub)
		if err != nil {
			return err
		}
		content, err := box.Encrypt(message, receiver, sk)
		if err != nil {
			return err
		}
		out = &model.EncryptedMessage{Content: content, EncryptorPublicKey: append([]byte(nil), pub[:]...)}
		return nil
	})
	return out, err
}

// Decrypt opens content sealed by senderPublicKey, or by the session's own key when it is empty.
func (s *Session) Decrypt(ctx context.Context, origin string, content, senderPublicKey []byte) ([]byte, error) {
	if _, err := s.Keys(ctx, origin); err != nil {
		return nil, err
	}

	var plain []byte
	err := s.withKeys(func(pub, sk *[box.KeySize]byte) error {
		sender, err := publicKeyOrSelf(senderPublicKey, pub)
		if err != nil {
			return err
		}
		plain, err = box.Decrypt(content, sender, sk)
		return err
	})

	var de *box.DecryptionError
	if errors.As(err, &de) {
		log.Debug("decryption failed",
			zap.String("origin", origin),
			log.PublicKey("senderPublicKey", de.SenderPublicKey),
			log.PublicKey("receiverPublicKey", de.ReceiverPublicKey),
			zap.Int("blobLen", de.BlobLen),
			zap.String("reason", de.Reason),
		)
	}
	return plain, err
}

func publicKeyOrSelf(key []byte, self *[box.KeySize]byte) (*[box.KeySize]byte, error) {
	if len(key) == 0 {
		return self, nil
	}
	if len(key) != box.KeySize {
		return nil, ErrInvalidPublicKey
	}
	var out [box.KeySize]byte
	copy(out[:], key)
	return &out, nil
}
