package filter

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"key_enclave/internal/cryptographic/box"
	"key_enclave/internal/model"
)

type keys struct {
	issuer *box.KeyPair
	holder *box.KeyPair
}

func newKeys(t *testing.T) keys {
	issuer, err := box.KeyPairFromSecret(seed(1))
	require.NoError(t, err)
	holder, err := box.KeyPairFromSecret(seed(2))
	require.NoError(t, err)
	return keys{issuer: issuer, holder: holder}
}

func seed(b byte) []byte {
	out := make([]byte, box.KeySize)
	for i := range out {
		out[i] = b * byte(i+1)
	}
	return out
}

func (k keys) credential(t *testing.T, id, content string) model.Credential {
	blob, err := box.Encrypt([]byte(content), &k.holder.PublicKey, &k.issuer.SecretKey)
	require.NoError(t, err)
	return model.Credential{
		ID:                 id,
		Content:            base64.StdEncoding.EncodeToString(blob),
		EncryptorPublicKey: base64.StdEncoding.EncodeToString(k.issuer.PublicKey[:]),
	}
}

func (k keys) decrypter() Decrypter {
	return DecrypterFunc(func(content, senderPublicKey []byte) ([]byte, error) {
		var sender [box.KeySize]byte
		copy(sender[:], senderPublicKey)
		return box.Decrypt(content, &sender, &k.holder.SecretKey)
	})
}

func TestByCountries(t *testing.T) {
	k := newKeys(t)
	creds := []model.Credential{
		k.credential(t, "a", `{"credentialSubject":{"residential_address_country":"US"}}`),
		k.credential(t, "b", `{"credentialSubject":{"residential_address_country":"FR"}}`),
		k.credential(t, "c", `{"credentialSubject":{"residential_address_country":"DE"}}`),
		k.credential(t, "d", `{"credentialSubject":{}}`),
	}

	ids, err := ByCountries(k.decrypter(), creds, []string{"US", "DE"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids)

	ids, err = ByCountries(k.decrypter(), creds, nil)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestByCriteria(t *testing.T) {
	k := newKeys(t)
	us := k.credential(t, "us", `{"credentialSubject":{"country":"US","level":"plus"}}`)
	de := k.credential(t, "de", `{"credentialSubject":{"country":"DE","level":"basic"}}`)
	fr := k.credential(t, "fr", `{"credentialSubject":{"country":"FR","level":"plus"}}`)
	creds := []model.Credential{us, de, fr}

	t.Run("pick only", func(t *testing.T) {
		out, err := ByCriteria(k.decrypter(), creds, model.PrivateFieldFilters{
			Pick: model.Criteria{"credentialSubject.country": {"US", "DE"}},
			Omit: model.Criteria{},
		})
		require.NoError(t, err)
		require.Equal(t, []model.Credential{us, de}, out)
	})

	t.Run("every pick must match", func(t *testing.T) {
		out, err := ByCriteria(k.decrypter(), creds, model.PrivateFieldFilters{
			Pick: model.Criteria{
				"credentialSubject.country": {"US", "DE"},
				"credentialSubject.level":   {"plus"},
			},
		})
		require.NoError(t, err)
		require.Equal(t, []model.Credential{us}, out)
	})

	t.Run("omit excludes", func(t *testing.T) {
		out, err := ByCriteria(k.decrypter(), creds, model.PrivateFieldFilters{
			Omit: model.Criteria{"credentialSubject.level": {"basic"}},
		})
		require.NoError(t, err)
		require.Equal(t, []model.Credential{us, fr}, out)
	})

	t.Run("array values", func(t *testing.T) {
		multi := k.credential(t, "multi", `{"credentialSubject":{"country":["BR","DE"]}}`)
		out, err := ByCriteria(k.decrypter(), []model.Credential{multi}, model.PrivateFieldFilters{
			Pick: model.Criteria{"credentialSubject.country": {"DE"}},
		})
		require.NoError(t, err)
		require.Equal(t, []model.Credential{multi}, out)
	})

	t.Run("missing path does not match", func(t *testing.T) {
		out, err := ByCriteria(k.decrypter(), creds, model.PrivateFieldFilters{
			Pick: model.Criteria{"credentialSubject.nationality": {"US"}},
		})
		require.NoError(t, err)
		require.Empty(t, out)
	})
}

func TestPartialFailure(t *testing.T) {
	k := newKeys(t)
	stranger, err := box.KeyPairFromSecret(seed(3))
	require.NoError(t, err)

	good := k.credential(t, "good", `{"credentialSubject":{"residential_address_country":"US"}}`)
	foreign := keys{issuer: k.issuer, holder: stranger}.credential(t, "foreign", `{}`)
	garbled := model.Credential{ID: "garbled", Content: "!!", EncryptorPublicKey: good.EncryptorPublicKey}
	notJSON := k.credential(t, "text", "plain text")

	ids, err := ByCountries(k.decrypter(), []model.Credential{good, foreign, garbled, notJSON}, []string{"US"})
	require.Equal(t, []string{"good"}, ids)
	require.Error(t, err)
	require.ErrorIs(t, err, box.ErrDecryptionFailed)
	require.ErrorIs(t, err, ErrNotJSON)
	require.Equal(t, []string{"foreign", "garbled", "text"}, FailedIDs(err))
}
