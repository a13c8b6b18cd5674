package filter

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"key_enclave/internal/model"
)

// CountryPath locates the residence country inside decrypted credential content.
const CountryPath = "credentialSubject.residential_address_country"

var ErrNotJSON = errors.New("content is not JSON")

type Decrypter interface {
	Decrypt(content, senderPublicKey []byte) ([]byte, error)
}

type DecrypterFunc func(content, senderPublicKey []byte) ([]byte, error)

func (f DecrypterFunc) Decrypt(content, senderPublicKey []byte) ([]byte, error) {
	return f(content, senderPublicKey)
}

// CredentialError ties a failure to the credential it happened on.
type CredentialError struct {
	ID  string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.ID, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// ByCountries returns the ids of credentials whose residence country is one of countries.
// Credentials that fail to decrypt are skipped and reported in the returned *multierror.Error.
func ByCountries(d Decrypter, creds []model.Credential, countries []string) ([]string, error) {
	ids := []string{}
	err := each(d, creds, func(c model.Credential, doc []byte) {
		if slices.Contains(countries, gjson.GetBytes(doc, CountryPath).String()) {
			ids = append(ids, c.ID)
		}
	})
	return ids, err
}

// ByCriteria keeps credentials matching every pick constraint and no omit constraint.
// Matching credentials are returned as received, still encrypted.
func ByCriteria(d Decrypter, creds []model.Credential, f model.PrivateFieldFilters) ([]model.Credential, error) {
	out := []model.Credential{}
	err := each(d, creds, func(c model.Credential, doc []byte) {
		if matchesAll(doc, f.Pick) && !matchesAny(doc, f.Omit) {
			out = append(out, c)
		}
	})
	return out, err
}

func matchesAll(doc []byte, c model.Criteria) bool {
	for path, allowed := range c {
		if !matches(doc, path, allowed) {
			return false
		}
	}
	return true
}

func matchesAny(doc []byte, c model.Criteria) bool {
	for path, values := range c {
		if matches(doc, path, values) {
			return true
		}
	}
	return false
}

// matches reports whether the value at path is in values. An array matches when any element does.
func matches(doc []byte, path string, values []string) bool {
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return false
	}
	if res.IsArray() {
		for _, v := range res.Array() {
			if slices.Contains(values, v.String()) {
				return true
			}
		}
		return false
	}
	return slices.Contains(values, res.String())
}

func each(d Decrypter, creds []model.Credential, fn func(c model.Credential, doc []byte)) error {
	var result *multierror.Error
	for _, c := range creds {
		doc, err := open(d, c)
		if err != nil {
			result = multierror.Append(result, &CredentialError{ID: c.ID, Err: err})
			continue
		}
		fn(c, doc)
	}
	return result.ErrorOrNil()
}

func open(d Decrypter, c model.Credential) ([]byte, error) {
	content, err := base64.StdEncoding.DecodeString(c.Content)
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(c.EncryptorPublicKey)
	if err != nil {
		return nil, fmt.Errorf("encryptor public key: %w", err)
	}

	doc, err := d.Decrypt(content, pub)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, ErrNotJSON
	}
	return doc, nil
}

// FailedIDs lists the credentials named in err.
func FailedIDs(err error) []string {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return nil
	}
	ids := make([]string, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		var ce *CredentialError
		if errors.As(e, &ce) {
			ids = append(ids, ce.ID)
		}
	}
	return ids
}
