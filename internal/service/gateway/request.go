package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"key_enclave/internal/model"
	"key_enclave/internal/service/session"
)

var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrInvalidParams  = errors.New("invalid params")
)

type Method string

const (
	MethodReset             Method = "reset"
	MethodStorage           Method = "storage"
	MethodIsReady           Method = "isReady"
	MethodKeys              Method = "keys"
	MethodEncrypt           Method = "encrypt"
	MethodDecrypt           Method = "decrypt"
	MethodConfirm           Method = "confirm"
	MethodConfigure         Method = "configure"
	MethodFilterByCountries Method = "filterCredentialsByCountries"
	MethodFilterCredentials Method = "filterCredentials"
	MethodBackup            Method = "backupPasswordOrSecret"
)

// Request is one of the allow-listed RPC calls. The set of implementations is closed.
type Request interface {
	Method() Method
	request()
}

type (
	ResetRequest struct{}

	StorageRequest struct {
		session.StorageParams `mapstructure:",squash"`
	}

	// KeysRequest serves both isReady and keys.
	KeysRequest struct {
		method Method
	}

	EncryptRequest struct {
		Message           []byte `mapstructure:"message"`
		ReceiverPublicKey []byte `mapstructure:"receiverPublicKey"`
	}

	DecryptRequest struct {
		FullMessage     []byte `mapstructure:"fullMessage"`
		SenderPublicKey []byte `mapstructure:"senderPublicKey"`
	}

	ConfirmRequest struct {
		Message string `mapstructure:"message"`
	}

	ConfigureRequest struct {
		model.Configuration `mapstructure:",squash"`
	}

	FilterByCountriesRequest struct {
		Credentials []model.Credential `mapstructure:"credentials"`
		Countries   []string           `mapstructure:"countries"`
	}

	FilterCredentialsRequest struct {
		Credentials         []model.Credential        `mapstructure:"credentials"`
		PrivateFieldFilters model.PrivateFieldFilters `mapstructure:"privateFieldFilters"`
	}

	BackupRequest struct{}
)

func (*ResetRequest) Method() Method             { return MethodReset }
func (*StorageRequest) Method() Method           { return MethodStorage }
func (r *KeysRequest) Method() Method            { return r.method }
func (*EncryptRequest) Method() Method           { return MethodEncrypt }
func (*DecryptRequest) Method() Method           { return MethodDecrypt }
func (*ConfirmRequest) Method() Method           { return MethodConfirm }
func (*ConfigureRequest) Method() Method         { return MethodConfigure }
func (*FilterByCountriesRequest) Method() Method { return MethodFilterByCountries }
func (*FilterCredentialsRequest) Method() Method { return MethodFilterCredentials }
func (*BackupRequest) Method() Method            { return MethodBackup }

func (*ResetRequest) request()             {}
func (*StorageRequest) request()           {}
func (*KeysRequest) request()              {}
func (*EncryptRequest) request()           {}
func (*DecryptRequest) request()           {}
func (*ConfirmRequest) request()           {}
func (*ConfigureRequest) request()         {}
func (*FilterByCountriesRequest) request() {}
func (*FilterCredentialsRequest) request() {}
func (*BackupRequest) request()            {}

// ParseRequest reads a {methodName: params} object with exactly one key.
func ParseRequest(data json.RawMessage) (Request, error) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one method, got %d", ErrInvalidParams, len(body))
	}

	var (
		name   string
		params any
	)
	for k, v := range body {
		name, params = k, v
	}

	var req Request
	switch Method(name) {
	case MethodReset:
		req = &ResetRequest{}
	case MethodStorage:
		req = &StorageRequest{}
	case MethodIsReady, MethodKeys:
		req = &KeysRequest{method: Method(name)}
	case MethodEncrypt:
		req = &EncryptRequest{}
	case MethodDecrypt:
		req = &DecryptRequest{}
	case MethodConfirm:
		req = &ConfirmRequest{}
	case MethodConfigure:
		req = &ConfigureRequest{}
	case MethodFilterByCountries:
		req = &FilterByCountriesRequest{}
	case MethodFilterCredentials:
		req = &FilterCredentialsRequest{}
	case MethodBackup:
		req = &BackupRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, name)
	}

	if params == nil {
		return req, nil
	}
	if err := decodeParams(params, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
	}
	return req, nil
}

func decodeParams(params any, out Request) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		TagName:    "mapstructure",
		DecodeHook: base64ToBytes,
	})
	if err != nil {
		return err
	}
	return d.Decode(params)
}

var bytesType = reflect.TypeOf([]byte(nil))

// base64ToBytes decodes base64 strings into []byte fields.
func base64ToBytes(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != bytesType {
		return data, nil
	}
	return base64.StdEncoding.DecodeString(data.(string))
}
