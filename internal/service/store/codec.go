package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"
)

// Codec converts typed values to the string form kept by the Store.
type Codec[T any] interface {
	Encode(v T) (string, error)
	Decode(s string) (T, error)
}

// View reads and writes typed values through a codec without a second copy of the data.
type View[T any] struct {
	store *Store
	codec Codec[T]
}

func NewView[T any](s *Store, codec Codec[T]) *View[T] {
	return &View[T]{store: s, codec: codec}
}

func (v *View[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, ok, err := v.store.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	val, err := v.codec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return val, true, nil
}

func (v *View[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := v.codec.Encode(value)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, key, raw, ttl)
}

type base64Codec struct{}

// Base64 stores raw bytes as standard base64 text.
var Base64 Codec[[]byte] = base64Codec{}

func (base64Codec) Encode(v []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(v), nil
}

func (base64Codec) Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

type jsonCodec[T any] struct{}

func JSON[T any]() Codec[T] {
	return jsonCodec[T]{}
}

func (jsonCodec[T]) Encode(v T) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func (jsonCodec[T]) Decode(s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
