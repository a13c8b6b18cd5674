package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pmylund/go-cache"
	goredis "github.com/redis/go-redis/v9"

	"key_enclave/internal/model"
	"key_enclave/internal/repository/secret"
	"key_enclave/internal/service/redis"
)

// MemoryBackend keeps entries in process memory. It survives nothing but the process.
type MemoryBackend struct {
	c *cache.Cache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{c: cache.New(cache.NoExpiration, time.Minute)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	items := m.c.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys, nil
}

// RedisBackend namespaces every key with prefix.
type RedisBackend struct {
	redis  *redis.RedisService
	prefix string
}

func NewRedisBackend(r *redis.RedisService, prefix string) *RedisBackend {
	return &RedisBackend{redis: r, prefix: prefix}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.redis.Get(ctx, b.prefix+key)
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return b.redis.Set(ctx, b.prefix+key, value, ttl)
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.redis.Del(ctx, b.prefix+key)
}

func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.redis.Keys(ctx, b.prefix+"*")
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, b.prefix)
	}
	return keys, nil
}

// MongoBackend stores entries as documents; a TTL index removes expired ones.
type MongoBackend struct {
	repo *secret.SecretRepo
	now  func() time.Time
}

func NewMongoBackend(repo *secret.SecretRepo) *MongoBackend {
	return &MongoBackend{repo: repo, now: time.Now}
}

func (b *MongoBackend) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := b.repo.GetByKey(ctx, key)
	if err != nil || s == nil {
		return "", false, err
	}
	return s.Value, true, nil
}

func (b *MongoBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s := &model.StoredSecret{Key: key, Value: value}
	if ttl > 0 {
		exp := b.now().Add(ttl)
		s.ExpiresAt = &exp
	}
	return b.repo.Upsert(ctx, s)
}

func (b *MongoBackend) Delete(ctx context.Context, key string) error {
	return b.repo.Delete(ctx, key)
}

func (b *MongoBackend) Keys(ctx context.Context) ([]string, error) {
	return b.repo.Keys(ctx)
}
