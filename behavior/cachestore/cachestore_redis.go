package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Two-tier cache: a small in-process TinyLFU in front of redis.
type RedisCacheStore struct {
	Data *cache.Cache
	TTL  time.Duration
	// namespace for all keys, eg "warden/cache/"
	Prefix string
}

var _ CacheStore = (*RedisCacheStore)(nil)

func NewRedisCacheStore(rdb *redis.Client, ttl time.Duration) *RedisCacheStore {
	localTTL := ttl
	if localTTL > time.Minute {
		// other instances may purge entries
		localTTL = time.Minute
	}
	return &RedisCacheStore{
		Data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(10_000, localTTL),
		}),
		TTL:    ttl,
		Prefix: "warden/cache/",
	}
}

func (s *RedisCacheStore) key(name, key string) string {
	return s.Prefix + name + "/" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	var val string
	err := s.Data.Get(ctx, s.key(name, key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", nil
	}
	return val, err
}

func (s *RedisCacheStore) Set(ctx context.Context, name, key string, val string) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(name, key),
		Value: val,
		TTL:   s.TTL,
	})
}

func (s *RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Data.Delete(ctx, s.key(name, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (s *RedisCacheStore) Fetch(ctx context.Context, name, key string, load func(ctx context.Context) (string, error)) (string, bool, error) {
	var val string
	loaded := false
	err := s.Data.Once(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(name, key),
		Value: &val,
		TTL:   s.TTL,
		Do: func(item *cache.Item) (any, error) {
			loaded = true
			return load(item.Context())
		},
	})
	countLookup(name, !loaded, err)
	if err != nil {
		return "", false, err
	}
	return val, !loaded, nil
}
