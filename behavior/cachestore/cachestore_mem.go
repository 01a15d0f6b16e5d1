package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type MemCacheStore struct {
	Data  *expirable.LRU[string, string]
	loads *singleflight.Group
}

var _ CacheStore = MemCacheStore{}

func NewMemCacheStore(capacity int, ttl time.Duration) MemCacheStore {
	return MemCacheStore{
		Data:  expirable.NewLRU[string, string](capacity, nil, ttl),
		loads: &singleflight.Group{},
	}
}

func memCacheKey(name, key string) string {
	return name + "/" + key
}

func (s MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	v, _ := s.Data.Get(memCacheKey(name, key))
	return v, nil
}

func (s MemCacheStore) Set(ctx context.Context, name, key string, val string) error {
	s.Data.Add(memCacheKey(name, key), val)
	return nil
}

func (s MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(memCacheKey(name, key))
	return nil
}

func (s MemCacheStore) Fetch(ctx context.Context, name, key string, load func(ctx context.Context) (string, error)) (string, bool, error) {
	k := memCacheKey(name, key)
	if v, ok := s.Data.Get(k); ok {
		countLookup(name, true, nil)
		return v, true, nil
	}

	loaded := false
	v, err, _ := s.loads.Do(k, func() (any, error) {
		// another caller may have finished a load since the check above
		if v, ok := s.Data.Get(k); ok {
			return v, nil
		}
		loaded = true
		v, err := load(ctx)
		if err != nil {
			return "", err
		}
		s.Data.Add(k, v)
		return v, nil
	})
	countLookup(name, !loaded, err)
	if err != nil {
		return "", false, err
	}
	return v.(string), !loaded, nil
}
