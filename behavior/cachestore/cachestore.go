package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
)

type CacheStore interface {
	// Returns an empty string on cache miss.
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
	// Returns the cached value, or calls load and caches its result. Concurrent callers for the same
	// key share a single load. Errors from load are returned to every waiting caller, and not cached.
	// The boolean is false only for the caller whose load produced the value.
	Fetch(ctx context.Context, name, key string, load func(ctx context.Context) (string, error)) (string, bool, error)
}

// Fetch for JSON-encoded values. A cached value which no longer decodes is purged and loaded again.
func FetchJSON[T any](ctx context.Context, cs CacheStore, name, key string, load func(ctx context.Context) (T, error)) (T, bool, error) {
	var out T
	loadRaw := func(ctx context.Context) (string, error) {
		v, err := load(ctx)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding %s for cache: %w", name, err)
		}
		return string(b), nil
	}

	raw, cached, err := cs.Fetch(ctx, name, key, loadRaw)
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		if !cached {
			return out, false, fmt.Errorf("decoding %s: %w", name, err)
		}
		if err := cs.Purge(ctx, name, key); err != nil {
			return out, false, err
		}
		return FetchJSON(ctx, cs, name, key, load)
	}
	return out, cached, nil
}
