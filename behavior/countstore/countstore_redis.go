package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-period buckets expire a period after they close; totals never expire.
var bucketTTL = map[string]time.Duration{
	PeriodHour: 2 * time.Hour,
	PeriodDay:  48 * time.Hour,
}

type RedisCountStore struct {
	Client *redis.Client
	// namespace for all keys, eg "warden/"
	Prefix string
	Now    func() time.Time
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(rdb *redis.Client) *RedisCountStore {
	return &RedisCountStore{
		Client: rdb,
		Prefix: "warden/",
		Now:    time.Now,
	}
}

func (s *RedisCountStore) countKey(name, val, period string, now time.Time) string {
	return s.Prefix + "count/" + periodBucket(name, val, period, now)
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	c, err := s.Client.Get(ctx, s.countKey(name, val, period, s.Now())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return c, err
}

// Increments the hour, day, and total buckets in one MULTI/EXEC round-trip.
func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	now := s.Now()
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, period := range []string{PeriodHour, PeriodDay, PeriodTotal} {
			key := s.countKey(name, val, period, now)
			pipe.Incr(ctx, key)
			if ttl, ok := bucketTTL[period]; ok {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}

func (s *RedisCountStore) Claim(ctx context.Context, name, val string, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, s.Prefix+"claim/"+name+"/"+val, s.Now().Unix(), ttl).Result()
}
