package countstore

import (
	"context"
	"sync"
	"time"
)

type MemCountStore struct {
	mu     sync.Mutex
	Counts map[string]int
	Claims map[string]time.Time
	// overridable for tests
	Now func() time.Time
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		Counts: make(map[string]int),
		Claims: make(map[string]time.Time),
		Now:    time.Now,
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Counts[periodBucket(name, val, period, s.Now())], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, p := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		s.Counts[periodBucket(name, val, p, now)]++
	}
	return nil
}

func (s *MemCountStore) Claim(ctx context.Context, name, val string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := name + "/" + val
	now := s.Now()
	if exp, ok := s.Claims[k]; ok && now.Before(exp) {
		return false, nil
	}
	s.Claims[k] = now.Add(ttl)
	return true, nil
}
