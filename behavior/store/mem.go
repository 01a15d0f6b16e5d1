package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wardenbot/warden/behavior/bdl"
)

// In-memory rule storage, for tests and for running without a database.
type MemRuleStore struct {
	mu    sync.Mutex
	Rules map[string]bdl.RuleDefinition
	// rule ids which fail to decode, to exercise partial loads
	Broken map[string]error
}

func NewMemRuleStore(rules ...bdl.RuleDefinition) *MemRuleStore {
	s := &MemRuleStore{
		Rules:  make(map[string]bdl.RuleDefinition),
		Broken: make(map[string]error),
	}
	for _, r := range rules {
		s.Rules[r.ID] = r
	}
	return s
}

func (s *MemRuleStore) ListRules(ctx context.Context, enabledOnly bool) ([]bdl.RuleDefinition, []bdl.LoadError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bdl.RuleDefinition
	var loadErrs []bdl.LoadError
	for id, r := range s.Rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		if err, ok := s.Broken[id]; ok {
			loadErrs = append(loadErrs, bdl.LoadError{RuleID: id, Err: err})
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].ID < out[j].ID
	})
	sort.Slice(loadErrs, func(i, j int) bool { return loadErrs[i].RuleID < loadErrs[j].RuleID })
	return out, loadErrs, nil
}

func (s *MemRuleStore) GetRule(ctx context.Context, id string) (*bdl.RuleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Rules[id]
	if !ok {
		return nil, bdl.ErrRuleNotFound
	}
	if err, ok := s.Broken[id]; ok {
		return nil, &bdl.LoadError{RuleID: id, Err: err}
	}
	return &r, nil
}

func (s *MemRuleStore) SaveRule(ctx context.Context, r *bdl.RuleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	out := *r
	if prev, ok := s.Rules[r.ID]; ok {
		out.ExecutionCount = prev.ExecutionCount
		out.LastExecuted = prev.LastExecuted
		out.CreatedAt = prev.CreatedAt
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	s.Rules[r.ID] = out
	return nil
}

func (s *MemRuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Rules[id]
	if !ok {
		return bdl.ErrRuleNotFound
	}
	r.Enabled = enabled
	s.Rules[id] = r
	return nil
}

func (s *MemRuleStore) RecordExecution(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Rules[id]
	if !ok {
		return bdl.ErrRuleNotFound
	}
	r.ExecutionCount++
	at = at.UTC()
	r.LastExecuted = &at
	s.Rules[id] = r
	return nil
}

func (s *MemRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Rules[id]; !ok {
		return bdl.ErrRuleNotFound
	}
	delete(s.Rules, id)
	return nil
}
