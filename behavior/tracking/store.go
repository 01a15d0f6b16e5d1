package tracking

import (
	"context"
	"sort"
	"sync"
)

// Durable storage for sessions. Implementations must upsert on SaveSession.
type SessionStore interface {
	SaveSession(ctx context.Context, s *Session) error
	// Returns ErrSessionNotFound if there is no such session.
	LoadSession(ctx context.Context, id string) (*Session, error)
	// Empty serverID lists across all servers.
	ListSessions(ctx context.Context, serverID string, status Status) ([]Session, error)
}

type MemSessionStore struct {
	mu   sync.Mutex
	Rows map[string]Session
	// when set, SaveSession returns this error
	FailWith error
}

var _ SessionStore = (*MemSessionStore)(nil)

func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{Rows: make(map[string]Session)}
}

func (s *MemSessionStore) SaveSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.Rows[sess.ID] = sess.Clone()
	return nil
}

func (s *MemSessionStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Rows[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := row.Clone()
	return &out, nil
}

func (s *MemSessionStore) ListSessions(ctx context.Context, serverID string, status Status) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, row := range s.Rows {
		if serverID != "" && row.ServerID != serverID {
			continue
		}
		if row.Status != status {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemSessionStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailWith = err
}
