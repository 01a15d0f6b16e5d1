// Tracking sessions: time-bounded observation windows which accumulate counters about a user,
// channel, or server from platform events, and end when a stop condition matches, when they
// expire, or when they are stopped explicitly.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/condition"
	"github.com/wardenbot/warden/behavior/helpers"
	"github.com/wardenbot/warden/behavior/platform"
)

const (
	DefaultMaxSessionsPerServer = 500
	DefaultSweepInterval        = 60 * time.Second
	defaultCompletionBuffer     = 256
)

// Anything sessions can be attached to for platform events. Satisfied by *platform.Bus.
type EventSource interface {
	Subscribe(name string, h platform.Handler) func()
}

type targetKey struct {
	serverID   string
	targetType bdl.TargetType
	targetID   string
}

// Holds one session. The mutex serializes every mutation of the session: event updates, the
// expiry sweep, and explicit stops.
type entry struct {
	mu   sync.Mutex
	sess Session
}

func (e *entry) key() targetKey {
	return targetKey{serverID: e.sess.ServerID, targetType: e.sess.Target.Type, targetID: e.sess.Target.ID}
}

type Config struct {
	Logger    *slog.Logger
	Store     SessionStore
	Evaluator *condition.Evaluator
	// zero means DefaultMaxSessionsPerServer
	MaxSessionsPerServer int
	// zero means DefaultSweepInterval
	SweepInterval time.Duration
	// overridable for tests
	Now func() time.Time
}

type Manager struct {
	logger        *slog.Logger
	store         SessionStore
	eval          *condition.Evaluator
	now           func() time.Time
	maxPerServer  int
	sweepInterval time.Duration

	mu        sync.RWMutex
	sessions  map[string]*entry
	index     map[targetKey]map[string]*entry
	perServer map[string]int

	completions chan Completion
}

func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eval := config.Evaluator
	if eval == nil {
		eval = condition.NewEvaluator(logger)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	maxPerServer := config.MaxSessionsPerServer
	if maxPerServer <= 0 {
		maxPerServer = DefaultMaxSessionsPerServer
	}
	sweep := config.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Manager{
		logger:        logger.With("component", "tracking"),
		store:         config.Store,
		eval:          eval,
		now:           now,
		maxPerServer:  maxPerServer,
		sweepInterval: sweep,
		sessions:      make(map[string]*entry),
		index:         make(map[targetKey]map[string]*entry),
		perServer:     make(map[string]int),
		completions:   make(chan Completion, defaultCompletionBuffer),
	}
}

// Terminal transitions (completed, expired, and stopped) are published here.
func (m *Manager) Completions() <-chan Completion {
	return m.completions
}

// Starts a session for a firing of ruleID. The session row is persisted before this returns;
// if that fails, the session is not tracked and the error is returned.
func (m *Manager) Start(ctx context.Context, ruleID, executionID, serverID string, spec bdl.TrackingSpec, trigger bdl.ExecutionContext) (Session, error) {
	target, err := resolveTarget(serverID, spec.Target, trigger)
	if err != nil {
		return Session{}, err
	}

	dur, err := bdl.ParseDuration(spec.Duration)
	if err != nil {
		if spec.Duration != "" {
			m.logger.Warn("unparseable tracking duration, using default", "rule", ruleID, "duration", spec.Duration, "default", bdl.DefaultTrackingDuration)
		}
		dur = bdl.DefaultTrackingDuration
	}
	for _, cond := range spec.StopConditions {
		if _, err := m.eval.Compile(cond); err != nil {
			m.logger.Warn("invalid stop condition will never match", "rule", ruleID, "err", err)
		}
	}

	now := m.now()
	sess := Session{
		ID:             uuid.NewString(),
		RuleID:         ruleID,
		ExecutionID:    executionID,
		ServerID:       serverID,
		Target:         target,
		Duration:       dur,
		StartedAt:      now,
		ExpiresAt:      now.Add(dur),
		Data:           CollectedData{Custom: map[string]float64{}},
		StopConditions: append([]string(nil), spec.StopConditions...),
		Status:         StatusActive,
		Trigger:        trigger,
	}

	// reserve a slot before persisting, so that concurrent starts can't overshoot the cap
	m.mu.Lock()
	if m.perServer[serverID] >= m.maxPerServer {
		m.mu.Unlock()
		return Session{}, ErrTooManySessions
	}
	m.perServer[serverID]++
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, &sess); err != nil {
		m.mu.Lock()
		m.perServer[serverID]--
		m.mu.Unlock()
		sessionPersistErrors.Inc()
		return Session{}, fmt.Errorf("persisting tracking session: %w", err)
	}

	e := &entry{sess: sess}
	m.mu.Lock()
	m.insertLocked(e)
	m.mu.Unlock()

	sessionsStarted.Inc()
	sessionsActive.Inc()
	m.logger.Info("tracking session started", "session", sess.ID, "rule", ruleID, "server", serverID, "target", target.ID, "targetType", target.Type, "expires", sess.ExpiresAt)
	return sess.Clone(), nil
}

func resolveTarget(serverID string, spec bdl.TrackingTarget, trigger bdl.ExecutionContext) (Target, error) {
	t := Target{Type: spec.Type, ID: spec.ID}
	if t.Type == "" {
		t.Type = bdl.TargetUser
	}
	if t.ID == "" {
		switch t.Type {
		case bdl.TargetUser:
			t.ID = trigger.UserID
		case bdl.TargetChannel:
			t.ID = trigger.ChannelID
		case bdl.TargetServer:
			t.ID = serverID
		default:
			return Target{}, fmt.Errorf("unknown tracking target type: %q", t.Type)
		}
	}
	if t.ID == "" {
		return Target{}, fmt.Errorf("could not resolve %s tracking target from trigger", t.Type)
	}
	return t, nil
}

// caller holds m.mu for writing; the server slot must already be counted
func (m *Manager) insertLocked(e *entry) {
	m.sessions[e.sess.ID] = e
	k := e.key()
	if m.index[k] == nil {
		m.index[k] = make(map[string]*entry)
	}
	m.index[k][e.sess.ID] = e
}

// caller holds m.mu for writing
func (m *Manager) removeLocked(e *entry) {
	if _, ok := m.sessions[e.sess.ID]; !ok {
		return
	}
	delete(m.sessions, e.sess.ID)
	k := e.key()
	delete(m.index[k], e.sess.ID)
	if len(m.index[k]) == 0 {
		delete(m.index, k)
	}
	m.perServer[e.sess.ServerID]--
	if m.perServer[e.sess.ServerID] <= 0 {
		delete(m.perServer, e.sess.ServerID)
	}
}

// Returns a session by id, from memory if active, otherwise from the store.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.sess.Clone(), nil
	}
	sess, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

// Active sessions, optionally filtered by server.
func (m *Manager) Active(serverID string) []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []Session
	for _, e := range entries {
		e.mu.Lock()
		if e.sess.Active() && (serverID == "" || e.sess.ServerID == serverID) {
			out = append(out, e.sess.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Manually cancels a session. Stopping a session which already ended is a no-op.
func (m *Manager) Stop(ctx context.Context, id, reason string) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		// already terminal, or unknown
		if _, err := m.store.LoadSession(ctx, id); err != nil {
			return err
		}
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.finishLocked(ctx, e, StatusStopped, reason)
	return nil
}

// Stops every active session in a server which matches ruleID and targetID. Empty filters match
// anything. Returns the number of sessions stopped.
func (m *Manager) StopMatching(ctx context.Context, serverID, ruleID, targetID, reason string) (int, error) {
	m.mu.RLock()
	var entries []*entry
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		s := &e.sess
		if s.ServerID == serverID && (ruleID == "" || s.RuleID == ruleID) && (targetID == "" || s.Target.ID == targetID) {
			if m.finishLocked(ctx, e, StatusStopped, reason) {
				n++
			}
		}
		e.mu.Unlock()
	}
	return n, nil
}

// Attaches the manager to a platform event source. Returns a function which detaches it.
func (m *Manager) Subscribe(src EventSource) func() {
	return src.Subscribe(platform.Wildcard, m.HandleEvent)
}

// Applies a platform event to every active session targeting its author, channel, or server.
func (m *Manager) HandleEvent(ctx context.Context, ev *platform.Event) {
	keys := []targetKey{
		{serverID: ev.ServerID, targetType: bdl.TargetServer, targetID: ev.ServerID},
	}
	if ev.UserID != "" {
		keys = append(keys, targetKey{serverID: ev.ServerID, targetType: bdl.TargetUser, targetID: ev.UserID})
	}
	if ev.ChannelID != "" {
		keys = append(keys, targetKey{serverID: ev.ServerID, targetType: bdl.TargetChannel, targetID: ev.ChannelID})
	}

	m.mu.RLock()
	var matched []*entry
	for _, k := range keys {
		for _, e := range m.index[k] {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range matched {
		m.update(ctx, e, ev)
	}
}

func (m *Manager) update(ctx context.Context, e *entry, ev *platform.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sess.Active() {
		return
	}
	now := m.now()
	if !now.Before(e.sess.ExpiresAt) {
		m.finishLocked(ctx, e, StatusExpired, "expired")
		return
	}

	applyEvent(&e.sess.Data, ev, now)
	sessionEventsApplied.WithLabelValues(ev.Name).Inc()

	if err := m.store.SaveSession(ctx, &e.sess); err != nil {
		// memory stays authoritative until the next successful write
		sessionPersistErrors.Inc()
		m.logger.Warn("failed to persist tracking session update", "session", e.sess.ID, "err", err)
	}

	if len(e.sess.StopConditions) == 0 {
		return
	}
	vars := e.sess.Vars(now)
	for _, cond := range e.sess.StopConditions {
		if m.eval.Evaluate(cond, vars) {
			m.finishLocked(ctx, e, StatusCompleted, "stop condition: "+cond)
			return
		}
	}
}

func applyEvent(d *CollectedData, ev *platform.Event, now time.Time) {
	at := ev.At
	if at.IsZero() {
		at = now
	}
	switch ev.Name {
	case platform.EventMessageCreate:
		d.MessageCount++
		d.LinkCount += len(helpers.ExtractTextURLs(ev.Content))
		d.addMessage(Message{ID: ev.MessageID, ChannelID: ev.ChannelID, Content: ev.Content, At: at})
	case platform.EventReactionAdd:
		d.ReactionCount++
	case platform.EventMemberUpdate:
		for _, r := range ev.AddedRoles {
			d.RoleChanges = append(d.RoleChanges, RoleChange{RoleID: r, Added: true, At: at})
		}
		for _, r := range ev.RemovedRoles {
			d.RoleChanges = append(d.RoleChanges, RoleChange{RoleID: r, Added: false, At: at})
		}
	case platform.EventVoiceState:
		d.VoiceMinutes += ev.VoiceMinutes
	default:
		if d.Custom == nil {
			d.Custom = map[string]float64{}
		}
		d.Custom[ev.Name]++
	}
}

// Moves a session to a terminal status, removes it from the active set, persists it, and
// publishes a completion. Caller holds e.mu. Returns false if the session had already ended.
func (m *Manager) finishLocked(ctx context.Context, e *entry, status Status, reason string) bool {
	if !e.sess.Active() {
		return false
	}
	now := m.now()
	e.sess.Status = status
	e.sess.CompletedAt = &now
	e.sess.StopReason = reason

	m.mu.Lock()
	m.removeLocked(e)
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, &e.sess); err != nil {
		sessionPersistErrors.Inc()
		m.logger.Warn("failed to persist tracking session status", "session", e.sess.ID, "status", status, "err", err)
	}
	sessionsActive.Dec()
	sessionsFinished.WithLabelValues(string(status)).Inc()
	m.logger.Info("tracking session ended", "session", e.sess.ID, "rule", e.sess.RuleID, "status", status, "reason", reason)

	c := Completion{Session: e.sess.Clone()}
	select {
	case m.completions <- c:
	default:
		m.logger.Warn("tracking completion queue full, delivering asynchronously", "session", e.sess.ID)
		go func() { m.completions <- c }()
	}
	return true
}

// Expires every active session whose expiry is at or before now. Returns the number expired.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.sess.Active() && !now.Before(e.sess.ExpiresAt) {
			if m.finishLocked(ctx, e, StatusExpired, "expired") {
				n++
			}
		}
		e.mu.Unlock()
	}
	if n > 0 {
		m.logger.Debug("expired tracking sessions", "count", n)
	}
	return n
}

// Runs the periodic expiry sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Reloads active sessions from the store after a restart. Sessions already past their expiry are
// expired immediately through the normal sweep path. Returns the number of sessions still active.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	rows, err := m.store.ListSessions(ctx, "", StatusActive)
	if err != nil {
		return 0, fmt.Errorf("listing active tracking sessions: %w", err)
	}
	m.mu.Lock()
	for _, row := range rows {
		if _, ok := m.sessions[row.ID]; ok {
			continue
		}
		if row.Data.Custom == nil {
			row.Data.Custom = map[string]float64{}
		}
		e := &entry{sess: row}
		m.perServer[row.ServerID]++
		m.insertLocked(e)
		sessionsActive.Inc()
	}
	m.mu.Unlock()

	expired := m.Sweep(ctx)
	m.logger.Info("recovered tracking sessions", "loaded", len(rows), "expired", expired)
	return len(rows) - expired, nil
}

// True if err means the session could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
