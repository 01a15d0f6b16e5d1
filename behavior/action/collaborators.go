package action

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wardenbot/warden/behavior/bdl"
)

// Chat platform operations used by actions. All calls are scoped to a server.
type Platform interface {
	SendDM(ctx context.Context, serverID, userID, message string) error
	AddRole(ctx context.Context, serverID, userID, roleID string) error
	RemoveRole(ctx context.Context, serverID, userID, roleID string) error
	Timeout(ctx context.Context, serverID, userID string, d time.Duration, reason string) error
	Kick(ctx context.Context, serverID, userID, reason string) error
	Ban(ctx context.Context, serverID, userID, reason string, deleteMessageDays int) error
	SendChannelMessage(ctx context.Context, serverID, channelID, message string, embed *bdl.Embed) error
	// Registers for a single reply from the user, before the prompt is sent. wait returns false (and
	// no error) if the timeout elapses first. cancel drops the registration.
	ExpectReply(serverID, userID string) (wait func(ctx context.Context, timeout time.Duration) (string, bool, error), cancel func())
}

const (
	TicketStatusOpen = "open"

	DefaultTicketPriority = "medium"
)

type Ticket struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"serverId"`
	RuleID      string    `json:"ruleId"`
	ExecutionID string    `json:"executionId"`
	UserID      string    `json:"userId,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type TicketStore interface {
	CreateTicket(ctx context.Context, t *Ticket) error
}

// Told about new moderator tickets, eg by posting to a chat webhook.
type Notifier interface {
	NotifyTicket(ctx context.Context, t *Ticket) error
}

// Runs another rule as part of the current firing.
type RuleRunner interface {
	RunRule(ctx context.Context, ruleID string, ec bdl.ExecutionContext) error
}

type TrackingStopper interface {
	StopMatching(ctx context.Context, serverID, ruleID, targetID, reason string) (int, error)
}

// Destination for "log" actions.
type LogSink interface {
	Log(ctx context.Context, level slog.Level, msg string, ec bdl.ExecutionContext) error
}

// Writes log actions to a slog logger, tagged with the firing they came from.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Log(ctx context.Context, level slog.Level, msg string, ec bdl.ExecutionContext) error {
	s.Logger.Log(ctx, level, msg, "rule", ec.RuleID, "execution", ec.ExecutionID, "server", ec.ServerID, "user", ec.UserID)
	return nil
}

type MemTicketStore struct {
	mu      sync.Mutex
	Tickets map[string]Ticket
}

var _ TicketStore = (*MemTicketStore)(nil)

func NewMemTicketStore() *MemTicketStore {
	return &MemTicketStore{Tickets: make(map[string]Ticket)}
}

func (s *MemTicketStore) CreateTicket(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tickets[t.ID] = *t
	return nil
}

func (s *MemTicketStore) List() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ticket, 0, len(s.Tickets))
	for _, t := range s.Tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
