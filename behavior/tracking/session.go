package tracking

import (
	"errors"
	"time"

	"github.com/wardenbot/warden/behavior/bdl"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusStopped   Status = "stopped"
)

var (
	ErrSessionNotFound = errors.New("tracking session not found")
	ErrTooManySessions = errors.New("too many active tracking sessions for server")
)

// Number of raw messages retained per session; older messages are dropped.
const MaxRecordedMessages = 50

type Target struct {
	Type bdl.TargetType `json:"type"`
	ID   string         `json:"id"`
}

type Message struct {
	ID        string    `json:"id,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

type RoleChange struct {
	RoleID string    `json:"roleId"`
	Added  bool      `json:"added"`
	At     time.Time `json:"at"`
}

type CollectedData struct {
	MessageCount  int                `json:"messageCount"`
	LinkCount     int                `json:"linkCount"`
	ReactionCount int                `json:"reactionCount"`
	VoiceMinutes  float64            `json:"voiceMinutes"`
	RoleChanges   []RoleChange       `json:"roleChanges,omitempty"`
	Custom        map[string]float64 `json:"custom,omitempty"`
	Messages      []Message          `json:"messages,omitempty"`
}

// Counter variables, as seen by stop conditions and by the owning rule's condition.
func (d *CollectedData) Counters() map[string]any {
	custom := make(map[string]any, len(d.Custom))
	for k, v := range d.Custom {
		custom[k] = v
	}
	return map[string]any{
		"messageCount":    d.MessageCount,
		"linkCount":       d.LinkCount,
		"reactionCount":   d.ReactionCount,
		"voiceMinutes":    d.VoiceMinutes,
		"roleChangeCount": len(d.RoleChanges),
		"custom":          custom,
	}
}

func (d *CollectedData) addMessage(m Message) {
	d.Messages = append(d.Messages, m)
	if over := len(d.Messages) - MaxRecordedMessages; over > 0 {
		d.Messages = append([]Message(nil), d.Messages[over:]...)
	}
}

func (d CollectedData) clone() CollectedData {
	out := d
	out.RoleChanges = append([]RoleChange(nil), d.RoleChanges...)
	out.Messages = append([]Message(nil), d.Messages...)
	out.Custom = make(map[string]float64, len(d.Custom))
	for k, v := range d.Custom {
		out.Custom[k] = v
	}
	return out
}

// A time-bounded observation window over a user, channel, or server.
type Session struct {
	ID             string
	RuleID         string
	ExecutionID    string
	ServerID       string
	Target         Target
	Duration       time.Duration
	StartedAt      time.Time
	ExpiresAt      time.Time
	Data           CollectedData
	StopConditions []string
	Status         Status
	CompletedAt    *time.Time
	StopReason     string
	// context of the firing which started the session, resumed on completion
	Trigger bdl.ExecutionContext
}

func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// Variables for stop-condition evaluation: counters plus elapsed time.
func (s *Session) Vars(now time.Time) map[string]any {
	vars := s.Data.Counters()
	elapsed := now.Sub(s.StartedAt)
	vars["elapsedSeconds"] = elapsed.Seconds()
	vars["elapsedMinutes"] = elapsed.Minutes()
	return vars
}

func (s *Session) Clone() Session {
	out := *s
	out.Data = s.Data.clone()
	out.StopConditions = append([]string(nil), s.StopConditions...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Published when a session reaches a terminal status.
type Completion struct {
	Session Session
}
