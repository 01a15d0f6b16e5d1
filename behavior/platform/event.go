// Chat platform integration: normalized platform events, an in-process event bus, a websocket
// gateway consumer which feeds the bus, and a REST client for performing moderation actions.
package platform

import (
	"time"
	"unicode/utf8"
)

// Names of the platform events the engine and tracking sessions understand. Other event names
// pass through the bus unchanged and can still be used as rule triggers.
const (
	EventMessageCreate = "messageCreate"
	EventReactionAdd   = "reactionAdd"
	EventMemberJoin    = "memberJoin"
	EventMemberLeave   = "memberLeave"
	EventMemberUpdate  = "memberUpdate"
	EventVoiceState    = "voiceState"
)

// Subscription name matching every event.
const Wildcard = "*"

type Event struct {
	Name      string `json:"name"`
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	// acting member
	UserID   string   `json:"userId,omitempty"`
	Username string   `json:"username,omitempty"`
	IsBot    bool     `json:"isBot,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Content  string   `json:"content,omitempty"`
	Emoji    string   `json:"emoji,omitempty"`
	// memberUpdate only
	AddedRoles   []string `json:"addedRoles,omitempty"`
	RemovedRoles []string `json:"removedRoles,omitempty"`
	// voiceState only: minutes spent in voice since the previous voiceState event
	VoiceMinutes float64        `json:"voiceMinutes,omitempty"`
	At           time.Time      `json:"at"`
	Data         map[string]any `json:"data,omitempty"`
}

// Flattens the event into the free-form payload carried by an execution context.
func (ev *Event) Payload() map[string]any {
	p := make(map[string]any, len(ev.Data)+8)
	for k, v := range ev.Data {
		p[k] = v
	}
	roles := make([]any, len(ev.Roles))
	for i, r := range ev.Roles {
		roles[i] = r
	}
	p["user"] = map[string]any{
		"id":       ev.UserID,
		"username": ev.Username,
		"isBot":    ev.IsBot,
		"roles":    roles,
	}
	p["channelId"] = ev.ChannelID
	p["messageId"] = ev.MessageID
	if ev.Content != "" {
		p["content"] = ev.Content
		p["contentLength"] = utf8.RuneCountInString(ev.Content)
	}
	if ev.Emoji != "" {
		p["emoji"] = ev.Emoji
	}
	return p
}

func (ev *Event) HasRole(roleID string) bool {
	for _, r := range ev.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}
