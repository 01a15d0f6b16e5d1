package bdl

import (
	"time"
)

// Maximum nesting of run_rule invocations within a single firing.
const MaxRunDepth = 4

// Per-firing bundle of trigger metadata. Owned by one firing and passed by value.
type ExecutionContext struct {
	ExecutionID string         `json:"executionId"`
	RuleID      string         `json:"ruleId"`
	ServerID    string         `json:"serverId"`
	UserID      string         `json:"userId,omitempty"`
	ChannelID   string         `json:"channelId,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	TriggeredAt time.Time      `json:"triggeredAt"`
	EventName   string         `json:"eventName,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	// counters collected by a tracking session, once one has completed for this firing
	Tracked map[string]any `json:"tracked,omitempty"`
	// run_rule nesting level; zero for a firing caused directly by a trigger
	Depth int `json:"depth,omitempty"`
}

// Builds the variable namespace used by condition expressions and action templates.
//
// Tracked counters (eg "messageCount") are merged at the top level, and the analysis result is
// available under "analysis". Triggering member fields from the event payload are available under
// "user" (eg "user.username").
func (ec *ExecutionContext) Vars(analysis map[string]any) map[string]any {
	vars := map[string]any{
		"triggeredUserId":    ec.UserID,
		"triggeredChannelId": ec.ChannelID,
		"triggeredMessageId": ec.MessageID,
		"triggeredAt":        ec.TriggeredAt.UTC().Format(time.RFC3339),
		"serverId":           ec.ServerID,
		"executionId":        ec.ExecutionID,
		"ruleId":             ec.RuleID,
		"eventName":          ec.EventName,
	}
	for k, v := range ec.Tracked {
		vars[k] = v
	}
	if ec.Payload != nil {
		vars["event"] = ec.Payload
		if u, ok := ec.Payload["user"]; ok {
			vars["user"] = u
		}
	}
	if _, ok := vars["user"]; !ok && ec.UserID != "" {
		vars["user"] = map[string]any{"id": ec.UserID}
	}
	if analysis == nil {
		analysis = map[string]any{}
	}
	vars["analysis"] = analysis
	return vars
}

// Copy for a nested run_rule invocation of another rule.
func (ec ExecutionContext) Nested(ruleID, executionID string) ExecutionContext {
	out := ec
	out.RuleID = ruleID
	out.ExecutionID = executionID
	out.Depth = ec.Depth + 1
	return out
}
