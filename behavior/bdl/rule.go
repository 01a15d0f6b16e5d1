package bdl

import (
	"errors"
	"fmt"
	"time"
)

var ErrRuleNotFound = errors.New("rule not found")

type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerCustom   TriggerType = "custom"
)

// What causes a rule to fire.
type Trigger struct {
	Type TriggerType `json:"type"`
	// platform event name, for "event" triggers (eg "messageCreate")
	Event string `json:"event,omitempty"`
	// cron expression, for "schedule" triggers
	Cron string `json:"cron,omitempty"`
	// signal name, for "custom" triggers
	Name string `json:"name,omitempty"`
	// optional restriction of event triggers to a set of channels
	ChannelIDs []string `json:"channelIds,omitempty"`
	// skip events authored by bot accounts
	IgnoreBots bool `json:"ignoreBots,omitempty"`
}

func (t *Trigger) Validate() error {
	switch t.Type {
	case TriggerEvent:
		if t.Event == "" {
			return errors.New("event trigger requires an event name")
		}
	case TriggerSchedule:
		if t.Cron == "" {
			return errors.New("schedule trigger requires a cron expression")
		}
	case TriggerCustom:
		if t.Name == "" {
			return errors.New("custom trigger requires a name")
		}
	default:
		return fmt.Errorf("unknown trigger type: %q", t.Type)
	}
	return nil
}

// Returns true if the trigger is restricted to channels, and channelID is not one of them.
func (t *Trigger) ExcludesChannel(channelID string) bool {
	if len(t.ChannelIDs) == 0 {
		return false
	}
	for _, c := range t.ChannelIDs {
		if c == channelID {
			return false
		}
	}
	return true
}

type TargetType string

const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetServer  TargetType = "server"
)

type TrackingTarget struct {
	Type TargetType `json:"type"`
	// explicit target id. When empty, the id is taken from the triggering context.
	ID string `json:"id,omitempty"`
}

// Configures an observation window that runs before the rule condition is evaluated.
type TrackingSpec struct {
	// "<count><unit>" form; unparseable values fall back to DefaultTrackingDuration
	Duration       string         `json:"duration"`
	Target         TrackingTarget `json:"target"`
	StopConditions []string       `json:"stopConditions,omitempty"`
}

func (s *TrackingSpec) Validate() error {
	switch s.Target.Type {
	case TargetUser, TargetChannel, TargetServer:
	case "":
		// defaults to user
	default:
		return fmt.Errorf("unknown tracking target type: %q", s.Target.Type)
	}
	return nil
}

// Names an external enrichment the engine fetches before evaluating the condition.
type AnalysisSpec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Authorization and rate constraints applied before a firing proceeds.
type Safety struct {
	MaxExecutionsPerHour int `json:"maxExecutionsPerHour,omitempty"`
	MaxExecutionsPerDay  int `json:"maxExecutionsPerDay,omitempty"`
	// minimum time between two firings for the same triggering user, "<count><unit>" form
	UserCooldown  string   `json:"userCooldown,omitempty"`
	ExemptUserIDs []string `json:"exemptUserIds,omitempty"`
	ExemptRoleIDs []string `json:"exemptRoleIds,omitempty"`
}

// A persisted behavior definition: trigger, optional tracking, condition, and actions.
type RuleDefinition struct {
	ID          string        `json:"id"`
	ServerID    string        `json:"serverId"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Trigger     Trigger       `json:"trigger"`
	Tracking    *TrackingSpec `json:"tracking,omitempty"`
	Analysis    *AnalysisSpec `json:"analysis,omitempty"`
	// empty condition always passes
	Condition string     `json:"condition,omitempty"`
	Actions   ActionList `json:"actions"`
	Safety    Safety     `json:"safety"`

	ExecutionCount int64      `json:"executionCount"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Structural validation. Does not check condition syntax or cron expressions; the engine does that at load time.
func (r *RuleDefinition) Validate() error {
	if r.ID == "" {
		return errors.New("rule is missing an id")
	}
	if r.ServerID == "" {
		return errors.New("rule is missing a server id")
	}
	if err := r.Trigger.Validate(); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if r.Tracking != nil {
		if err := r.Tracking.Validate(); err != nil {
			return fmt.Errorf("tracking: %w", err)
		}
	}
	if r.Analysis != nil && r.Analysis.Type == "" {
		return errors.New("analysis: missing type")
	}
	for i, a := range r.Actions {
		if a == nil {
			return fmt.Errorf("action %d: empty", i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Type(), err)
		}
	}
	if r.Safety.UserCooldown != "" {
		if _, err := ParseDuration(r.Safety.UserCooldown); err != nil {
			return fmt.Errorf("safety: %w", err)
		}
	}
	return nil
}

// Reported for each rule that could not be loaded. The remaining rules still load.
type LoadError struct {
	RuleID string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
