package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/countstore"
)

const (
	executionCounterName = "rule-executions"
	cooldownCounterName  = "rule-cooldown"
)

// True if the acting user, or one of their roles, is exempt from the rule.
func exempt(s *bdl.Safety, userID string, roles []string) bool {
	if userID != "" && slices.Contains(s.ExemptUserIDs, userID) {
		return true
	}
	for _, r := range roles {
		if slices.Contains(s.ExemptRoleIDs, r) {
			return true
		}
	}
	return false
}

func payloadRoles(payload map[string]any) []string {
	user, ok := payload["user"].(map[string]any)
	if !ok {
		return nil
	}
	switch roles := user["roles"].(type) {
	case []string:
		return roles
	case []any:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Checks the hourly and daily execution limits. Returns a non-empty reason if the firing should be
// skipped. Counter failures are returned as errors, and the firing does not proceed.
func (e *Engine) checkLimits(ctx context.Context, r *compiledRule) (string, error) {
	limits := []struct {
		period string
		max    int
	}{
		{countstore.PeriodHour, r.def.Safety.MaxExecutionsPerHour},
		{countstore.PeriodDay, r.def.Safety.MaxExecutionsPerDay},
	}
	for _, l := range limits {
		if l.max <= 0 {
			continue
		}
		c, err := e.counters.GetCount(ctx, executionCounterName, r.id(), l.period)
		if err != nil {
			return "", fmt.Errorf("checking %s execution limit: %w", l.period, err)
		}
		if c >= l.max {
			return fmt.Sprintf("%s execution limit (%d) reached", l.period, l.max), nil
		}
	}
	return "", nil
}
