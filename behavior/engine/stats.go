package engine

import (
	"time"
)

const (
	resultTriggered      = "triggered"
	resultExempt         = "exempt"
	resultSkipped        = "skipped"
	resultDropped        = "dropped"
	resultTracking       = "tracking"
	resultConditionFalse = "condition_false"
	resultExecuted       = "executed"
	resultFailed         = "failed"
)

type RuleStats struct {
	Triggered      int64      `json:"triggered"`
	Exempt         int64      `json:"exempt"`
	Skipped        int64      `json:"skipped"`
	Dropped        int64      `json:"dropped"`
	TrackingStarts int64      `json:"trackingStarts"`
	ConditionFalse int64      `json:"conditionFalse"`
	Executed       int64      `json:"executed"`
	Failed         int64      `json:"failed"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
}

// In-memory execution statistics since process start.
type Stats struct {
	RulesLoaded int                  `json:"rulesLoaded"`
	LoadErrors  int                  `json:"loadErrors"`
	LastReload  time.Time            `json:"lastReload"`
	Totals      RuleStats            `json:"totals"`
	Rules       map[string]RuleStats `json:"rules"`
}

func (e *Engine) countFiring(r *compiledRule, result string) {
	firings.WithLabelValues(string(r.def.Trigger.Type), result).Inc()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	rs := e.stats[r.id()]
	if rs == nil {
		rs = &RuleStats{}
		e.stats[r.id()] = rs
	}
	switch result {
	case resultTriggered:
		rs.Triggered++
	case resultExempt:
		rs.Exempt++
	case resultSkipped:
		rs.Skipped++
	case resultDropped:
		rs.Dropped++
	case resultTracking:
		rs.TrackingStarts++
	case resultConditionFalse:
		rs.ConditionFalse++
	case resultExecuted:
		rs.Executed++
	case resultFailed:
		rs.Failed++
	}
}

func (e *Engine) recordExecuted(r *compiledRule, at time.Time) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	rs := e.stats[r.id()]
	if rs == nil {
		rs = &RuleStats{}
		e.stats[r.id()] = rs
	}
	at = at.UTC()
	rs.LastExecuted = &at
}

func (e *Engine) Stats() Stats {
	snap := e.snap.Load()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := Stats{
		RulesLoaded: len(snap.rules),
		LoadErrors:  e.loadErrors,
		LastReload:  e.lastReload,
		Rules:       make(map[string]RuleStats, len(e.stats)),
	}
	for id, rs := range e.stats {
		out.Rules[id] = *rs
		out.Totals.Triggered += rs.Triggered
		out.Totals.Exempt += rs.Exempt
		out.Totals.Skipped += rs.Skipped
		out.Totals.Dropped += rs.Dropped
		out.Totals.TrackingStarts += rs.TrackingStarts
		out.Totals.ConditionFalse += rs.ConditionFalse
		out.Totals.Executed += rs.Executed
		out.Totals.Failed += rs.Failed
	}
	return out
}
