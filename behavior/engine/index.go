package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/condition"
	"github.com/wardenbot/warden/behavior/scheduler"
)

// A loaded rule, with its condition parsed and durations resolved.
type compiledRule struct {
	def      bdl.RuleDefinition
	cond     *condition.Program
	cooldown time.Duration
}

func (r *compiledRule) id() string {
	return r.def.ID
}

// Immutable index of the enabled rules, swapped wholesale on reload.
type snapshot struct {
	rules map[string]*compiledRule
	// server id -> event name -> rules
	byEvent map[string]map[string][]*compiledRule
	// server id -> custom trigger name -> rules
	byCustom  map[string]map[string][]*compiledRule
	scheduled []*compiledRule
	loadedAt  time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		rules:    make(map[string]*compiledRule),
		byEvent:  make(map[string]map[string][]*compiledRule),
		byCustom: make(map[string]map[string][]*compiledRule),
	}
}

func addTo(idx map[string]map[string][]*compiledRule, serverID, name string, r *compiledRule) {
	if idx[serverID] == nil {
		idx[serverID] = make(map[string][]*compiledRule)
	}
	idx[serverID][name] = append(idx[serverID][name], r)
}

func (s *snapshot) add(r *compiledRule) {
	s.rules[r.id()] = r
	switch r.def.Trigger.Type {
	case bdl.TriggerEvent:
		addTo(s.byEvent, r.def.ServerID, r.def.Trigger.Event, r)
	case bdl.TriggerCustom:
		addTo(s.byCustom, r.def.ServerID, r.def.Trigger.Name, r)
	case bdl.TriggerSchedule:
		s.scheduled = append(s.scheduled, r)
	}
}

// Rules whose event trigger matches the event name, including wildcard triggers.
func (s *snapshot) eventRules(serverID, name string) []*compiledRule {
	byName := s.byEvent[serverID]
	if byName == nil {
		return nil
	}
	out := append([]*compiledRule(nil), byName[name]...)
	if name != wildcardEvent {
		out = append(out, byName[wildcardEvent]...)
	}
	return out
}

func (s *snapshot) customRules(serverID, name string) []*compiledRule {
	return s.byCustom[serverID][name]
}

const wildcardEvent = "*"

// Outcome of a reload. Rules listed in Errors were skipped; all others were loaded.
type ReloadReport struct {
	Loaded    int             `json:"loaded"`
	Scheduled int             `json:"scheduled"`
	Errors    []bdl.LoadError `json:"-"`
}

// Error strings, keyed by rule id.
func (r *ReloadReport) ErrorMessages() map[string]string {
	out := make(map[string]string, len(r.Errors))
	for _, le := range r.Errors {
		out[le.RuleID] = le.Err.Error()
	}
	return out
}

// Checks everything about a rule which can fail at load time: structure, condition syntax, stop
// conditions, and cron expressions.
func (e *Engine) compile(def bdl.RuleDefinition) (*compiledRule, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	r := &compiledRule{def: def}
	if def.Condition != "" {
		prog, err := e.eval.Compile(def.Condition)
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		r.cond = prog
	}
	if def.Tracking != nil {
		for i, cond := range def.Tracking.StopConditions {
			if _, err := e.eval.Compile(cond); err != nil {
				return nil, fmt.Errorf("tracking stop condition %d: %w", i, err)
			}
		}
	}
	if def.Trigger.Type == bdl.TriggerSchedule {
		if err := scheduler.Validate(def.Trigger.Cron); err != nil {
			return nil, fmt.Errorf("trigger: %w", err)
		}
	}
	if def.Safety.UserCooldown != "" {
		// already checked by Validate
		r.cooldown, _ = bdl.ParseDuration(def.Safety.UserCooldown)
	}
	return r, nil
}

// Rebuilds the rule index from the store and swaps it in. A rule which fails to load is reported
// and skipped; the remaining rules still load. An error is returned only if the store could not be
// read, in which case the previous index stays in place.
func (e *Engine) Reload(ctx context.Context) (ReloadReport, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	defs, loadErrs, err := e.rules.ListRules(ctx, true)
	if err != nil {
		reloadFailures.Inc()
		return ReloadReport{}, fmt.Errorf("loading rules: %w", err)
	}

	report := ReloadReport{Errors: append([]bdl.LoadError(nil), loadErrs...)}
	snap := emptySnapshot()
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if _, dupe := snap.rules[def.ID]; dupe {
			report.Errors = append(report.Errors, bdl.LoadError{RuleID: def.ID, Err: errors.New("duplicate rule id")})
			continue
		}
		r, err := e.compile(def)
		if err != nil {
			report.Errors = append(report.Errors, bdl.LoadError{RuleID: def.ID, Err: err})
			continue
		}
		snap.add(r)
	}
	snap.loadedAt = e.now()

	if e.scheduler != nil {
		jobs := make([]scheduler.Job, 0, len(snap.scheduled))
		for _, r := range snap.scheduled {
			ruleID := r.id()
			jobs = append(jobs, scheduler.Job{
				Key:  ruleID,
				Cron: r.def.Trigger.Cron,
				Run:  func(ctx context.Context) { e.fireScheduled(ctx, ruleID) },
			})
		}
		for ruleID, err := range e.scheduler.Replace(jobs) {
			report.Errors = append(report.Errors, bdl.LoadError{RuleID: ruleID, Err: err})
		}
	}
	report.Scheduled = len(snap.scheduled)

	e.snap.Store(snap)
	report.Loaded = len(snap.rules)
	rulesLoaded.Set(float64(report.Loaded))
	reloadErrors.Add(float64(len(report.Errors)))

	e.statsMu.Lock()
	e.lastReload = snap.loadedAt
	e.loadErrors = len(report.Errors)
	e.statsMu.Unlock()

	for _, le := range report.Errors {
		e.logger.Warn("rule not loaded", "rule", le.RuleID, "err", le.Err)
	}
	e.logger.Info("rules reloaded", "loaded", report.Loaded, "scheduled", report.Scheduled, "errors", len(report.Errors))
	return report, nil
}
