// Rule engine: matches platform events, custom signals, and schedules against the loaded rules,
// and drives each firing through safety checks, optional tracking, analysis, condition evaluation,
// and action execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/wardenbot/warden/behavior/action"
	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/condition"
	"github.com/wardenbot/warden/behavior/countstore"
	"github.com/wardenbot/warden/behavior/platform"
	"github.com/wardenbot/warden/behavior/scheduler"
	"github.com/wardenbot/warden/behavior/tracking"
)

const (
	DefaultMaxConcurrentFirings = 64
	DefaultMaxQueuedFirings     = 4096
)

var ErrRunDepthExceeded = errors.New("run_rule nesting limit exceeded")

type RuleStore interface {
	ListRules(ctx context.Context, enabledOnly bool) ([]bdl.RuleDefinition, []bdl.LoadError, error)
	RecordExecution(ctx context.Context, id string, at time.Time) error
}

type Analyzer interface {
	Analyze(ctx context.Context, spec bdl.AnalysisSpec, ec bdl.ExecutionContext) (map[string]any, error)
}

type EventSource interface {
	Subscribe(name string, h platform.Handler) func()
}

type Config struct {
	Logger   *slog.Logger
	Rules    RuleStore
	Executor *action.Executor
	// required for rules with a tracking spec
	Tracker *tracking.Manager
	// required for rules with an analysis spec
	Analyzer Analyzer
	// optional; schedule-triggered rules are not run without one
	Scheduler *scheduler.Scheduler
	// execution counts for safety limits; defaults to an in-memory store
	Counters  countstore.CountStore
	Evaluator *condition.Evaluator
	// zero means DefaultMaxConcurrentFirings
	MaxConcurrentFirings int
	// firings waiting for a free slot; more are dropped. zero means DefaultMaxQueuedFirings
	MaxQueuedFirings int
	Now              func() time.Time
}

type Engine struct {
	logger    *slog.Logger
	rules     RuleStore
	executor  *action.Executor
	tracker   *tracking.Manager
	analyzer  Analyzer
	scheduler *scheduler.Scheduler
	counters  countstore.CountStore
	eval      *condition.Evaluator
	now       func() time.Time

	snap     atomic.Pointer[snapshot]
	reloadMu sync.Mutex
	sem      *semaphore.Weighted
	queue    chan *firing
	wg       sync.WaitGroup

	statsMu    sync.Mutex
	stats      map[string]*RuleStats
	lastReload time.Time
	loadErrors int
}

func NewEngine(config Config) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eval := config.Evaluator
	if eval == nil {
		eval = condition.NewEvaluator(logger)
	}
	counters := config.Counters
	if counters == nil {
		counters = countstore.NewMemCountStore()
	}
	maxFirings := config.MaxConcurrentFirings
	if maxFirings <= 0 {
		maxFirings = DefaultMaxConcurrentFirings
	}
	maxQueued := config.MaxQueuedFirings
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueuedFirings
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		logger:    logger.With("component", "engine"),
		rules:     config.Rules,
		executor:  config.Executor,
		tracker:   config.Tracker,
		analyzer:  config.Analyzer,
		scheduler: config.Scheduler,
		counters:  counters,
		eval:      eval,
		now:       now,
		sem:       semaphore.NewWeighted(int64(maxFirings)),
		queue:     make(chan *firing, maxQueued),
		stats:     make(map[string]*RuleStats),
	}
	e.snap.Store(emptySnapshot())
	if e.executor != nil {
		e.executor.SetRuleRunner(e)
	}
	return e
}

// Registers the engine for all platform events. Returns a function which detaches it.
func (e *Engine) Subscribe(src EventSource) func() {
	return src.Subscribe(platform.Wildcard, e.HandleEvent)
}

// Fires every enabled rule whose event trigger matches. Firings run in the background and the
// handler never blocks on them.
func (e *Engine) HandleEvent(ctx context.Context, ev *platform.Event) {
	rules := e.snap.Load().eventRules(ev.ServerID, ev.Name)
	for _, r := range rules {
		if r.def.Trigger.IgnoreBots && ev.IsBot {
			continue
		}
		if r.def.Trigger.ExcludesChannel(ev.ChannelID) {
			continue
		}
		if exempt(&r.def.Safety, ev.UserID, ev.Roles) {
			e.countFiring(r, resultExempt)
			continue
		}
		at := ev.At
		if at.IsZero() {
			at = e.now()
		}
		ec := bdl.ExecutionContext{
			ExecutionID: uuid.NewString(),
			RuleID:      r.id(),
			ServerID:    ev.ServerID,
			UserID:      ev.UserID,
			ChannelID:   ev.ChannelID,
			MessageID:   ev.MessageID,
			TriggeredAt: at.UTC(),
			EventName:   ev.Name,
			Payload:     ev.Payload(),
		}
		e.dispatch(ctx, r, ec, bdl.TriggerEvent)
	}
}

// Fires every enabled rule with a custom trigger of the given name. Returns how many rules fired.
//
// The payload may carry "userId", "channelId", "messageId", and a "user" object with "roles".
func (e *Engine) FireCustom(ctx context.Context, serverID, name string, payload map[string]any) int {
	rules := e.snap.Load().customRules(serverID, name)
	userID, _ := payload["userId"].(string)
	channelID, _ := payload["channelId"].(string)
	messageID, _ := payload["messageId"].(string)
	roles := payloadRoles(payload)

	n := 0
	for _, r := range rules {
		if exempt(&r.def.Safety, userID, roles) {
			e.countFiring(r, resultExempt)
			continue
		}
		ec := bdl.ExecutionContext{
			ExecutionID: uuid.NewString(),
			RuleID:      r.id(),
			ServerID:    serverID,
			UserID:      userID,
			ChannelID:   channelID,
			MessageID:   messageID,
			TriggeredAt: e.now().UTC(),
			EventName:   name,
			Payload:     payload,
		}
		e.dispatch(ctx, r, ec, bdl.TriggerCustom)
		n++
	}
	return n
}

func (e *Engine) fireScheduled(ctx context.Context, ruleID string) {
	r, ok := e.snap.Load().rules[ruleID]
	if !ok || r.def.Trigger.Type != bdl.TriggerSchedule {
		return
	}
	ec := bdl.ExecutionContext{
		ExecutionID: uuid.NewString(),
		RuleID:      r.id(),
		ServerID:    r.def.ServerID,
		TriggeredAt: e.now().UTC(),
		EventName:   "schedule",
		Payload:     map[string]any{"cron": r.def.Trigger.Cron},
	}
	e.dispatch(ctx, r, ec, bdl.TriggerSchedule)
}

// Runs another rule within the current firing, on behalf of a run_rule action. The nested firing
// runs synchronously, and its action chain failure is returned.
func (e *Engine) RunRule(ctx context.Context, ruleID string, ec bdl.ExecutionContext) error {
	if ec.Depth >= bdl.MaxRunDepth {
		return fmt.Errorf("%w: rule %s at depth %d", ErrRunDepthExceeded, ruleID, ec.Depth)
	}
	r, ok := e.snap.Load().rules[ruleID]
	if !ok || r.def.ServerID != ec.ServerID {
		return fmt.Errorf("run_rule %s: %w", ruleID, bdl.ErrRuleNotFound)
	}
	nested := ec.Nested(ruleID, uuid.NewString())
	nested.Tracked = nil
	return e.fire(ctx, r, nested, "run_rule")
}

type firing struct {
	ctx context.Context
	r   *compiledRule
	ec  bdl.ExecutionContext
	run func(ctx context.Context) error
}

// Starts a firing in the background.
func (e *Engine) dispatch(ctx context.Context, r *compiledRule, ec bdl.ExecutionContext, source bdl.TriggerType) {
	e.spawn(ctx, r, ec, func(ctx context.Context) error {
		return e.fire(ctx, r, ec, string(source))
	})
}

// Queues a firing without blocking. A full queue drops the firing.
func (e *Engine) spawn(ctx context.Context, r *compiledRule, ec bdl.ExecutionContext, run func(ctx context.Context) error) {
	e.wg.Add(1)
	select {
	case e.queue <- &firing{ctx: ctx, r: r, ec: ec, run: run}:
		queuedFirings.Inc()
	default:
		e.wg.Done()
		e.logger.Warn("dropping rule firing", "rule", r.id(), "execution", ec.ExecutionID, "err", "firing queue full")
		e.countFiring(r, resultDropped)
		return
	}
	e.startWorkers()
}

// Starts a worker for each free slot while firings are queued.
func (e *Engine) startWorkers() {
	for e.sem.TryAcquire(1) {
		select {
		case f := <-e.queue:
			queuedFirings.Dec()
			go e.work(f)
		default:
			e.sem.Release(1)
			return
		}
	}
}

// Runs queued firings in one slot until the queue is empty.
func (e *Engine) work(f *firing) {
	for f != nil {
		e.runFiring(f)
		select {
		case f = <-e.queue:
			queuedFirings.Dec()
		default:
			f = nil
		}
	}
	e.sem.Release(1)
	// a firing queued after the last check above found no free slot
	e.startWorkers()
}

func (e *Engine) runFiring(f *firing) {
	defer e.wg.Done()
	if err := f.ctx.Err(); err != nil {
		e.logger.Warn("dropping rule firing", "rule", f.r.id(), "execution", f.ec.ExecutionID, "err", err)
		e.countFiring(f.r, resultDropped)
		return
	}
	activeFirings.Inc()
	defer func() {
		// similar to an HTTP server, we want to recover any panics from rule execution
		if rec := recover(); rec != nil {
			e.logger.Error("rule execution exception", "err", rec, "rule", f.r.id(), "execution", f.ec.ExecutionID)
			e.countFiring(f.r, resultFailed)
		}
		activeFirings.Dec()
	}()
	if err := f.run(f.ctx); err != nil {
		e.logger.Error("rule firing failed", "rule", f.r.id(), "execution", f.ec.ExecutionID, "err", err)
	}
}

// Blocks until every in-flight firing has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Safety checks, then either starts tracking (deferring evaluation until the session ends) or
// evaluates and executes right away.
func (e *Engine) fire(ctx context.Context, r *compiledRule, ec bdl.ExecutionContext, source string) error {
	ctx, span := tracer.Start(ctx, "RuleFire", trace.WithAttributes(
		attribute.String("rule", r.id()),
		attribute.String("server", ec.ServerID),
		attribute.String("source", source),
		attribute.Int("depth", ec.Depth),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		fireDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}()
	e.countFiring(r, resultTriggered)

	if reason, err := e.checkLimits(ctx, r); err != nil {
		e.countFiring(r, resultFailed)
		span.SetStatus(codes.Error, err.Error())
		return err
	} else if reason != "" {
		e.logger.Info("rule firing skipped", "rule", r.id(), "execution", ec.ExecutionID, "reason", reason)
		e.countFiring(r, resultSkipped)
		return nil
	}

	if r.def.Tracking != nil && ec.Tracked == nil {
		if e.tracker == nil {
			e.countFiring(r, resultFailed)
			return fmt.Errorf("rule %s has a tracking spec but no tracking manager is configured", r.id())
		}
		sess, err := e.tracker.Start(ctx, r.id(), ec.ExecutionID, ec.ServerID, *r.def.Tracking, ec)
		if err != nil {
			e.countFiring(r, resultFailed)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("starting tracking: %w", err)
		}
		span.SetAttributes(attribute.String("session", sess.ID))
		e.countFiring(r, resultTracking)
		return nil
	}

	err := e.evaluateAndExecute(ctx, r, ec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) evaluateAndExecute(ctx context.Context, r *compiledRule, ec bdl.ExecutionContext) error {
	logger := e.logger.With("rule", r.id(), "server", ec.ServerID, "execution", ec.ExecutionID)

	var analysis map[string]any
	if r.def.Analysis != nil {
		if e.analyzer == nil {
			e.countFiring(r, resultFailed)
			return fmt.Errorf("rule %s requires analysis but no analyzer is configured", r.id())
		}
		res, err := e.analyzer.Analyze(ctx, *r.def.Analysis, ec)
		if err != nil {
			// fail closed
			e.countFiring(r, resultFailed)
			return fmt.Errorf("fetching %s analysis: %w", r.def.Analysis.Type, err)
		}
		analysis = res
	}

	if r.cond != nil && !e.eval.Evaluate(r.def.Condition, ec.Vars(analysis)) {
		logger.Debug("rule condition not met")
		e.countFiring(r, resultConditionFalse)
		return nil
	}

	if r.cooldown > 0 && ec.UserID != "" {
		ok, err := e.counters.Claim(ctx, cooldownCounterName, r.id()+"/"+ec.UserID, r.cooldown)
		if err != nil {
			e.countFiring(r, resultFailed)
			return fmt.Errorf("checking user cooldown: %w", err)
		}
		if !ok {
			logger.Info("rule firing skipped", "reason", "user cooldown", "user", ec.UserID)
			e.countFiring(r, resultSkipped)
			return nil
		}
	}

	if e.executor == nil {
		e.countFiring(r, resultFailed)
		return errors.New("no action executor configured")
	}

	if err := e.counters.Increment(ctx, executionCounterName, r.id()); err != nil {
		logger.Error("failed to count rule execution", "err", err)
	}
	n, chainErr := e.executor.ExecuteChain(ctx, r.def.Actions, ec, analysis)

	at := e.now()
	if err := e.rules.RecordExecution(ctx, r.id(), at); err != nil {
		logger.Error("failed to record rule execution", "err", err)
	}
	e.recordExecuted(r, at)

	if chainErr != nil {
		e.countFiring(r, resultFailed)
		return fmt.Errorf("action chain aborted after %d of %d actions: %w", n, len(r.def.Actions), chainErr)
	}
	logger.Info("rule executed", "actions", n, "depth", ec.Depth)
	e.countFiring(r, resultExecuted)
	return nil
}

// Consumes tracking completions until ctx is done. Completed and expired sessions re-enter
// evaluation for their rule with the collected counters; stopped sessions are dropped.
func (e *Engine) Run(ctx context.Context) error {
	if e.tracker == nil {
		<-ctx.Done()
		return nil
	}
	completions := e.tracker.Completions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-completions:
			e.handleCompletion(ctx, c)
		}
	}
}

func (e *Engine) handleCompletion(ctx context.Context, c tracking.Completion) {
	sess := c.Session
	if sess.Status != tracking.StatusCompleted && sess.Status != tracking.StatusExpired {
		e.logger.Debug("tracking session ended without evaluation", "session", sess.ID, "status", sess.Status)
		return
	}
	r, ok := e.snap.Load().rules[sess.RuleID]
	if !ok {
		e.logger.Info("tracking session ended for a rule which is no longer loaded", "session", sess.ID, "rule", sess.RuleID)
		return
	}

	ec := sess.Trigger
	if ec.RuleID == "" {
		ec.RuleID = sess.RuleID
		ec.ExecutionID = sess.ExecutionID
		ec.ServerID = sess.ServerID
	}
	end := e.now()
	if sess.CompletedAt != nil {
		end = *sess.CompletedAt
	}
	tracked := sess.Vars(end)
	tracked["sessionId"] = sess.ID
	tracked["trackingStatus"] = string(sess.Status)
	ec.Tracked = tracked

	e.spawn(ctx, r, ec, func(ctx context.Context) error {
		ctx, span := tracer.Start(ctx, "TrackingComplete", trace.WithAttributes(
			attribute.String("rule", r.id()),
			attribute.String("session", sess.ID),
			attribute.String("status", string(sess.Status)),
		))
		defer span.End()
		err := e.evaluateAndExecute(ctx, r, ec)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}
