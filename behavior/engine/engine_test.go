package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenbot/warden/behavior/action"
	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/countstore"
	"github.com/wardenbot/warden/behavior/platform"
	"github.com/wardenbot/warden/behavior/scheduler"
	"github.com/wardenbot/warden/behavior/store"
	"github.com/wardenbot/warden/behavior/tracking"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	result map[string]any
	err    error
	panic  bool
	calls  int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, spec bdl.AnalysisSpec, ec bdl.ExecutionContext) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.panic {
		panic("analysis exploded")
	}
	return a.result, a.err
}

type failingCounters struct{}

func (failingCounters) GetCount(ctx context.Context, name, val, period string) (int, error) {
	return 0, errors.New("counter backend down")
}

func (failingCounters) Increment(ctx context.Context, name, val string) error {
	return errors.New("counter backend down")
}

func (failingCounters) Claim(ctx context.Context, name, val string, ttl time.Duration) (bool, error) {
	return false, errors.New("counter backend down")
}

type flakyRuleStore struct {
	*store.MemRuleStore
	fail bool
}

func (s *flakyRuleStore) ListRules(ctx context.Context, enabledOnly bool) ([]bdl.RuleDefinition, []bdl.LoadError, error) {
	if s.fail {
		return nil, nil, errors.New("database unavailable")
	}
	return s.MemRuleStore.ListRules(ctx, enabledOnly)
}

type harness struct {
	rules    *store.MemRuleStore
	platform *action.MockPlatform
	tracker  *tracking.Manager
	analyzer *fakeAnalyzer
	engine   *Engine
}

func newHarness(t *testing.T, rules []bdl.RuleDefinition, opts ...func(*Config)) *harness {
	h := &harness{
		rules:    store.NewMemRuleStore(rules...),
		platform: &action.MockPlatform{},
		analyzer: &fakeAnalyzer{},
	}
	counters := countstore.NewMemCountStore()
	h.tracker = tracking.NewManager(tracking.Config{Store: tracking.NewMemSessionStore()})
	x := action.NewExecutor(action.Config{
		Platform: h.platform,
		Tickets:  action.NewMemTicketStore(),
		Tracker:  h.tracker,
		Quota:    counters,
	})
	config := Config{
		Rules:    h.rules,
		Executor: x,
		Tracker:  h.tracker,
		Analyzer: h.analyzer,
		Counters: counters,
	}
	for _, opt := range opts {
		opt(&config)
	}
	h.engine = NewEngine(config)
	_, err := h.engine.Reload(context.Background())
	require.NoError(t, err)
	return h
}

func eventRule(id, event string, actions ...bdl.Action) bdl.RuleDefinition {
	return bdl.RuleDefinition{
		ID:       id,
		ServerID: "s1",
		Name:     id,
		Enabled:  true,
		Trigger:  bdl.Trigger{Type: bdl.TriggerEvent, Event: event},
		Actions:  actions,
	}
}

func dm(message string) bdl.SendDM {
	return bdl.SendDM{UserID: "${triggeredUserId}", Message: message}
}

func event(name, userID string) *platform.Event {
	return &platform.Event{
		Name:      name,
		ServerID:  "s1",
		ChannelID: "c1",
		MessageID: "m-" + userID,
		UserID:    userID,
		Username:  "alice",
	}
}

func TestReloadPartialFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	badCond := eventRule("bad-cond", "messageCreate")
	badCond.Condition = "messageCount >"
	badStop := eventRule("bad-stop", "memberJoin")
	badStop.Tracking = &bdl.TrackingSpec{Duration: "5m", StopConditions: []string{"(messageCount"}}
	badCron := bdl.RuleDefinition{ID: "bad-cron", ServerID: "s1", Enabled: true, Trigger: bdl.Trigger{Type: bdl.TriggerSchedule, Cron: "every tuesday"}}
	sched := bdl.RuleDefinition{ID: "sched", ServerID: "s1", Enabled: true, Trigger: bdl.Trigger{Type: bdl.TriggerSchedule, Cron: "*/5 * * * *"}}
	noEvent := eventRule("no-event", "")
	off := eventRule("off", "messageCreate")
	off.Enabled = false

	sch := scheduler.New(nil)
	rs := &flakyRuleStore{MemRuleStore: store.NewMemRuleStore(
		eventRule("ok", "messageCreate", dm("hi")),
		badCond, badStop, badCron, sched, noEvent, off,
		eventRule("broken", "messageCreate"),
	)}
	rs.Broken["broken"] = errors.New("invalid character 'x' looking for beginning of value")

	e := NewEngine(Config{Rules: rs, Scheduler: sch})
	report, err := e.Reload(ctx)
	require.NoError(err)
	assert.Equal(2, report.Loaded)
	assert.Equal(1, report.Scheduled)
	msgs := report.ErrorMessages()
	assert.Len(msgs, 5)
	for _, id := range []string{"bad-cond", "bad-stop", "bad-cron", "no-event", "broken"} {
		assert.Contains(msgs, id)
	}
	assert.Contains(msgs["bad-cond"], "condition")
	assert.Equal(1, sch.Len())
	_, ok := sch.Next("sched")
	assert.True(ok)

	stats := e.Stats()
	assert.Equal(2, stats.RulesLoaded)
	assert.Equal(5, stats.LoadErrors)

	// a failed read keeps the previous index
	rs.fail = true
	_, err = e.Reload(ctx)
	assert.Error(err)
	assert.Equal(2, e.Stats().RulesLoaded)
	assert.Len(e.snap.Load().eventRules("s1", "messageCreate"), 1)
}

func TestEventFiring(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	spam := eventRule("spam", "messageCreate", bdl.Kick{UserID: "${triggeredUserId}", Reason: "spam"})
	spam.Condition = "event.contentLength > 10"
	other := eventRule("other-server", "memberJoin", dm("wrong server"))
	other.ServerID = "s2"
	h := newHarness(t, []bdl.RuleDefinition{
		eventRule("greet", "memberJoin", dm("welcome ${user.username}")),
		spam,
		other,
	})

	h.engine.HandleEvent(ctx, event("memberJoin", "u1"))
	h.engine.Wait()
	assert.Equal([]string{"dm u1 welcome alice"}, h.platform.Calls())

	short := event("messageCreate", "u2")
	short.Content = "hi"
	h.engine.HandleEvent(ctx, short)
	long := event("messageCreate", "u2")
	long.Content = "buy cheap followers now"
	h.engine.HandleEvent(ctx, long)
	h.engine.Wait()
	assert.Equal([]string{"dm u1 welcome alice", "kick u2 spam"}, h.platform.Calls())

	greet, err := h.rules.GetRule(ctx, "greet")
	require.NoError(err)
	assert.EqualValues(1, greet.ExecutionCount)
	assert.NotNil(greet.LastExecuted)

	stats := h.engine.Stats()
	assert.EqualValues(1, stats.Rules["greet"].Executed)
	assert.EqualValues(2, stats.Rules["spam"].Triggered)
	assert.EqualValues(1, stats.Rules["spam"].ConditionFalse)
	assert.EqualValues(1, stats.Rules["spam"].Executed)
	assert.NotContains(stats.Rules, "other-server")
	assert.EqualValues(2, stats.Totals.Executed)
}

func TestWildcardTrigger(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	h := newHarness(t, []bdl.RuleDefinition{
		eventRule("audit", "*", bdl.SendChannelMessage{ChannelID: "c-log", Message: "${eventName} by ${triggeredUserId}"}),
	})
	h.engine.HandleEvent(ctx, event("memberJoin", "u1"))
	h.engine.HandleEvent(ctx, event("reactionAdd", "u2"))
	h.engine.Wait()
	assert.ElementsMatch([]string{"channel c-log memberJoin by u1", "channel c-log reactionAdd by u2"}, h.platform.Calls())
}

func TestFaultIsolation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	analyzed := eventRule("analyzed", "messageCreate", dm("never"))
	analyzed.Analysis = &bdl.AnalysisSpec{Type: "toxicity"}
	h := newHarness(t, []bdl.RuleDefinition{
		eventRule("failing", "messageCreate", bdl.SendDM{UserID: "gone", Message: "hello"}, bdl.SendDM{UserID: "${triggeredUserId}", Message: "unreachable"}),
		eventRule("working", "messageCreate", bdl.SendChannelMessage{ChannelID: "c1", Message: "seen"}),
		analyzed,
	})
	h.platform.FailFor = map[string]error{"gone": errors.New("unknown member")}
	h.analyzer.panic = true

	h.engine.HandleEvent(ctx, event("messageCreate", "u1"))
	h.engine.Wait()

	assert.ElementsMatch([]string{"dm gone hello", "channel c1 seen"}, h.platform.Calls())
	stats := h.engine.Stats()
	assert.EqualValues(1, stats.Rules["failing"].Failed)
	assert.EqualValues(1, stats.Rules["working"].Executed)
	assert.EqualValues(1, stats.Rules["analyzed"].Failed)

	// a failed chain still counts as an execution
	failing, err := h.rules.GetRule(ctx, "failing")
	assert.NoError(err)
	assert.EqualValues(1, failing.ExecutionCount)
}

// Routes reply waits through a real waiter.
type waitingPlatform struct {
	*action.MockPlatform
	waiter *platform.ReplyWaiter
}

func (p *waitingPlatform) ExpectReply(serverID, userID string) (func(ctx context.Context, timeout time.Duration) (string, bool, error), func()) {
	return p.waiter.Expect(serverID, userID)
}

func verifyRule() bdl.RuleDefinition {
	return eventRule("verify", "memberJoin", bdl.AskQuestion{
		UserID:         "${triggeredUserId}",
		Question:       "ok?",
		ExpectedAnswer: "yes",
		Timeout:        "1s",
		OnCorrect:      dm("welcome"),
		OnTimeout:      dm("timeout"),
	})
}

func answer(userID, text string) *platform.Event {
	ev := event(platform.EventMessageCreate, userID)
	ev.Content = text
	return ev
}

func TestPendingQuestionsDoNotBlockEvents(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	bus := platform.NewBus(nil)
	waiter := platform.NewReplyWaiter()
	waiter.Attach(bus)
	mock := &action.MockPlatform{}
	h := newHarness(t, []bdl.RuleDefinition{verifyRule()}, func(c *Config) {
		c.MaxConcurrentFirings = 2
		c.Executor = action.NewExecutor(action.Config{Platform: &waitingPlatform{MockPlatform: mock, waiter: waiter}})
	})
	h.engine.Subscribe(bus)

	// a single publisher, like the gateway read loop; u3 waits for a free slot
	for _, u := range []string{"u1", "u2", "u3"} {
		bus.Publish(ctx, event("memberJoin", u))
	}
	assert.Eventually(func() bool { return waiter.Pending() == 2 }, time.Second, time.Millisecond)

	bus.Publish(ctx, answer("u1", "yes"))
	assert.Eventually(func() bool { return slices.Contains(mock.Calls(), "dm u3 ok?") }, time.Second, time.Millisecond)
	bus.Publish(ctx, answer("u3", "yes"))
	h.engine.Wait()

	calls := mock.Calls()
	assert.Contains(calls, "dm u1 welcome")
	assert.Contains(calls, "dm u3 welcome")
	assert.Contains(calls, "dm u2 timeout")
	assert.NotContains(calls, "dm u1 timeout")
	assert.NotContains(calls, "dm u3 timeout")
	assert.Equal(0, waiter.Pending())
}

func TestFiringQueueOverflow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	waiter := platform.NewReplyWaiter()
	mock := &action.MockPlatform{}
	h := newHarness(t, []bdl.RuleDefinition{verifyRule()}, func(c *Config) {
		c.MaxConcurrentFirings = 1
		c.MaxQueuedFirings = 1
		c.Executor = action.NewExecutor(action.Config{Platform: &waitingPlatform{MockPlatform: mock, waiter: waiter}})
	})

	// u1 runs, u2 queues, u3 is dropped; none of these calls block
	for _, u := range []string{"u1", "u2", "u3"} {
		h.engine.HandleEvent(ctx, event("memberJoin", u))
	}
	assert.EqualValues(1, h.engine.Stats().Rules["verify"].Dropped)

	assert.Eventually(func() bool { return slices.Contains(mock.Calls(), "dm u1 ok?") }, time.Second, time.Millisecond)
	waiter.HandleMessage(ctx, answer("u1", "yes"))
	assert.Eventually(func() bool { return slices.Contains(mock.Calls(), "dm u2 ok?") }, time.Second, time.Millisecond)
	waiter.HandleMessage(ctx, answer("u2", "yes"))
	h.engine.Wait()

	assert.Equal([]string{"dm u1 ok?", "dm u1 welcome", "dm u2 ok?", "dm u2 welcome"}, mock.Calls())
}

func TestTrackingHandOff(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watch := eventRule("watch", "memberJoin", dm("you sent ${messageCount} messages"))
	watch.Tracking = &bdl.TrackingSpec{
		Duration:       "10m",
		Target:         bdl.TrackingTarget{Type: bdl.TargetUser},
		StopConditions: []string{"messageCount >= 2"},
	}
	watch.Condition = "messageCount >= 2"
	h := newHarness(t, []bdl.RuleDefinition{watch})

	bus := platform.NewBus(nil)
	h.tracker.Subscribe(bus)
	h.engine.Subscribe(bus)
	go h.engine.Run(ctx)

	bus.Publish(ctx, event("memberJoin", "u1"))
	h.engine.Wait()
	require.Len(h.tracker.Active("s1"), 1)
	assert.Empty(h.platform.Calls())
	assert.EqualValues(1, h.engine.Stats().Rules["watch"].TrackingStarts)

	// other users do not count towards the session
	bus.Publish(ctx, event("messageCreate", "u2"))
	bus.Publish(ctx, event("messageCreate", "u1"))
	assert.Empty(h.platform.Calls())
	bus.Publish(ctx, event("messageCreate", "u1"))

	assert.Eventually(func() bool {
		return len(h.platform.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.engine.Wait()

	assert.Equal([]string{"dm u1 you sent 2 messages"}, h.platform.Calls())
	assert.Empty(h.tracker.Active("s1"))
	stats := h.engine.Stats().Rules["watch"]
	assert.EqualValues(1, stats.Executed)
	assert.EqualValues(1, stats.Triggered)
}

func TestCompletionHandling(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	watch := eventRule("watch", "memberJoin", dm("${messageCount} in ${trackingStatus}"))
	watch.Tracking = &bdl.TrackingSpec{Duration: "10m"}
	watch.Condition = "messageCount >= 2"
	h := newHarness(t, []bdl.RuleDefinition{watch})

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	session := func(ruleID string, status tracking.Status, messages int) tracking.Completion {
		return tracking.Completion{Session: tracking.Session{
			ID:          "sess-" + string(status),
			RuleID:      ruleID,
			ExecutionID: "ex1",
			ServerID:    "s1",
			Target:      tracking.Target{Type: bdl.TargetUser, ID: "u1"},
			StartedAt:   start,
			ExpiresAt:   end,
			Data:        tracking.CollectedData{MessageCount: messages},
			Status:      status,
			CompletedAt: &end,
			Trigger:     bdl.ExecutionContext{ExecutionID: "ex1", RuleID: ruleID, ServerID: "s1", UserID: "u1", TriggeredAt: start},
		}}
	}

	h.engine.handleCompletion(ctx, session("watch", tracking.StatusStopped, 5))
	h.engine.handleCompletion(ctx, session("unloaded", tracking.StatusCompleted, 5))
	h.engine.handleCompletion(ctx, session("watch", tracking.StatusCompleted, 1))
	h.engine.Wait()
	assert.Empty(h.platform.Calls())
	assert.EqualValues(1, h.engine.Stats().Rules["watch"].ConditionFalse)

	h.engine.handleCompletion(ctx, session("watch", tracking.StatusExpired, 3))
	h.engine.Wait()
	assert.Equal([]string{"dm u1 3 in expired"}, h.platform.Calls())
}

func TestSafetyChecks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	limited := eventRule("limited", "ping", dm("pong"))
	limited.Safety.MaxExecutionsPerHour = 2
	guarded := eventRule("guarded", "guard", dm("guarded"))
	guarded.Safety.ExemptRoleIDs = []string{"mod"}
	guarded.Safety.ExemptUserIDs = []string{"owner"}
	guarded.Trigger.IgnoreBots = true
	guarded.Trigger.ChannelIDs = []string{"c1"}
	cooled := eventRule("cooled", "nudge", dm("nudged"))
	cooled.Safety.UserCooldown = "1h"
	h := newHarness(t, []bdl.RuleDefinition{limited, guarded, cooled})

	for i := 0; i < 3; i++ {
		h.engine.HandleEvent(ctx, event("ping", "u1"))
		h.engine.Wait()
	}
	assert.Equal([]string{"dm u1 pong", "dm u1 pong"}, h.platform.Calls())
	stats := h.engine.Stats().Rules["limited"]
	assert.EqualValues(3, stats.Triggered)
	assert.EqualValues(1, stats.Skipped)

	mod := event("guard", "u2")
	mod.Roles = []string{"member", "mod"}
	h.engine.HandleEvent(ctx, mod)
	h.engine.HandleEvent(ctx, event("guard", "owner"))
	bot := event("guard", "u3")
	bot.IsBot = true
	h.engine.HandleEvent(ctx, bot)
	elsewhere := event("guard", "u4")
	elsewhere.ChannelID = "c2"
	h.engine.HandleEvent(ctx, elsewhere)
	h.engine.HandleEvent(ctx, event("guard", "u5"))
	h.engine.Wait()
	assert.Equal("dm u5 guarded", h.platform.Calls()[2])
	assert.Len(h.platform.Calls(), 3)
	stats = h.engine.Stats().Rules["guarded"]
	assert.EqualValues(2, stats.Exempt)
	assert.EqualValues(1, stats.Triggered)

	h.engine.HandleEvent(ctx, event("nudge", "u1"))
	h.engine.Wait()
	h.engine.HandleEvent(ctx, event("nudge", "u1"))
	h.engine.Wait()
	h.engine.HandleEvent(ctx, event("nudge", "u2"))
	h.engine.Wait()
	assert.Equal([]string{"dm u1 nudged", "dm u2 nudged"}, h.platform.Calls()[3:])
	assert.EqualValues(1, h.engine.Stats().Rules["cooled"].Skipped)
}

func TestCounterFailureFailsClosed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	limited := eventRule("limited", "ping", dm("pong"))
	limited.Safety.MaxExecutionsPerDay = 10
	h := newHarness(t, []bdl.RuleDefinition{limited}, func(c *Config) {
		c.Counters = failingCounters{}
	})

	h.engine.HandleEvent(ctx, event("ping", "u1"))
	h.engine.Wait()
	assert.Empty(h.platform.Calls())
	assert.EqualValues(1, h.engine.Stats().Rules["limited"].Failed)
}

func TestAnalysis(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	toxic := eventRule("toxic", "messageCreate", bdl.SendChannelMessage{ChannelID: "c-mod", Message: "flagged ${triggeredUserId} at ${analysis.score}"})
	toxic.Analysis = &bdl.AnalysisSpec{Type: "toxicity"}
	toxic.Condition = "analysis.score > 0.5"
	h := newHarness(t, []bdl.RuleDefinition{toxic})

	h.analyzer.result = map[string]any{"score": 0.2}
	h.engine.HandleEvent(ctx, event("messageCreate", "u1"))
	h.engine.Wait()
	assert.Empty(h.platform.Calls())

	h.analyzer.result = map[string]any{"score": 0.9}
	h.engine.HandleEvent(ctx, event("messageCreate", "u1"))
	h.engine.Wait()
	assert.Equal([]string{"channel c-mod flagged u1 at 0.9"}, h.platform.Calls())

	h.analyzer.result = nil
	h.analyzer.err = errors.New("analysis service timeout")
	h.engine.HandleEvent(ctx, event("messageCreate", "u1"))
	h.engine.Wait()
	assert.Len(h.platform.Calls(), 1)

	stats := h.engine.Stats().Rules["toxic"]
	assert.EqualValues(1, stats.ConditionFalse)
	assert.EqualValues(1, stats.Executed)
	assert.EqualValues(1, stats.Failed)
	assert.Equal(3, h.analyzer.calls)
}

func TestRunRule(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	child := bdl.RuleDefinition{
		ID:        "child",
		ServerID:  "s1",
		Enabled:   true,
		Trigger:   bdl.Trigger{Type: bdl.TriggerCustom, Name: "child-only"},
		Condition: `triggeredUserId == "u1"`,
		Actions:   bdl.ActionList{dm("child ran for ${ruleId}")},
	}
	foreign := child
	foreign.ID = "foreign"
	foreign.ServerID = "s2"
	h := newHarness(t, []bdl.RuleDefinition{
		eventRule("parent", "ping", bdl.RunRule{RuleID: "child"}, dm("parent done")),
		eventRule("cross", "cross", bdl.RunRule{RuleID: "foreign"}, dm("unreachable")),
		eventRule("loop", "loop", dm("loop"), bdl.RunRule{RuleID: "loop"}),
		child,
		foreign,
	})

	h.engine.HandleEvent(ctx, event("ping", "u1"))
	h.engine.Wait()
	assert.Equal([]string{"dm u1 child ran for child", "dm u1 parent done"}, h.platform.Calls())

	h.engine.HandleEvent(ctx, event("cross", "u1"))
	h.engine.Wait()
	assert.Len(h.platform.Calls(), 2)
	assert.EqualValues(1, h.engine.Stats().Rules["cross"].Failed)

	h.engine.HandleEvent(ctx, event("loop", "u1"))
	h.engine.Wait()
	loops := 0
	for _, c := range h.platform.Calls() {
		if strings.HasPrefix(c, "dm u1 loop") {
			loops++
		}
	}
	assert.Equal(bdl.MaxRunDepth+1, loops)
	stats := h.engine.Stats().Rules["loop"]
	assert.EqualValues(bdl.MaxRunDepth+1, stats.Triggered)
	assert.EqualValues(bdl.MaxRunDepth+1, stats.Failed)

	err := h.engine.RunRule(ctx, "child", bdl.ExecutionContext{ServerID: "s1", UserID: "u1", Depth: bdl.MaxRunDepth})
	assert.ErrorIs(err, ErrRunDepthExceeded)
	err = h.engine.RunRule(ctx, "missing", bdl.ExecutionContext{ServerID: "s1"})
	assert.ErrorIs(err, bdl.ErrRuleNotFound)
}

func TestCustomAndScheduledTriggers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	raid := bdl.RuleDefinition{
		ID:       "raid",
		ServerID: "s1",
		Enabled:  true,
		Trigger:  bdl.Trigger{Type: bdl.TriggerCustom, Name: "raid-alert"},
		Actions:  bdl.ActionList{bdl.SendChannelMessage{ChannelID: "c-mod", Message: "raid reported by ${event.source}"}},
	}
	raidExempt := raid
	raidExempt.ID = "raid-exempt"
	raidExempt.Safety.ExemptUserIDs = []string{"u9"}
	digest := bdl.RuleDefinition{
		ID:       "digest",
		ServerID: "s1",
		Enabled:  true,
		Trigger:  bdl.Trigger{Type: bdl.TriggerSchedule, Cron: "0 9 * * *"},
		Actions:  bdl.ActionList{bdl.SendChannelMessage{ChannelID: "c-mod", Message: "daily digest (${event.cron})"}},
	}
	sch := scheduler.New(nil)
	h := newHarness(t, []bdl.RuleDefinition{raid, raidExempt, digest}, func(c *Config) {
		c.Scheduler = sch
	})
	assert.Equal(1, sch.Len())

	n := h.engine.FireCustom(ctx, "s1", "raid-alert", map[string]any{"source": "webhook", "userId": "u9"})
	assert.Equal(1, n)
	assert.Equal(0, h.engine.FireCustom(ctx, "s1", "nothing", nil))
	assert.Equal(0, h.engine.FireCustom(ctx, "s2", "raid-alert", nil))
	h.engine.Wait()
	assert.Equal([]string{"channel c-mod raid reported by webhook"}, h.platform.Calls())
	assert.EqualValues(1, h.engine.Stats().Rules["raid-exempt"].Exempt)

	h.engine.fireScheduled(ctx, "digest")
	h.engine.fireScheduled(ctx, "raid")
	h.engine.Wait()
	assert.Equal([]string{"channel c-mod raid reported by webhook", "channel c-mod daily digest (0 9 * * *)"}, h.platform.Calls())
}

func TestStopTrackingFromRule(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	watch := eventRule("watch", "memberJoin", dm("done"))
	watch.Tracking = &bdl.TrackingSpec{Duration: "1h"}
	h := newHarness(t, []bdl.RuleDefinition{
		watch,
		eventRule("verified", "verified", bdl.StopTracking{RuleID: "watch", UserID: "${triggeredUserId}", Reason: "verified"}),
	})

	h.engine.HandleEvent(ctx, event("memberJoin", "u1"))
	h.engine.HandleEvent(ctx, event("memberJoin", "u2"))
	h.engine.Wait()
	require.Len(h.tracker.Active("s1"), 2)

	h.engine.HandleEvent(ctx, event("verified", "u1"))
	h.engine.Wait()
	active := h.tracker.Active("s1")
	require.Len(active, 1)
	assert.Equal("u2", active[0].Target.ID)
	assert.Empty(h.platform.Calls())
}
