package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/countstore"
	"github.com/wardenbot/warden/behavior/platform"
)

type flakyTickets struct {
	*MemTicketStore
	failures int
	attempts int
}

func (s *flakyTickets) CreateTicket(ctx context.Context, t *Ticket) error {
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("transient")
	}
	return s.MemTicketStore.CreateTicket(ctx, t)
}

type recordingNotifier struct {
	tickets []Ticket
	err     error
}

func (n *recordingNotifier) NotifyTicket(ctx context.Context, t *Ticket) error {
	n.tickets = append(n.tickets, *t)
	return n.err
}

type fakeRunner struct {
	ran []string
}

func (r *fakeRunner) RunRule(ctx context.Context, ruleID string, ec bdl.ExecutionContext) error {
	r.ran = append(r.ran, ruleID+"@"+ec.RuleID)
	return nil
}

type fakeStopper struct {
	calls []string
}

func (s *fakeStopper) StopMatching(ctx context.Context, serverID, ruleID, targetID, reason string) (int, error) {
	s.calls = append(s.calls, fmt.Sprintf("%s %s %s %s", serverID, ruleID, targetID, reason))
	return 1, nil
}

type recordingSink struct {
	entries []string
	fail    int
}

func (s *recordingSink) Log(ctx context.Context, level slog.Level, msg string, ec bdl.ExecutionContext) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("sink unavailable")
	}
	s.entries = append(s.entries, level.String()+" "+msg)
	return nil
}

func testContext() bdl.ExecutionContext {
	return bdl.ExecutionContext{
		ExecutionID: "ex1",
		RuleID:      "rule1",
		ServerID:    "s1",
		UserID:      "u1",
		ChannelID:   "c1",
		MessageID:   "m1",
		TriggeredAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		EventName:   "messageCreate",
		Payload: map[string]any{
			"user": map[string]any{"id": "u1", "username": "alice"},
		},
	}
}

func TestTemplateSubstitution(t *testing.T) {
	assert := assert.New(t)

	ec := testContext()
	ec.Tracked = map[string]any{"messageCount": 4}
	vars := ec.Vars(map[string]any{"score": 0.75, "reason": "spam"})

	assert.Equal("hi alice (u1)", Render("hi ${user.username} (${user.id})", vars))
	assert.Equal("u1 c1 m1", Render("${triggeredUserId} ${triggeredChannelId} ${triggeredMessageId}", vars))
	assert.Equal("at 2024-06-01T12:00:00Z", Render("at ${triggeredAt}", vars))
	assert.Equal("score 0.75 for spam", Render("score ${analysis.score} for ${analysis.reason}", vars))
	assert.Equal("4 messages", Render("${messageCount} messages", vars))
	assert.Equal("keep ${nope.missing} as is", Render("keep ${nope.missing} as is", vars))
	assert.Equal("unclosed ${user.id", Render("unclosed ${user.id", vars))
	assert.Equal("plain", Render("plain", vars))
}

func TestChainAbortsOnFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p := &MockPlatform{FailFor: map[string]error{"missing": errors.New("unknown member")}}
	x := NewExecutor(Config{Platform: p})

	chain := []bdl.Action{
		bdl.SendDM{UserID: "${triggeredUserId}", Message: "first"},
		bdl.AddRole{UserID: "missing", RoleID: "r1"},
		bdl.SendDM{UserID: "${triggeredUserId}", Message: "third"},
	}
	n, err := x.ExecuteChain(ctx, chain, testContext(), nil)
	assert.Equal(1, n)
	assert.ErrorContains(err, "action 1 (add_role)")
	assert.ErrorContains(err, "unknown member")
	assert.Equal([]string{"dm u1 first", "add_role missing r1"}, p.Calls())

	p.FailFor = nil
	n, err = x.ExecuteChain(ctx, chain, testContext(), nil)
	assert.NoError(err)
	assert.Equal(3, n)
}

func TestDirectActions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	p := &MockPlatform{}
	x := NewExecutor(Config{Platform: p})
	chain := []bdl.Action{
		bdl.RemoveRole{UserID: "${user.id}", RoleID: "r2"},
		bdl.Timeout{UserID: "${user.id}", Duration: "10m", Reason: "cool off"},
		bdl.Timeout{UserID: "${user.id}", Duration: "whenever", Reason: "default"},
		bdl.Kick{UserID: "u2", Reason: "bye ${user.username}"},
		bdl.Ban{UserID: "u3", Reason: "raid", DeleteMessageDays: 1},
		bdl.SendChannelMessage{ChannelID: "${triggeredChannelId}", Message: "noted", Embed: &bdl.Embed{Title: "flag ${user.username}"}},
	}
	n, err := x.ExecuteChain(ctx, chain, testContext(), nil)
	require.NoError(err)
	assert.Equal(len(chain), n)
	assert.Equal([]string{
		"remove_role u1 r2",
		"timeout u1 10m0s cool off",
		"timeout u1 1m0s default",
		"kick u2 bye alice",
		"ban u3 raid 1",
		"channel c1 noted embed:flag alice",
	}, p.Calls())
}

func TestDestructiveCircuitBreaker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p := &MockPlatform{FailFor: map[string]error{"gone": errors.New("unknown member")}}
	quota := countstore.NewMemCountStore()
	x := NewExecutor(Config{Platform: p, Quota: quota, DestructiveQuotaPerDay: 2})

	ec := testContext()
	assert.NoError(x.Execute(ctx, bdl.Kick{UserID: "u2"}, ec, nil))
	// failed calls are not retried and do not count
	assert.Error(x.Execute(ctx, bdl.Ban{UserID: "gone"}, ec, nil))
	assert.NoError(x.Execute(ctx, bdl.Timeout{UserID: "u3", Duration: "1m"}, ec, nil))
	assert.ErrorIs(x.Execute(ctx, bdl.Ban{UserID: "u4"}, ec, nil), ErrQuotaExceeded)
	assert.Equal([]string{"kick u2 ", "ban gone  0", "timeout u3 1m0s "}, p.Calls())

	// non-destructive actions are unaffected, other servers have their own quota
	assert.NoError(x.Execute(ctx, bdl.SendDM{UserID: "u4", Message: "hi"}, ec, nil))
	ec.ServerID = "s2"
	assert.NoError(x.Execute(ctx, bdl.Ban{UserID: "u4"}, ec, nil))
}

func TestAskQuestion(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ask := bdl.AskQuestion{
		UserID:         "${triggeredUserId}",
		Question:       "are you human, ${user.username}?",
		ExpectedAnswer: "yes",
		OnCorrect:      bdl.AddRole{UserID: "${triggeredUserId}", RoleID: "verified"},
		OnIncorrect:    bdl.SendDM{UserID: "${triggeredUserId}", Message: "got ${answer}"},
		OnTimeout:      bdl.Kick{UserID: "${triggeredUserId}", Reason: "no answer"},
	}

	// normalized match
	p := &MockPlatform{Replies: []Reply{{Text: " Yes ", OK: true}}}
	x := NewExecutor(Config{Platform: p})
	require.NoError(x.Execute(ctx, ask, testContext(), nil))
	assert.Equal([]string{"dm u1 are you human, alice?", "add_role u1 verified"}, p.Calls())
	assert.Equal([]time.Duration{DefaultQuestionTimeout}, p.Waits())

	// mismatch, with the reply visible to the branch
	p = &MockPlatform{Replies: []Reply{{Text: "nope", OK: true}}}
	x = NewExecutor(Config{Platform: p})
	require.NoError(x.Execute(ctx, ask, testContext(), nil))
	assert.Equal("dm u1 got nope", p.Calls()[1])

	// no reply always takes the timeout branch, even with an empty expected answer
	ask.ExpectedAnswer = ""
	ask.Timeout = "30s"
	p = &MockPlatform{}
	x = NewExecutor(Config{Platform: p})
	require.NoError(x.Execute(ctx, ask, testContext(), nil))
	assert.Equal([]string{"dm u1 are you human, alice?", "kick u1 no answer"}, p.Calls())
	assert.Equal([]time.Duration{30 * time.Second}, p.Waits())

	// unparseable timeout uses the action default; nil branch is a no-op; channel prompt
	ask.Timeout = "soon"
	ask.OnTimeout = nil
	ask.ChannelID = "${triggeredChannelId}"
	p = &MockPlatform{}
	x = NewExecutor(Config{Platform: p})
	require.NoError(x.Execute(ctx, ask, testContext(), nil))
	assert.Equal([]string{"channel c1 are you human, alice?"}, p.Calls())
	assert.Equal([]time.Duration{bdl.DefaultActionDuration}, p.Waits())

	// nested question in a branch
	inner := bdl.AskQuestion{UserID: "u1", Question: "sure?", ExpectedAnswer: "yes", OnCorrect: bdl.Ban{UserID: "u1", Reason: "confirmed"}}
	outer := bdl.AskQuestion{UserID: "u1", Question: "spammer?", ExpectedAnswer: "yes", OnCorrect: inner}
	p = &MockPlatform{Replies: []Reply{{Text: "yes", OK: true}, {Text: "YES", OK: true}}}
	x = NewExecutor(Config{Platform: p})
	require.NoError(x.Execute(ctx, outer, testContext(), nil))
	assert.Equal([]string{"dm u1 spammer?", "dm u1 sure?", "ban u1 confirmed 0"}, p.Calls())
}

// Answers every DM before the send call returns.
type quickReplyPlatform struct {
	*MockPlatform
	waiter *platform.ReplyWaiter
	answer string
}

func (p *quickReplyPlatform) SendDM(ctx context.Context, serverID, userID, message string) error {
	if err := p.MockPlatform.SendDM(ctx, serverID, userID, message); err != nil {
		return err
	}
	p.waiter.HandleMessage(ctx, &platform.Event{Name: platform.EventMessageCreate, ServerID: serverID, UserID: userID, Content: p.answer})
	return nil
}

func (p *quickReplyPlatform) ExpectReply(serverID, userID string) (func(ctx context.Context, timeout time.Duration) (string, bool, error), func()) {
	return p.waiter.Expect(serverID, userID)
}

func TestAskQuestionReplyDuringSend(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ask := bdl.AskQuestion{
		UserID:         "${triggeredUserId}",
		Question:       "ok?",
		ExpectedAnswer: "yes",
		Timeout:        "1s",
		OnCorrect:      bdl.AddRole{UserID: "${triggeredUserId}", RoleID: "verified"},
		OnTimeout:      bdl.Kick{UserID: "${triggeredUserId}", Reason: "no answer"},
	}

	waiter := platform.NewReplyWaiter()
	p := &quickReplyPlatform{MockPlatform: &MockPlatform{}, waiter: waiter, answer: "yes"}
	x := NewExecutor(Config{Platform: p})
	require.NoError(x.Execute(ctx, ask, testContext(), nil))
	assert.Equal([]string{"dm u1 ok?", "add_role u1 verified"}, p.Calls())
	assert.Equal(0, waiter.Pending())

	// a failed prompt leaves no registered waiter behind
	p = &quickReplyPlatform{MockPlatform: &MockPlatform{FailFor: map[string]error{"u1": errors.New("dms closed")}}, waiter: waiter, answer: "yes"}
	x = NewExecutor(Config{Platform: p})
	assert.Error(x.Execute(ctx, ask, testContext(), nil))
	assert.Equal(0, waiter.Pending())
}

func TestTicketsAndLogs(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	tickets := &flakyTickets{MemTicketStore: NewMemTicketStore(), failures: 1}
	notifier := &recordingNotifier{err: errors.New("slack down")}
	sink := &recordingSink{fail: 1}
	x := NewExecutor(Config{Tickets: tickets, Notifier: notifier, LogSink: sink, RetryDelay: time.Millisecond})

	ec := testContext()
	require.NoError(x.Execute(ctx, bdl.CreateTicket{Title: "review ${user.username}", Description: "score ${analysis.score}"}, ec, map[string]any{"score": 3}))
	assert.Equal(2, tickets.attempts)
	list := tickets.List()
	require.Len(list, 1)
	assert.Equal("review alice", list[0].Title)
	assert.Equal("score 3", list[0].Description)
	assert.Equal(DefaultTicketPriority, list[0].Priority)
	assert.Equal(TicketStatusOpen, list[0].Status)
	assert.Equal("rule1", list[0].RuleID)
	// notifier failures do not fail the action
	assert.Len(notifier.tickets, 1)

	require.NoError(x.Execute(ctx, bdl.Log{Level: bdl.LogWarn, Message: "flagged ${triggeredUserId}"}, ec, nil))
	assert.Equal([]string{"WARN flagged u1"}, sink.entries)

	// a second consecutive failure is surfaced
	tickets.failures = 10
	assert.Error(x.Execute(ctx, bdl.CreateTicket{Title: "again", Priority: "HIGH"}, ec, nil))
}

func TestCrossComponentActions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	x := NewExecutor(Config{})
	assert.ErrorIs(x.Execute(ctx, bdl.RunRule{RuleID: "rule2"}, testContext(), nil), ErrNotConfigured)
	assert.ErrorIs(x.Execute(ctx, bdl.SendDM{UserID: "u1", Message: "x"}, testContext(), nil), ErrNotConfigured)
	assert.ErrorIs(x.Execute(ctx, bdl.Kick{UserID: "u1"}, testContext(), nil), ErrNotConfigured)

	runner := &fakeRunner{}
	stopper := &fakeStopper{}
	x = NewExecutor(Config{Tracker: stopper})
	x.SetRuleRunner(runner)

	assert.NoError(x.Execute(ctx, bdl.RunRule{RuleID: "rule2"}, testContext(), nil))
	assert.Equal([]string{"rule2@rule1"}, runner.ran)

	assert.NoError(x.Execute(ctx, bdl.StopTracking{UserID: "${triggeredUserId}"}, testContext(), nil))
	assert.NoError(x.Execute(ctx, bdl.StopTracking{RuleID: "other", Reason: "done"}, testContext(), nil))
	assert.Equal([]string{"s1 rule1 u1 stopped by rule rule1", "s1 other  done"}, stopper.calls)

	assert.NoError(x.Execute(ctx, nil, testContext(), nil))
}
