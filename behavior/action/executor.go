// Executes rule action chains: platform side effects, logging, tickets, and question prompts
// which branch on the user's reply.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/countstore"
	"github.com/wardenbot/warden/behavior/helpers"
)

const (
	DefaultDestructiveQuotaPerDay = 50
	DefaultQuestionTimeout        = 60 * time.Second

	quotaCounterName = "destructive-quota"
)

var (
	ErrQuotaExceeded = errors.New("destructive action quota exceeded for server")
	ErrNotConfigured = errors.New("action collaborator not configured")
)

type Config struct {
	Logger   *slog.Logger
	Platform Platform
	Tickets  TicketStore
	// optional
	Notifier Notifier
	// optional; set later with SetRuleRunner when the runner is built after the executor
	Rules   RuleRunner
	Tracker TrackingStopper
	// defaults to a SlogSink on Logger
	LogSink LogSink
	// counts destructive actions per server per day; nil disables the circuit breaker
	Quota                  countstore.CountStore
	DestructiveQuotaPerDay int
	DefaultQuestionTimeout time.Duration
	// delay before the single retry of idempotent actions
	RetryDelay time.Duration
	Now        func() time.Time
}

type Executor struct {
	logger                 *slog.Logger
	platform               Platform
	tickets                TicketStore
	notifier               Notifier
	rules                  RuleRunner
	tracker                TrackingStopper
	logSink                LogSink
	quota                  countstore.CountStore
	destructiveQuotaPerDay int
	questionTimeout        time.Duration
	retryDelay             time.Duration
	now                    func() time.Time
}

func NewExecutor(config Config) *Executor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	x := &Executor{
		logger:                 logger.With("component", "action"),
		platform:               config.Platform,
		tickets:                config.Tickets,
		notifier:               config.Notifier,
		rules:                  config.Rules,
		tracker:                config.Tracker,
		logSink:                config.LogSink,
		quota:                  config.Quota,
		destructiveQuotaPerDay: config.DestructiveQuotaPerDay,
		questionTimeout:        config.DefaultQuestionTimeout,
		retryDelay:             config.RetryDelay,
		now:                    config.Now,
	}
	if x.logSink == nil {
		x.logSink = SlogSink{Logger: logger.With("component", "rule-log")}
	}
	if x.destructiveQuotaPerDay <= 0 {
		x.destructiveQuotaPerDay = DefaultDestructiveQuotaPerDay
	}
	if x.questionTimeout <= 0 {
		x.questionTimeout = DefaultQuestionTimeout
	}
	if x.retryDelay <= 0 {
		x.retryDelay = 500 * time.Millisecond
	}
	if x.now == nil {
		x.now = time.Now
	}
	return x
}

func (x *Executor) SetRuleRunner(r RuleRunner) {
	x.rules = r
}

// Runs actions in order, stopping at the first failure. Returns how many actions completed.
func (x *Executor) ExecuteChain(ctx context.Context, nodes []bdl.Action, ec bdl.ExecutionContext, analysis map[string]any) (int, error) {
	for i, node := range nodes {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := x.Execute(ctx, node, ec, analysis); err != nil {
			return i, fmt.Errorf("action %d (%s): %w", i, node.Type(), err)
		}
	}
	return len(nodes), nil
}

// Executes a single action, with template parameters resolved against the execution context and analysis result.
func (x *Executor) Execute(ctx context.Context, node bdl.Action, ec bdl.ExecutionContext, analysis map[string]any) error {
	if node == nil {
		return nil
	}
	return x.execute(ctx, node, ec, ec.Vars(analysis))
}

func (x *Executor) execute(ctx context.Context, node bdl.Action, ec bdl.ExecutionContext, vars map[string]any) error {
	start := time.Now()
	err := x.dispatch(ctx, node, ec, vars)
	actionDuration.WithLabelValues(string(node.Type())).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		x.logger.Warn("action failed", "type", node.Type(), "rule", ec.RuleID, "execution", ec.ExecutionID, "err", err)
	}
	actionsExecuted.WithLabelValues(string(node.Type()), result).Inc()
	return err
}

func (x *Executor) dispatch(ctx context.Context, node bdl.Action, ec bdl.ExecutionContext, vars map[string]any) error {
	r := func(s string) string { return Render(s, vars) }

	switch a := node.(type) {
	case bdl.SendDM:
		if x.platform == nil {
			return ErrNotConfigured
		}
		return x.platform.SendDM(ctx, ec.ServerID, r(a.UserID), r(a.Message))
	case bdl.AddRole:
		if x.platform == nil {
			return ErrNotConfigured
		}
		return x.platform.AddRole(ctx, ec.ServerID, r(a.UserID), r(a.RoleID))
	case bdl.RemoveRole:
		if x.platform == nil {
			return ErrNotConfigured
		}
		return x.platform.RemoveRole(ctx, ec.ServerID, r(a.UserID), r(a.RoleID))
	case bdl.Timeout:
		d := bdl.ParseDurationOr(r(a.Duration), bdl.DefaultActionDuration)
		return x.destructive(ctx, a.Type(), ec.ServerID, func() error {
			return x.platform.Timeout(ctx, ec.ServerID, r(a.UserID), d, r(a.Reason))
		})
	case bdl.Kick:
		return x.destructive(ctx, a.Type(), ec.ServerID, func() error {
			return x.platform.Kick(ctx, ec.ServerID, r(a.UserID), r(a.Reason))
		})
	case bdl.Ban:
		return x.destructive(ctx, a.Type(), ec.ServerID, func() error {
			return x.platform.Ban(ctx, ec.ServerID, r(a.UserID), r(a.Reason), a.DeleteMessageDays)
		})
	case bdl.SendChannelMessage:
		if x.platform == nil {
			return ErrNotConfigured
		}
		return x.platform.SendChannelMessage(ctx, ec.ServerID, r(a.ChannelID), r(a.Message), renderEmbed(a.Embed, vars))
	case bdl.AskQuestion:
		return x.askQuestion(ctx, a, ec, vars)
	case bdl.Log:
		level := logLevel(a.Level)
		msg := r(a.Message)
		return x.retryOnce(ctx, "log", func() error {
			return x.logSink.Log(ctx, level, msg, ec)
		})
	case bdl.CreateTicket:
		return x.createTicket(ctx, a, ec, r)
	case bdl.RunRule:
		if x.rules == nil {
			return ErrNotConfigured
		}
		return x.rules.RunRule(ctx, r(a.RuleID), ec)
	case bdl.StopTracking:
		if x.tracker == nil {
			return ErrNotConfigured
		}
		ruleID := r(a.RuleID)
		if ruleID == "" {
			ruleID = ec.RuleID
		}
		reason := r(a.Reason)
		if reason == "" {
			reason = "stopped by rule " + ec.RuleID
		}
		n, err := x.tracker.StopMatching(ctx, ec.ServerID, ruleID, r(a.UserID), reason)
		if err != nil {
			return err
		}
		x.logger.Info("stopped tracking sessions", "rule", ruleID, "count", n, "execution", ec.ExecutionID)
		return nil
	}
	return fmt.Errorf("unsupported action type: %T", node)
}

func logLevel(l bdl.LogLevel) slog.Level {
	switch l {
	case bdl.LogDebug:
		return slog.LevelDebug
	case bdl.LogWarn:
		return slog.LevelWarn
	case bdl.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Runs a destructive platform call exactly once, subject to the per-server daily circuit breaker.
func (x *Executor) destructive(ctx context.Context, t bdl.ActionType, serverID string, call func() error) error {
	if x.platform == nil {
		return ErrNotConfigured
	}
	if x.quota != nil {
		c, err := x.quota.GetCount(ctx, quotaCounterName, serverID, countstore.PeriodDay)
		if err != nil {
			// fail closed
			return fmt.Errorf("checking destructive action quota: %w", err)
		}
		if c >= x.destructiveQuotaPerDay {
			circuitBreakerTrips.WithLabelValues(string(t)).Inc()
			x.logger.Warn("CIRCUIT BREAKER: destructive actions", "type", t, "server", serverID, "count", c)
			return ErrQuotaExceeded
		}
	}
	if err := call(); err != nil {
		return err
	}
	if x.quota != nil {
		if err := x.quota.Increment(ctx, quotaCounterName, serverID); err != nil {
			x.logger.Error("failed to count destructive action", "type", t, "server", serverID, "err", err)
		}
	}
	return nil
}

// Retries an idempotent operation one time after a short delay.
func (x *Executor) retryOnce(ctx context.Context, what string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	x.logger.Warn("retrying action", "action", what, "err", err)
	select {
	case <-ctx.Done():
		return err
	case <-time.After(x.retryDelay):
	}
	return fn()
}

func (x *Executor) createTicket(ctx context.Context, a bdl.CreateTicket, ec bdl.ExecutionContext, r func(string) string) error {
	if x.tickets == nil {
		return ErrNotConfigured
	}
	priority := strings.ToLower(r(a.Priority))
	if priority == "" {
		priority = DefaultTicketPriority
	}
	t := &Ticket{
		// same id across the retry
		ID:          uuid.NewString(),
		ServerID:    ec.ServerID,
		RuleID:      ec.RuleID,
		ExecutionID: ec.ExecutionID,
		UserID:      ec.UserID,
		Title:       r(a.Title),
		Description: r(a.Description),
		Priority:    priority,
		Status:      TicketStatusOpen,
		CreatedAt:   x.now(),
	}
	if err := x.retryOnce(ctx, "create_ticket", func() error { return x.tickets.CreateTicket(ctx, t) }); err != nil {
		return err
	}
	x.logger.Info("moderator ticket created", "ticket", t.ID, "rule", ec.RuleID, "priority", t.Priority)
	if x.notifier != nil {
		if err := x.notifier.NotifyTicket(ctx, t); err != nil {
			x.logger.Error("ticket notification failed", "ticket", t.ID, "err", err)
		}
	}
	return nil
}

// Prompts the user and waits for a single reply, then runs the matching branch. A timeout always
// runs the timeout branch. The reply is available to branch templates as "${answer}".
func (x *Executor) askQuestion(ctx context.Context, a bdl.AskQuestion, ec bdl.ExecutionContext, vars map[string]any) error {
	if x.platform == nil {
		return ErrNotConfigured
	}
	userID := Render(a.UserID, vars)
	question := Render(a.Question, vars)
	timeout := x.questionTimeout
	if a.Timeout != "" {
		timeout = bdl.ParseDurationOr(Render(a.Timeout, vars), bdl.DefaultActionDuration)
	}

	wait, cancel := x.platform.ExpectReply(ec.ServerID, userID)
	var err error
	if a.ChannelID != "" {
		err = x.platform.SendChannelMessage(ctx, ec.ServerID, Render(a.ChannelID, vars), question, nil)
	} else {
		err = x.platform.SendDM(ctx, ec.ServerID, userID, question)
	}
	if err != nil {
		cancel()
		return fmt.Errorf("sending question: %w", err)
	}

	reply, ok, err := wait(ctx, timeout)
	if err != nil {
		return fmt.Errorf("awaiting reply: %w", err)
	}

	var branch bdl.Action
	var outcome string
	switch {
	case !ok:
		branch, outcome = a.OnTimeout, "timeout"
	case helpers.NormalizeAnswer(reply) == helpers.NormalizeAnswer(Render(a.ExpectedAnswer, vars)):
		branch, outcome = a.OnCorrect, "correct"
	default:
		branch, outcome = a.OnIncorrect, "incorrect"
	}
	questionOutcomes.WithLabelValues(outcome).Inc()
	x.logger.Info("question answered", "rule", ec.RuleID, "user", userID, "outcome", outcome)

	if branch == nil {
		return nil
	}
	branchVars := maps.Clone(vars)
	branchVars["answer"] = reply
	return x.execute(ctx, branch, ec, branchVars)
}
