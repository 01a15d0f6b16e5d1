package bdl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		raw string
		out time.Duration
		ok  bool
	}{
		{raw: "30s", out: 30 * time.Second, ok: true},
		{raw: "10m", out: 10 * time.Minute, ok: true},
		{raw: "1h", out: time.Hour, ok: true},
		{raw: "7d", out: 7 * 24 * time.Hour, ok: true},
		{raw: " 2h ", out: 2 * time.Hour, ok: true},
		{raw: "", ok: false},
		{raw: "1w", ok: false},
		{raw: "-5m", ok: false},
		{raw: "1.5h", ok: false},
		{raw: "h", ok: false},
		{raw: "99999999999999999999d", ok: false},
	}

	for _, f := range fixtures {
		d, err := ParseDuration(f.raw)
		if !f.ok {
			assert.Error(err, f.raw)
			continue
		}
		assert.NoError(err, f.raw)
		assert.Equal(f.out, d, f.raw)
	}

	// the two fallbacks are independent
	assert.Equal(24*time.Hour, ParseDurationOr("soon", DefaultTrackingDuration))
	assert.Equal(60*time.Second, ParseDurationOr("soon", DefaultActionDuration))
	assert.Equal(5*time.Minute, ParseDurationOr("5m", DefaultActionDuration))
}

var ruleJSON = `{
  "id": "rule-1",
  "serverId": "srv-1",
  "name": "newcomer check",
  "enabled": true,
  "trigger": {"type": "event", "event": "memberJoin"},
  "tracking": {"duration": "1h", "target": {"type": "user"}, "stopConditions": ["messageCount >= 3"]},
  "condition": "linkCount > 2",
  "actions": [
    {"type": "send_dm", "userId": "${triggeredUserId}", "message": "welcome ${user.username}"},
    {
      "type": "ask_question",
      "userId": "${triggeredUserId}",
      "question": "are you a bot?",
      "expectedAnswer": "no",
      "timeout": "30s",
      "onCorrect": {"type": "add_role", "userId": "${triggeredUserId}", "roleId": "verified"},
      "onIncorrect": {"type": "kick", "userId": "${triggeredUserId}", "reason": "bot"},
      "onTimeout": {"type": "timeout", "userId": "${triggeredUserId}", "duration": "10m"}
    },
    {"type": "log", "level": "warn", "message": "checked ${triggeredUserId}"}
  ],
  "safety": {"maxExecutionsPerHour": 10}
}`

func TestRuleJSON(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var rule RuleDefinition
	require.NoError(json.Unmarshal([]byte(ruleJSON), &rule))
	require.NoError(rule.Validate())

	require.Len(rule.Actions, 3)
	assert.Equal(SendDM{UserID: "${triggeredUserId}", Message: "welcome ${user.username}"}, rule.Actions[0])

	ask, ok := rule.Actions[1].(AskQuestion)
	require.True(ok)
	assert.Equal("no", ask.ExpectedAnswer)
	assert.Equal(AddRole{UserID: "${triggeredUserId}", RoleID: "verified"}, ask.OnCorrect)
	assert.Equal(Kick{UserID: "${triggeredUserId}", Reason: "bot"}, ask.OnIncorrect)
	assert.Equal(Timeout{UserID: "${triggeredUserId}", Duration: "10m"}, ask.OnTimeout)
	assert.Equal(Log{Level: LogWarn, Message: "checked ${triggeredUserId}"}, rule.Actions[2])

	// re-encoding keeps the type discriminators, including nested branches
	out, err := json.Marshal(rule)
	require.NoError(err)
	var again RuleDefinition
	require.NoError(json.Unmarshal(out, &again))
	assert.Equal(rule, again)
}

func TestActionDecodeErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := DecodeAction([]byte(`{"type": "explode"}`))
	assert.ErrorContains(err, "unknown action type")

	_, err = DecodeAction([]byte(`{"userId": "u1"}`))
	assert.ErrorContains(err, "missing a type")

	var list ActionList
	err = json.Unmarshal([]byte(`[{"type": "log", "message": "ok"}, {"type": "ask_question", "onCorrect": {"type": "nope"}}]`), &list)
	assert.ErrorContains(err, "action 1")
	assert.ErrorContains(err, "onCorrect")
}

func TestRuleValidate(t *testing.T) {
	assert := assert.New(t)

	rule := RuleDefinition{
		ID:       "r1",
		ServerID: "s1",
		Trigger:  Trigger{Type: TriggerSchedule, Cron: "*/5 * * * *"},
		Actions:  ActionList{Log{Message: "tick"}},
	}
	assert.NoError(rule.Validate())

	rule.Trigger = Trigger{Type: TriggerEvent}
	assert.ErrorContains(rule.Validate(), "trigger")

	rule.Trigger = Trigger{Type: TriggerCustom, Name: "raid"}
	rule.Actions = ActionList{Ban{UserID: "u1", DeleteMessageDays: 9}}
	assert.ErrorContains(rule.Validate(), "deleteMessageDays")

	rule.Actions = ActionList{AskQuestion{UserID: "u1", Question: "?", OnTimeout: SendDM{UserID: "u1"}}}
	assert.ErrorContains(rule.Validate(), "onTimeout")

	rule.Actions = nil
	rule.Safety.UserCooldown = "forever"
	assert.ErrorContains(rule.Validate(), "safety")

	assert.True(ActionBan.Destructive())
	assert.False(ActionLog.Destructive())
}

func TestTriggerChannels(t *testing.T) {
	assert := assert.New(t)

	tr := Trigger{Type: TriggerEvent, Event: "messageCreate"}
	assert.False(tr.ExcludesChannel("c1"))
	tr.ChannelIDs = []string{"c1", "c2"}
	assert.False(tr.ExcludesChannel("c2"))
	assert.True(tr.ExcludesChannel("c3"))
}

func TestExecutionContextVars(t *testing.T) {
	assert := assert.New(t)

	ec := ExecutionContext{
		ExecutionID: "ex1",
		RuleID:      "r1",
		ServerID:    "s1",
		UserID:      "u1",
		ChannelID:   "c1",
		MessageID:   "m1",
		TriggeredAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)),
		EventName:   "messageCreate",
		Payload: map[string]any{
			"user": map[string]any{"id": "u1", "username": "alice"},
		},
	}

	ec.Tracked = map[string]any{"messageCount": 3}
	vars := ec.Vars(map[string]any{"isSpammer": true})
	assert.Equal("u1", vars["triggeredUserId"])
	assert.Equal("2024-03-01T11:00:00Z", vars["triggeredAt"])
	assert.Equal(3, vars["messageCount"])
	assert.Equal(map[string]any{"isSpammer": true}, vars["analysis"])
	assert.Equal("alice", vars["user"].(map[string]any)["username"])

	// without a payload, user.id still resolves
	ec.Payload = nil
	ec.Tracked = nil
	vars = ec.Vars(nil)
	assert.Equal(map[string]any{"id": "u1"}, vars["user"])
	assert.Equal(map[string]any{}, vars["analysis"])

	nested := ec.Nested("r2", "ex2")
	assert.Equal(1, nested.Depth)
	assert.Equal("r2", nested.RuleID)
	assert.Equal("r1", ec.RuleID)
}
