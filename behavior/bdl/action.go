package bdl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type ActionType string

const (
	ActionSendDM             ActionType = "send_dm"
	ActionAddRole            ActionType = "add_role"
	ActionRemoveRole         ActionType = "remove_role"
	ActionTimeout            ActionType = "timeout"
	ActionKick               ActionType = "kick"
	ActionBan                ActionType = "ban"
	ActionSendChannelMessage ActionType = "send_channel_message"
	ActionAskQuestion        ActionType = "ask_question"
	ActionLog                ActionType = "log"
	ActionCreateTicket       ActionType = "create_ticket"
	ActionRunRule            ActionType = "run_rule"
	ActionStopTracking       ActionType = "stop_tracking"
)

// Destructive actions are never retried, and count against the per-server circuit breaker.
func (t ActionType) Destructive() bool {
	switch t {
	case ActionTimeout, ActionKick, ActionBan:
		return true
	}
	return false
}

// A single node in an action chain. The set of implementations is closed; consumers switch on the concrete type.
//
// String parameters may contain "${path}" template tokens, which are resolved at execution time.
type Action interface {
	Type() ActionType
	Validate() error
	action()
}

type SendDM struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type AddRole struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId"`
}

type RemoveRole struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId"`
}

type Timeout struct {
	UserID   string `json:"userId"`
	Duration string `json:"duration"`
	Reason   string `json:"reason,omitempty"`
}

type Kick struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type Ban struct {
	UserID            string `json:"userId"`
	Reason            string `json:"reason,omitempty"`
	DeleteMessageDays int    `json:"deleteMessageDays,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      string       `json:"footer,omitempty"`
}

type SendChannelMessage struct {
	ChannelID string `json:"channelId"`
	Message   string `json:"message,omitempty"`
	Embed     *Embed `json:"embed,omitempty"`
}

// Prompts a user and branches on their reply. Any of the branches may be nil, which is a no-op.
type AskQuestion struct {
	UserID string `json:"userId"`
	// when set, the question is posted to this channel instead of sent as a DM
	ChannelID      string `json:"channelId,omitempty"`
	Question       string `json:"question"`
	ExpectedAnswer string `json:"expectedAnswer"`
	Timeout        string `json:"timeout,omitempty"`
	OnCorrect      Action `json:"onCorrect,omitempty"`
	OnIncorrect    Action `json:"onIncorrect,omitempty"`
	OnTimeout      Action `json:"onTimeout,omitempty"`
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type Log struct {
	Level   LogLevel `json:"level,omitempty"`
	Message string   `json:"message"`
}

type CreateTicket struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type RunRule struct {
	RuleID string `json:"ruleId"`
}

type StopTracking struct {
	// empty RuleID means the rule that is currently executing
	RuleID string `json:"ruleId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (SendDM) Type() ActionType             { return ActionSendDM }
func (AddRole) Type() ActionType            { return ActionAddRole }
func (RemoveRole) Type() ActionType         { return ActionRemoveRole }
func (Timeout) Type() ActionType            { return ActionTimeout }
func (Kick) Type() ActionType               { return ActionKick }
func (Ban) Type() ActionType                { return ActionBan }
func (SendChannelMessage) Type() ActionType { return ActionSendChannelMessage }
func (AskQuestion) Type() ActionType        { return ActionAskQuestion }
func (Log) Type() ActionType                { return ActionLog }
func (CreateTicket) Type() ActionType       { return ActionCreateTicket }
func (RunRule) Type() ActionType            { return ActionRunRule }
func (StopTracking) Type() ActionType       { return ActionStopTracking }

func (SendDM) action()             {}
func (AddRole) action()            {}
func (RemoveRole) action()         {}
func (Timeout) action()            {}
func (Kick) action()               {}
func (Ban) action()                {}
func (SendChannelMessage) action() {}
func (AskQuestion) action()        {}
func (Log) action()                {}
func (CreateTicket) action()       {}
func (RunRule) action()            {}
func (StopTracking) action()       {}

var (
	errMissingUser    = errors.New("missing userId")
	errMissingRole    = errors.New("missing roleId")
	errMissingMessage = errors.New("missing message")
)

func (a SendDM) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	if a.Message == "" {
		return errMissingMessage
	}
	return nil
}

func (a AddRole) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	if a.RoleID == "" {
		return errMissingRole
	}
	return nil
}

func (a RemoveRole) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	if a.RoleID == "" {
		return errMissingRole
	}
	return nil
}

func (a Timeout) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	return nil
}

func (a Kick) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	return nil
}

func (a Ban) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	if a.DeleteMessageDays < 0 || a.DeleteMessageDays > 7 {
		return fmt.Errorf("deleteMessageDays out of range: %d", a.DeleteMessageDays)
	}
	return nil
}

func (a SendChannelMessage) Validate() error {
	if a.ChannelID == "" {
		return errors.New("missing channelId")
	}
	if a.Message == "" && a.Embed == nil {
		return errors.New("channel message needs a message or an embed")
	}
	return nil
}

func (a AskQuestion) Validate() error {
	if a.UserID == "" {
		return errMissingUser
	}
	if a.Question == "" {
		return errors.New("missing question")
	}
	for name, branch := range map[string]Action{"onCorrect": a.OnCorrect, "onIncorrect": a.OnIncorrect, "onTimeout": a.OnTimeout} {
		if branch == nil {
			continue
		}
		if err := branch.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (a Log) Validate() error {
	switch a.Level {
	case "", LogDebug, LogInfo, LogWarn, LogError:
	default:
		return fmt.Errorf("unknown log level: %q", a.Level)
	}
	if a.Message == "" {
		return errMissingMessage
	}
	return nil
}

func (a CreateTicket) Validate() error {
	if a.Title == "" {
		return errors.New("missing title")
	}
	return nil
}

func (a RunRule) Validate() error {
	if a.RuleID == "" {
		return errors.New("missing ruleId")
	}
	return nil
}

func (a StopTracking) Validate() error {
	return nil
}

// JSON encoding: every action is an object with a "type" discriminator next to its parameters.

func withType(t ActionType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	tb, _ := json.Marshal(string(t))
	buf.Write(tb)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a SendDM) MarshalJSON() ([]byte, error) {
	type plain SendDM
	return withType(a.Type(), plain(a))
}

func (a AddRole) MarshalJSON() ([]byte, error) {
	type plain AddRole
	return withType(a.Type(), plain(a))
}

func (a RemoveRole) MarshalJSON() ([]byte, error) {
	type plain RemoveRole
	return withType(a.Type(), plain(a))
}

func (a Timeout) MarshalJSON() ([]byte, error) {
	type plain Timeout
	return withType(a.Type(), plain(a))
}

func (a Kick) MarshalJSON() ([]byte, error) {
	type plain Kick
	return withType(a.Type(), plain(a))
}

func (a Ban) MarshalJSON() ([]byte, error) {
	type plain Ban
	return withType(a.Type(), plain(a))
}

func (a SendChannelMessage) MarshalJSON() ([]byte, error) {
	type plain SendChannelMessage
	return withType(a.Type(), plain(a))
}

func (a AskQuestion) MarshalJSON() ([]byte, error) {
	type plain AskQuestion
	return withType(a.Type(), plain(a))
}

func (a Log) MarshalJSON() ([]byte, error) {
	type plain Log
	return withType(a.Type(), plain(a))
}

func (a CreateTicket) MarshalJSON() ([]byte, error) {
	type plain CreateTicket
	return withType(a.Type(), plain(a))
}

func (a RunRule) MarshalJSON() ([]byte, error) {
	type plain RunRule
	return withType(a.Type(), plain(a))
}

func (a StopTracking) MarshalJSON() ([]byte, error) {
	type plain StopTracking
	return withType(a.Type(), plain(a))
}

func (a *AskQuestion) UnmarshalJSON(b []byte) error {
	type plain AskQuestion
	var raw struct {
		plain
		OnCorrect   json.RawMessage `json:"onCorrect,omitempty"`
		OnIncorrect json.RawMessage `json:"onIncorrect,omitempty"`
		OnTimeout   json.RawMessage `json:"onTimeout,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = AskQuestion(raw.plain)
	var err error
	if a.OnCorrect, err = decodeBranch(raw.OnCorrect); err != nil {
		return fmt.Errorf("onCorrect: %w", err)
	}
	if a.OnIncorrect, err = decodeBranch(raw.OnIncorrect); err != nil {
		return fmt.Errorf("onIncorrect: %w", err)
	}
	if a.OnTimeout, err = decodeBranch(raw.OnTimeout); err != nil {
		return fmt.Errorf("onTimeout: %w", err)
	}
	return nil
}

func decodeBranch(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	return DecodeAction(raw)
}

// Decodes a single action object, dispatching on its "type" field.
func DecodeAction(raw []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}
	switch head.Type {
	case ActionSendDM:
		return decodeAs[SendDM](raw)
	case ActionAddRole:
		return decodeAs[AddRole](raw)
	case ActionRemoveRole:
		return decodeAs[RemoveRole](raw)
	case ActionTimeout:
		return decodeAs[Timeout](raw)
	case ActionKick:
		return decodeAs[Kick](raw)
	case ActionBan:
		return decodeAs[Ban](raw)
	case ActionSendChannelMessage:
		return decodeAs[SendChannelMessage](raw)
	case ActionAskQuestion:
		var a AskQuestion
		if err := a.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decoding %s action: %w", head.Type, err)
		}
		return a, nil
	case ActionLog:
		return decodeAs[Log](raw)
	case ActionCreateTicket:
		return decodeAs[CreateTicket](raw)
	case ActionRunRule:
		return decodeAs[RunRule](raw)
	case ActionStopTracking:
		return decodeAs[StopTracking](raw)
	case "":
		return nil, errors.New("action is missing a type")
	default:
		return nil, fmt.Errorf("unknown action type: %q", head.Type)
	}
}

type simpleAction interface {
	SendDM | AddRole | RemoveRole | Timeout | Kick | Ban | SendChannelMessage | Log | CreateTicket | RunRule | StopTracking
	Action
}

func decodeAs[T simpleAction](raw []byte) (Action, error) {
	var a T
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decoding %s action: %w", a.Type(), err)
	}
	return a, nil
}

// Ordered action chain, with type-dispatched JSON decoding.
type ActionList []Action

func (l *ActionList) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return err
	}
	out := make(ActionList, 0, len(raws))
	for i, raw := range raws {
		a, err := DecodeAction(raw)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}
