package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wardenbot/warden/behavior/bdl"
)

// Scripted answer for MockPlatform.ExpectReply. OK false simulates a timeout.
type Reply struct {
	Text string
	OK   bool
}

// Platform which records calls as short strings (eg "kick u1 spam") instead of performing them.
// Calls whose target id (user or channel) is a key of FailFor return that error.
type MockPlatform struct {
	FailFor map[string]error
	Replies []Reply

	mu    sync.Mutex
	calls []string
	waits []time.Duration
}

var _ Platform = (*MockPlatform)(nil)

func (p *MockPlatform) record(call, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if err, ok := p.FailFor[target]; ok {
		return err
	}
	return nil
}

func (p *MockPlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Timeouts passed to reply waits, in call order.
func (p *MockPlatform) Waits() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.waits...)
}

func (p *MockPlatform) SendDM(ctx context.Context, serverID, userID, message string) error {
	return p.record(fmt.Sprintf("dm %s %s", userID, message), userID)
}

func (p *MockPlatform) AddRole(ctx context.Context, serverID, userID, roleID string) error {
	return p.record(fmt.Sprintf("add_role %s %s", userID, roleID), userID)
}

func (p *MockPlatform) RemoveRole(ctx context.Context, serverID, userID, roleID string) error {
	return p.record(fmt.Sprintf("remove_role %s %s", userID, roleID), userID)
}

func (p *MockPlatform) Timeout(ctx context.Context, serverID, userID string, d time.Duration, reason string) error {
	return p.record(fmt.Sprintf("timeout %s %s %s", userID, d, reason), userID)
}

func (p *MockPlatform) Kick(ctx context.Context, serverID, userID, reason string) error {
	return p.record(fmt.Sprintf("kick %s %s", userID, reason), userID)
}

func (p *MockPlatform) Ban(ctx context.Context, serverID, userID, reason string, deleteMessageDays int) error {
	return p.record(fmt.Sprintf("ban %s %s %d", userID, reason, deleteMessageDays), userID)
}

func (p *MockPlatform) SendChannelMessage(ctx context.Context, serverID, channelID, message string, embed *bdl.Embed) error {
	call := fmt.Sprintf("channel %s %s", channelID, message)
	if embed != nil {
		call += " embed:" + embed.Title
	}
	return p.record(call, channelID)
}

// Replies are taken from Replies in wait order.
func (p *MockPlatform) ExpectReply(serverID, userID string) (func(ctx context.Context, timeout time.Duration) (string, bool, error), func()) {
	wait := func(ctx context.Context, timeout time.Duration) (string, bool, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.waits = append(p.waits, timeout)
		if len(p.Replies) == 0 {
			return "", false, nil
		}
		r := p.Replies[0]
		p.Replies = p.Replies[1:]
		return r.Text, r.OK, nil
	}
	return wait, func() {}
}
