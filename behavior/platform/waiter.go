package platform

import (
	"context"
	"sync"
	"time"
)

type waiter struct {
	serverID string
	reply    chan string
}

// Delivers the next message from a given user to a single waiting caller. Used to implement
// question prompts: the caller registers with Expect, sends the prompt, then blocks on the wait
// function, so a reply which arrives while the prompt is in flight is not lost.
//
// Direct messages carry no server id, so they satisfy a waiter for any server.
type ReplyWaiter struct {
	mu      sync.Mutex
	waiters map[string][]*waiter
}

func NewReplyWaiter() *ReplyWaiter {
	return &ReplyWaiter{
		waiters: make(map[string][]*waiter),
	}
}

// Registers on the bus for message events. Returns the unsubscribe function.
func (rw *ReplyWaiter) Attach(bus *Bus) func() {
	return bus.Subscribe(EventMessageCreate, rw.HandleMessage)
}

func (rw *ReplyWaiter) HandleMessage(ctx context.Context, ev *Event) {
	if ev.UserID == "" || ev.IsBot {
		return
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	list := rw.waiters[ev.UserID]
	for i, w := range list {
		if ev.ServerID != "" && ev.ServerID != w.serverID {
			continue
		}
		// buffered; each waiter receives at most one reply
		w.reply <- ev.Content
		rw.waiters[ev.UserID] = append(list[:i:i], list[i+1:]...)
		if len(rw.waiters[ev.UserID]) == 0 {
			delete(rw.waiters, ev.UserID)
		}
		return
	}
}

// Registers a waiter for the user's next message. wait blocks until the reply, the timeout, or
// ctx is done; its boolean is false on timeout. cancel discards the registration when no reply is
// wanted any more.
func (rw *ReplyWaiter) Expect(serverID, userID string) (wait func(ctx context.Context, timeout time.Duration) (string, bool, error), cancel func()) {
	w := &waiter{serverID: serverID, reply: make(chan string, 1)}
	rw.mu.Lock()
	rw.waiters[userID] = append(rw.waiters[userID], w)
	rw.mu.Unlock()

	wait = func(ctx context.Context, timeout time.Duration) (string, bool, error) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case msg := <-w.reply:
			return msg, true, nil
		case <-timer.C:
			if msg, ok := rw.cancel(userID, w); ok {
				return msg, true, nil
			}
			return "", false, nil
		case <-ctx.Done():
			rw.cancel(userID, w)
			return "", false, ctx.Err()
		}
	}
	cancel = func() {
		rw.cancel(userID, w)
	}
	return wait, cancel
}

// Registers and then blocks for the reply. See Expect.
func (rw *ReplyWaiter) AwaitReply(ctx context.Context, serverID, userID string, timeout time.Duration) (string, bool, error) {
	wait, _ := rw.Expect(serverID, userID)
	return wait(ctx, timeout)
}

// Removes a waiter. If a reply raced with the removal, it is returned.
func (rw *ReplyWaiter) cancel(userID string, w *waiter) (string, bool) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	list := rw.waiters[userID]
	for i, other := range list {
		if other == w {
			rw.waiters[userID] = append(list[:i:i], list[i+1:]...)
			if len(rw.waiters[userID]) == 0 {
				delete(rw.waiters, userID)
			}
			return "", false
		}
	}
	select {
	case msg := <-w.reply:
		return msg, true
	default:
		return "", false
	}
}

// Number of callers currently waiting.
func (rw *ReplyWaiter) Pending() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	n := 0
	for _, list := range rw.waiters {
		n += len(list)
	}
	return n
}
