package platform

import (
	"context"
	"log/slog"
	"sync"
)

type Handler func(ctx context.Context, ev *Event)

type subscription struct {
	id      uint64
	handler Handler
}

// In-process fan-out of platform events. Handlers run synchronously on the publishing goroutine,
// in subscription order; a panicking handler is logged and does not affect the others.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]subscription),
	}
}

// Registers a handler for an event name, or Wildcard for all events. Returns a function which removes the handler.
func (b *Bus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(ctx context.Context, ev *Event) {
	busEvents.WithLabelValues(ev.Name).Inc()
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Name])+len(b.subs[Wildcard]))
	for _, s := range b.subs[ev.Name] {
		handlers = append(handlers, s.handler)
	}
	if ev.Name != Wildcard {
		for _, s := range b.subs[Wildcard] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", ev.Name, "server", ev.ServerID, "err", r)
		}
	}()
	h(ctx, ev)
}
