/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
)

// Bus delivers events synchronously, in subscription order, to the handlers
// registered for the event's kind followed by the catch-all handlers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]Handler
	all         []Handler
	logger      *zap.SugaredLogger
}

// NewBus creates a Bus. A nil logger falls back to the global logger.
func NewBus(l *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[Kind][]Handler),
		logger:      logger.Or(l).Named("notify"),
	}
}

// Subscribe adds a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[kind] = append(b.subscribers[kind], handler)
}

// SubscribeAll adds a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

// Publish calls every matching handler and returns when all have finished.
// Handler errors and panics are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Kind])+len(b.all))
	handlers = append(handlers, b.subscribers[event.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.call(ctx, h, event); err != nil {
			b.logger.Warnw("Event handler failed",
				"kind", string(event.Kind),
				"membership", event.Association.Key().String(),
				"error", err)
		}
	}
}

func (b *Bus) call(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
		}
	}()
	return h(ctx, event)
}

// Recorder is a Notifier that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records event.
func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Handle lets a Recorder subscribe to a Bus.
func (r *Recorder) Handle(ctx context.Context, event Event) error {
	r.Publish(ctx, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
