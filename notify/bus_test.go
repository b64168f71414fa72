/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

func sampleEvent(kind Kind) Event {
	return Event{
		Kind: kind,
		Association: storagemodels.Association{
			Person:     storagemodels.Ref{Type: "user", ID: "1"},
			Target:     storagemodels.Ref{Type: "order", ID: "9"},
			Collection: "owner",
		},
		At: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	var calls []string

	bus.Subscribe(Created, func(context.Context, Event) error {
		calls = append(calls, "created-1")
		return nil
	})
	bus.SubscribeAll(func(_ context.Context, e Event) error {
		calls = append(calls, "all:"+string(e.Kind))
		return nil
	})
	bus.Subscribe(Created, func(context.Context, Event) error {
		calls = append(calls, "created-2")
		return nil
	})
	bus.Subscribe(Revoked, func(context.Context, Event) error {
		calls = append(calls, "revoked")
		return nil
	})

	bus.Publish(context.Background(), sampleEvent(Created))

	assert.Equal(t, []string{"created-1", "created-2", "all:created"}, calls)
}

func TestBusSwallowsHandlerFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewBus(zap.New(core).Sugar())
	rec := &Recorder{}

	bus.Subscribe(Expired, func(context.Context, Event) error {
		return errors.New("downstream unavailable")
	})
	bus.Subscribe(Expired, func(context.Context, Event) error {
		panic("boom")
	})
	bus.Subscribe(Expired, rec.Handle)

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), sampleEvent(Expired))
	})

	assert.Len(t, rec.Events(), 1, "later handlers still run")
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "downstream unavailable", logs.All()[0].ContextMap()["error"])
	assert.Equal(t, "handler panicked: boom", logs.All()[1].ContextMap()["error"])
}

func TestBusPanicBecomesError(t *testing.T) {
	bus := NewBus(nil)
	err := bus.call(context.Background(), func(context.Context, Event) error {
		panic("boom")
	}, sampleEvent(Created))

	require.Error(t, err)
	assert.Equal(t, "handler panicked: boom", err.Error())
	assert.NotEmpty(t, errors.GetReportableStackTrace(err), "carries the stack of the recovery")
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	var n Notifier = rec

	n.Publish(context.Background(), sampleEvent(Created))
	n.Publish(context.Background(), sampleEvent(Renewed))
	n.Publish(context.Background(), sampleEvent(Created))

	assert.Len(t, rec.Events(), 3)
	assert.Len(t, rec.OfKind(Created), 2)
	assert.Empty(t, rec.OfKind(Expired))

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Publish(context.Background(), sampleEvent(Revoked))
	})
}
