//go:build integration
// +build integration

/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisSinkRoundTrip(t *testing.T) {
	addr := os.Getenv("MEMBERSHIP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEMBERSHIP_TEST_REDIS_ADDR not set")
	}

	client := NewRedisClient(addr, "", 0)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	sink := NewRedisSink(client, "membership:test:"+time.Now().Format("150405.000"))
	events, closeSub, err := sink.Subscribe(ctx)
	require.NoError(t, err)
	defer closeSub()

	bus := NewBus(nil)
	bus.SubscribeAll(sink.Handle)
	bus.Publish(ctx, sampleEvent(Created))

	select {
	case got := <-events:
		require.Equal(t, Created, got.Kind)
		require.Equal(t, "owner", got.Association.Collection)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
