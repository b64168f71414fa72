//go:build integration
// +build integration

/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package membership_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/membership"
	"github.com/suparena/membership/cache"
	"github.com/suparena/membership/datastore/sqlite"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/notify"
	"github.com/suparena/membership/registry"
	"github.com/suparena/membership/storagemodels"
	"github.com/suparena/membership/sweeper"
)

// setupIntegration wires a sqlite backed Store whose events are published to
// the Redis server at MEMBERSHIP_TEST_REDIS_ADDR.
func setupIntegration(t *testing.T) (*membership.Store, *sweeper.Sweeper, <-chan notify.Event) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("MEMBERSHIP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEMBERSHIP_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ds, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "membership.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	client := notify.NewRedisClient(addr, "", 0)
	t.Cleanup(func() { client.Close() })
	sink := notify.NewRedisSink(client, "membership-test:"+uuid.NewString())
	events, closeSub, err := sink.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { closeSub() })

	reg := registry.New()
	reg.RegisterTarget("club", map[string]registry.Mode{"owner": registry.Single, "members": registry.Multiple})
	reg.RegisterPerson("user")

	local := cache.NewLocal(time.Minute)
	bus := notify.NewBus(nil)
	bus.SubscribeAll(sink.Handle)
	bus.Subscribe(notify.Expired, cache.InvalidationHandler(local))

	store := membership.New(ds, reg, membership.WithNotifier(bus), membership.WithCache(local))
	return store, sweeper.New(ds, sweeper.WithNotifier(bus)), events
}

func nextEvent(t *testing.T, events <-chan notify.Event) notify.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return notify.Event{}
	}
}

func TestIntegrationLifecycleEvents(t *testing.T) {
	store, sw, events := setupIntegration(t)
	ctx := context.Background()

	user := storagemodels.Ref{Type: "user", ID: uuid.NewString()}
	club := storagemodels.Ref{Type: "club", ID: "7"}

	created, err := store.Create(ctx, user, club, "members", nil)
	require.NoError(t, err)
	e := nextEvent(t, events)
	assert.Equal(t, notify.Created, e.Kind)
	assert.Equal(t, created.ID, e.Association.ID)

	soon := time.Now().Add(time.Hour)
	ok, err := store.Renew(ctx, user, club, "members", &soon)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, notify.Renewed, nextEvent(t, events).Kind)

	listed, err := store.List(ctx, storagemodels.Filter{Target: &club})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	past := time.Now().Add(-time.Second)
	ok, err = store.UpdateExpiry(ctx, user, club, "members", &past)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, notify.ExpiryUpdated, nextEvent(t, events).Kind)

	removed, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.True(t, removed)
	e = nextEvent(t, events)
	assert.Equal(t, notify.Expired, e.Kind)
	assert.Equal(t, created.ID, e.Association.ID)

	listed, err = store.List(ctx, storagemodels.Filter{Target: &club})
	require.NoError(t, err)
	assert.Empty(t, listed, "sweep invalidated the listing cache")

	_, err = store.Revoke(ctx, user, club, "members")
	assert.True(t, errors.IsNotFound(err))
}

func TestIntegrationSingleCollectionUnderContention(t *testing.T) {
	store, _, events := setupIntegration(t)
	ctx := context.Background()
	club := storagemodels.Ref{Type: "club", ID: uuid.NewString()}

	const n = 16
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			user := storagemodels.Ref{Type: "user", ID: uuid.NewString()}
			_, err := store.Create(ctx, user, club, "owner", nil)
			results <- err
		}()
	}

	var admitted int
	for i := 0; i < n; i++ {
		err := <-results
		if err == nil {
			admitted++
			continue
		}
		assert.True(t, errors.IsAlreadyMember(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, notify.Created, nextEvent(t, events).Kind)
}
