/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package datastoretest holds the behavioral suite every DataStore
// implementation must pass.
package datastoretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) datastore.DataStore

// Options tune the suite for slower backends.
type Options struct {
	// Concurrency is the number of racing writers in the concurrency tests.
	Concurrency int
}

// Base is the reference instant used by the suite.
var Base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	alice = storagemodels.Ref{Type: "user", ID: "alice"}
	bob   = storagemodels.Ref{Type: "user", ID: "bob"}
	carol = storagemodels.Ref{Type: "user", ID: "carol"}
	shop  = storagemodels.Ref{Type: "order", ID: "1"}
	other = storagemodels.Ref{Type: "order", ID: "2"}
)

var seq atomic.Int64

// NewAssociation builds a record created at Base+offset.
func NewAssociation(person, target storagemodels.Ref, collection string, offset time.Duration, expiresAt *time.Time) *storagemodels.Association {
	created := Base.Add(offset)
	return &storagemodels.Association{
		ID:         fmt.Sprintf("id-%06d", seq.Add(1)),
		Person:     person,
		Target:     target,
		Collection: collection,
		ExpiresAt:  storagemodels.NormalizePtr(expiresAt),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func at(d time.Duration) *time.Time {
	t := Base.Add(d)
	return &t
}

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory, opts Options) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}

	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, factory(t)) })
	t.Run("InsertActiveIdentityRejected", func(t *testing.T) { testInsertActiveIdentity(t, factory(t)) })
	t.Run("SingleSlot", func(t *testing.T) { testSingleSlot(t, factory(t)) })
	t.Run("MultipleSlot", func(t *testing.T) { testMultipleSlot(t, factory(t)) })
	t.Run("RetiresExpiredIdentity", func(t *testing.T) { testRetiresExpiredIdentity(t, factory(t)) })
	t.Run("UpdateExpiry", func(t *testing.T) { testUpdateExpiry(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, factory(t)) })
	t.Run("Query", func(t *testing.T) { testQuery(t, factory(t)) })
	t.Run("Stream", func(t *testing.T) { testStream(t, factory(t)) })
	t.Run("ConcurrentSingleInsert", func(t *testing.T) { testConcurrentSingle(t, factory(t), opts.Concurrency) })
	t.Run("ConcurrentMultipleInsert", func(t *testing.T) { testConcurrentMultiple(t, factory(t), opts.Concurrency) })
}

func testInsertAndGet(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	a := NewAssociation(alice, shop, "owner", 0, at(time.Hour))

	retired, err := ds.Insert(ctx, a, storagemodels.ExclusiveTarget, Base)
	require.NoError(t, err)
	assert.Nil(t, retired)

	got, err := ds.Get(ctx, a.Key())
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Key(), got.Key())
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, a.ExpiresAt.Equal(*got.ExpiresAt))
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	_, err = ds.Get(ctx, storagemodels.Key{Person: bob, Target: shop, Collection: "owner"})
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func testInsertActiveIdentity(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	_, err := ds.Insert(ctx, NewAssociation(alice, shop, "tags", 0, nil), storagemodels.ExclusivePerson, Base)
	require.NoError(t, err)

	_, err = ds.Insert(ctx, NewAssociation(alice, shop, "tags", time.Second, nil), storagemodels.ExclusivePerson, Base)
	assert.True(t, errors.IsAlreadyMember(err), "got %v", err)
}

func testSingleSlot(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	_, err := ds.Insert(ctx, NewAssociation(alice, shop, "owner", 0, nil), storagemodels.ExclusiveTarget, Base)
	require.NoError(t, err)

	_, err = ds.Insert(ctx, NewAssociation(bob, shop, "owner", time.Second, nil), storagemodels.ExclusiveTarget, Base)
	assert.True(t, errors.IsAlreadyMember(err), "got %v", err)

	// Other targets and collections are independent slots.
	_, err = ds.Insert(ctx, NewAssociation(bob, other, "owner", 2*time.Second, nil), storagemodels.ExclusiveTarget, Base)
	require.NoError(t, err)
	_, err = ds.Insert(ctx, NewAssociation(bob, shop, "admin", 3*time.Second, nil), storagemodels.ExclusiveTarget, Base)
	require.NoError(t, err)

	_, err = ds.Delete(ctx, storagemodels.Key{Person: alice, Target: shop, Collection: "owner"})
	require.NoError(t, err)

	_, err = ds.Insert(ctx, NewAssociation(bob, shop, "owner", 4*time.Second, nil), storagemodels.ExclusiveTarget, Base)
	require.NoError(t, err)

	// An expired holder does not occupy the slot.
	_, err = ds.UpdateExpiry(ctx, storagemodels.Key{Person: bob, Target: shop, Collection: "owner"}, at(-time.Minute), Base)
	require.NoError(t, err)
	_, err = ds.Insert(ctx, NewAssociation(carol, shop, "owner", 5*time.Second, nil), storagemodels.ExclusiveTarget, Base)
	require.NoError(t, err)

	// The expired record stays until swept.
	_, err = ds.Get(ctx, storagemodels.Key{Person: bob, Target: shop, Collection: "owner"})
	require.NoError(t, err)
}

func testMultipleSlot(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	for i, p := range []storagemodels.Ref{alice, bob, carol} {
		_, err := ds.Insert(ctx, NewAssociation(p, shop, "tags", time.Duration(i)*time.Second, nil), storagemodels.ExclusivePerson, Base)
		require.NoError(t, err)
	}

	n, err := ds.Count(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{Target: &shop, Collection: "tags", State: storagemodels.StateActive},
		Now:    Base,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func testRetiresExpiredIdentity(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	first := NewAssociation(alice, shop, "tags", 0, at(time.Minute))
	_, err := ds.Insert(ctx, first, storagemodels.ExclusivePerson, Base)
	require.NoError(t, err)

	later := Base.Add(time.Hour)
	second := NewAssociation(alice, shop, "tags", time.Hour, nil)
	retired, err := ds.Insert(ctx, second, storagemodels.ExclusivePerson, later)
	require.NoError(t, err)
	require.NotNil(t, retired)
	assert.Equal(t, first.ID, retired.ID)

	got, err := ds.Get(ctx, second.Key())
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Nil(t, got.ExpiresAt)
}

func testUpdateExpiry(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	a := NewAssociation(alice, shop, "tags", 0, nil)
	_, err := ds.Insert(ctx, a, storagemodels.ExclusivePerson, Base)
	require.NoError(t, err)

	later := Base.Add(time.Minute)
	updated, err := ds.UpdateExpiry(ctx, a.Key(), at(48*time.Hour), later)
	require.NoError(t, err)
	require.NotNil(t, updated.ExpiresAt)
	assert.True(t, updated.ExpiresAt.Equal(*at(48 * time.Hour)))
	assert.True(t, updated.UpdatedAt.Equal(later))
	assert.True(t, updated.CreatedAt.Equal(a.CreatedAt))

	cleared, err := ds.UpdateExpiry(ctx, a.Key(), nil, later)
	require.NoError(t, err)
	assert.Nil(t, cleared.ExpiresAt)

	got, err := ds.Get(ctx, a.Key())
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)

	_, err = ds.UpdateExpiry(ctx, storagemodels.Key{Person: bob, Target: shop, Collection: "tags"}, nil, later)
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func testDelete(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	a := NewAssociation(alice, shop, "tags", 0, at(-time.Hour))
	_, err := ds.Insert(ctx, a, storagemodels.ExclusivePerson, Base.Add(-2*time.Hour))
	require.NoError(t, err)

	removed, err := ds.Delete(ctx, a.Key())
	require.NoError(t, err)
	assert.Equal(t, a.ID, removed.ID)
	require.NotNil(t, removed.ExpiresAt)

	_, err = ds.Delete(ctx, a.Key())
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func testDeleteExpired(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	live := NewAssociation(alice, shop, "tags", 0, at(time.Hour))
	dead := NewAssociation(bob, shop, "tags", 0, at(time.Hour))
	_, err := ds.Insert(ctx, live, storagemodels.ExclusivePerson, Base)
	require.NoError(t, err)
	_, err = ds.Insert(ctx, dead, storagemodels.ExclusivePerson, Base)
	require.NoError(t, err)
	_, err = ds.UpdateExpiry(ctx, dead.Key(), at(0), Base)
	require.NoError(t, err)

	_, err = ds.DeleteExpired(ctx, live.Key(), Base)
	assert.True(t, errors.IsConditionFailed(err), "got %v", err)

	removed, err := ds.DeleteExpired(ctx, dead.Key(), Base)
	require.NoError(t, err)
	assert.Equal(t, dead.ID, removed.ID)

	_, err = ds.DeleteExpired(ctx, dead.Key(), Base)
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	_, err = ds.Get(ctx, live.Key())
	require.NoError(t, err)
}

func seedListing(t *testing.T, ds datastore.DataStore) {
	t.Helper()
	ctx := context.Background()
	seed := []*storagemodels.Association{
		NewAssociation(alice, shop, "tags", 1*time.Minute, nil),
		NewAssociation(bob, shop, "tags", 2*time.Minute, at(-time.Second)),
		NewAssociation(carol, shop, "tags", 3*time.Minute, at(time.Hour)),
		NewAssociation(alice, other, "tags", 4*time.Minute, at(-time.Hour)),
		NewAssociation(alice, shop, "owner", 5*time.Minute, nil),
	}
	for _, a := range seed {
		ex := storagemodels.ExclusivePerson
		if a.Collection == "owner" {
			ex = storagemodels.ExclusiveTarget
		}
		_, err := ds.Insert(ctx, a, ex, Base.Add(-24*time.Hour))
		require.NoError(t, err)
	}
}

func testQuery(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	seedListing(t, ds)

	all, err := ds.Query(ctx, &storagemodels.QueryParams{Now: Base})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	active, err := ds.Query(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{Target: &shop, Collection: "tags", State: storagemodels.StateActive},
		Now:    Base,
	})
	require.NoError(t, err)
	assert.Equal(t, []storagemodels.Ref{carol, alice}, persons(active))

	expired, err := ds.Query(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{State: storagemodels.StateExpired},
		Now:    Base,
	})
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	mine, err := ds.Query(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{Person: &alice},
		Now:    Base,
		Sort:   []storagemodels.SortField{{Field: storagemodels.FieldCreatedAt}},
	})
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "tags", mine[0].Collection)
	assert.Equal(t, "owner", mine[2].Collection)

	window, err := ds.Query(ctx, &storagemodels.QueryParams{Now: Base, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, all[1].ID, window[0].ID)
	assert.Equal(t, all[2].ID, window[1].ID)

	n, err := ds.Count(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{State: storagemodels.StateActive},
		Now:    Base,
		Limit:  1,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func testStream(t *testing.T, ds datastore.DataStore) {
	ctx := context.Background()
	seedListing(t, ds)

	var pages []int
	items, err := datastore.Collect(ds.Stream(ctx, &storagemodels.QueryParams{Now: Base},
		storagemodels.WithPageSize(2),
		storagemodels.WithProgressHandler(func(p storagemodels.StreamProgress) {
			pages = append(pages, p.PagesProcessed)
		}),
	))
	require.NoError(t, err)
	assert.Len(t, items, 5)
	assert.NotEmpty(t, pages)

	expired, err := datastore.Collect(ds.Stream(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{State: storagemodels.StateExpired},
		Now:    Base,
	}, storagemodels.WithPageSize(1)))
	require.NoError(t, err)
	assert.Len(t, expired, 2)
	for _, a := range expired {
		assert.True(t, a.IsExpired(Base))
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	for range ds.Stream(cctx, &storagemodels.QueryParams{Now: Base}) {
	}
}

func testConcurrentSingle(t *testing.T, ds datastore.DataStore, n int) {
	ctx := context.Background()
	var wins, rejections atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			p := storagemodels.Ref{Type: "user", ID: fmt.Sprintf("racer-%d", i)}
			_, err := ds.Insert(ctx, NewAssociation(p, shop, "owner", 0, nil), storagemodels.ExclusiveTarget, Base)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.IsAlreadyMember(err):
				rejections.Add(1)
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, n-1, rejections.Load())

	count, err := ds.Count(ctx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{Target: &shop, Collection: "owner", State: storagemodels.StateActive},
		Now:    Base,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func testConcurrentMultiple(t *testing.T, ds datastore.DataStore, n int) {
	ctx := context.Background()
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ds.Insert(ctx, NewAssociation(alice, shop, "tags", 0, nil), storagemodels.ExclusivePerson, Base)
			if err == nil {
				wins.Add(1)
			} else if !errors.IsAlreadyMember(err) {
				t.Errorf("unexpected insert error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func persons(items []storagemodels.Association) []storagemodels.Ref {
	out := make([]storagemodels.Ref, len(items))
	for i := range items {
		out[i] = items[i].Person
	}
	return out
}
