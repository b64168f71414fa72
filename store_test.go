/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package membership

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/suparena/membership/cache"
	"github.com/suparena/membership/clock"
	"github.com/suparena/membership/datastore/mock"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/notify"
	"github.com/suparena/membership/registry"
	"github.com/suparena/membership/storagemodels"
	"github.com/suparena/membership/sweeper"
)

var (
	start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	alice = storagemodels.Ref{Type: "user", ID: "alice"}
	bob   = storagemodels.Ref{Type: "user", ID: "bob"}
	club  = storagemodels.Ref{Type: "club", ID: "c1"}
	other = storagemodels.Ref{Type: "club", ID: "c2"}
	robot = storagemodels.Ref{Type: "robot", ID: "r1"}
)

type fixture struct {
	store *Store
	ds    *mock.DataStore
	rec   *notify.Recorder
	clock *clock.FakeClock
	reg   *registry.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	reg := registry.New()
	reg.RegisterTarget("club", map[string]registry.Mode{
		"owner":   registry.Single,
		"members": registry.Multiple,
		"broken":  registry.Mode("exclusive"),
	})
	reg.RegisterPerson("user")

	f := &fixture{
		ds:    mock.New(),
		rec:   &notify.Recorder{},
		clock: clock.Fake(start),
		reg:   reg,
	}
	var n atomic.Int64
	base := []Option{
		WithNotifier(f.rec),
		WithClock(f.clock),
		WithIDGenerator(func() string { return fmt.Sprintf("m%03d", n.Add(1)) }),
	}
	f.store = New(f.ds, reg, append(base, opts...)...)
	return f
}

func in(d time.Duration) *time.Time {
	t := start.Add(d)
	return &t
}

func TestCreateAndExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.store.Create(ctx, alice, club, "members", in(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "m001", a.ID)
	assert.Equal(t, start, a.CreatedAt)
	assert.Equal(t, start, a.UpdatedAt)

	ok, err := f.store.Exists(ctx, alice, club, "members")
	require.NoError(t, err)
	assert.True(t, ok)

	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.Created, events[0].Kind)
	assert.Equal(t, a.Key(), events[0].Association.Key())
}

func TestCreateValidationHappensBeforePersistence(t *testing.T) {
	tests := []struct {
		name       string
		person     storagemodels.Ref
		target     storagemodels.Ref
		collection string
		expiresAt  *time.Time
		check      func(error) bool
	}{
		{"unknown collection", alice, club, "admins", nil, errors.IsUnknownCollection},
		{"person without role", robot, club, "members", nil, errors.IsMissingCapability},
		{"target without role", alice, alice, "members", nil, errors.IsMissingCapability},
		{"invalid mode", alice, club, "broken", nil, errors.IsInvalidPolicyMode},
		{"past expiry checked before mode", alice, club, "broken", in(-time.Second), errors.IsExpiredInPast},
		{"past expiry", alice, club, "members", in(-time.Second), errors.IsExpiredInPast},
		{"present expiry", alice, club, "members", in(0), errors.IsExpiredInPast},
		{"empty collection", alice, club, "", nil, errors.IsValidationError},
		{"empty person id", storagemodels.Ref{Type: "user"}, club, "members", nil, errors.IsValidationError},
		{"separator in collection", alice, club, "members#user", nil, errors.IsValidationError},
		{"separator in person type", storagemodels.Ref{Type: "user#x", ID: "1"}, club, "members", nil, errors.IsValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ds.WithInsertError(errors.New("backend must not be reached"))

			_, err := f.store.Create(context.Background(), tt.person, tt.target, tt.collection, tt.expiresAt)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
			assert.Empty(t, f.rec.Events())
		})
	}
}

func TestSingleCollectionScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, alice, club, "owner", nil)
	require.NoError(t, err)

	_, err = f.store.Create(ctx, bob, club, "owner", nil)
	assert.True(t, errors.IsAlreadyMember(err))
	var already *errors.AlreadyMemberError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, "owner", already.Collection)

	revoked, err := f.store.Revoke(ctx, alice, club, "owner")
	require.NoError(t, err)
	assert.Equal(t, alice, revoked.Person)

	_, err = f.store.Create(ctx, bob, club, "owner", nil)
	require.NoError(t, err)

	kinds := []notify.Kind{}
	for _, e := range f.rec.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []notify.Kind{notify.Created, notify.Revoked, notify.Created}, kinds)
}

func TestSingleCollectionIsPerTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, alice, club, "owner", nil)
	require.NoError(t, err)
	_, err = f.store.Create(ctx, alice, other, "owner", nil)
	require.NoError(t, err)
}

func TestMultipleCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, alice, club, "members", nil)
	require.NoError(t, err)
	_, err = f.store.Create(ctx, bob, club, "members", nil)
	require.NoError(t, err, "distinct persons coexist")

	_, err = f.store.Create(ctx, alice, club, "members", nil)
	assert.True(t, errors.IsAlreadyMember(err))
}

func TestCreateAfterExpiryRetiresOldRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.store.Create(ctx, alice, club, "owner", in(time.Hour))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.rec.Reset()

	fresh, err := f.store.Create(ctx, alice, club, "owner", nil)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)

	events := f.rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.Expired, events[0].Kind)
	assert.Equal(t, old.ID, events[0].Association.ID)
	assert.Equal(t, notify.Created, events[1].Kind)
	assert.Equal(t, 1, f.ds.Len())
}

func TestExpiredHolderFreesSingleSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, alice, club, "owner", in(time.Minute))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.store.Create(ctx, bob, club, "owner", nil)
	require.NoError(t, err)

	ok, err := f.store.Exists(ctx, alice, club, "owner")
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := f.store.Get(ctx, alice, club, "owner")
	require.NoError(t, err, "expired records stay inspectable")
	assert.True(t, a.IsExpired(f.clock.Now()))
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Revoke(ctx, alice, club, "members")
	assert.True(t, errors.IsNotFound(err))

	_, err = f.store.Create(ctx, alice, club, "members", in(time.Minute))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	revoked, err := f.store.Revoke(ctx, alice, club, "members")
	require.NoError(t, err, "expired records can be revoked")
	assert.Equal(t, in(time.Minute), revoked.ExpiresAt)

	ok, err := f.store.Exists(ctx, alice, club, "members")
	require.NoError(t, err)
	assert.False(t, ok)

	events := f.rec.OfKind(notify.Revoked)
	require.Len(t, events, 1)
	assert.Equal(t, revoked.ID, events[0].Association.ID)
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.store.Renew(ctx, alice, club, "members", in(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "nothing to renew")
	assert.Equal(t, 0, f.ds.Len())

	_, err = f.store.Create(ctx, alice, club, "members", in(time.Hour))
	require.NoError(t, err)

	_, err = f.store.Renew(ctx, alice, club, "members", in(-time.Hour))
	assert.True(t, errors.IsExpiredInPast(err))

	f.clock.Advance(time.Minute)
	ok, err = f.store.Renew(ctx, alice, club, "members", in(48*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	a, err := f.store.Get(ctx, alice, club, "members")
	require.NoError(t, err)
	assert.Equal(t, in(48*time.Hour), a.ExpiresAt)
	assert.Equal(t, start.Add(time.Minute), a.UpdatedAt)

	ok, err = f.store.Renew(ctx, alice, club, "members", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	a, err = f.store.Get(ctx, alice, club, "members")
	require.NoError(t, err)
	assert.Nil(t, a.ExpiresAt)

	assert.Len(t, f.rec.OfKind(notify.Renewed), 2)
}

func TestRenewRevivesExpiredRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, alice, club, "members", in(time.Minute))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	ok, err := f.store.Renew(ctx, alice, club, "members", in(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := f.store.Exists(ctx, alice, club, "members")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestUpdateExpiryAcceptsPast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.store.UpdateExpiry(ctx, alice, club, "members", in(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.store.Create(ctx, alice, club, "members", nil)
	require.NoError(t, err)

	ok, err = f.store.UpdateExpiry(ctx, alice, club, "members", in(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := f.store.Exists(ctx, alice, club, "members")
	require.NoError(t, err)
	assert.False(t, active, "record is expired immediately")

	events := f.rec.OfKind(notify.ExpiryUpdated)
	require.Len(t, events, 1)
	assert.Equal(t, in(-time.Hour), events[0].Association.ExpiresAt)
}

func TestMultipleCollectionSweepScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.store.Create(ctx, alice, club, "members", in(30*24*time.Hour))
	require.NoError(t, err)

	sw := sweeper.New(f.ds, sweeper.WithNotifier(f.rec), sweeper.WithClock(f.clock))
	removed, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.False(t, removed)

	f.clock.Advance(31 * 24 * time.Hour)
	removed, err = sw.Run(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	expired := f.rec.OfKind(notify.Expired)
	require.Len(t, expired, 1)
	assert.Equal(t, a.Key(), expired[0].Association.Key())

	_, err = f.store.Get(ctx, alice, club, "members")
	assert.True(t, errors.IsNotFound(err))
}

func TestConcurrentCreateAdmitsOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var admitted, rejected atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			person := storagemodels.Ref{Type: "user", ID: fmt.Sprintf("u%d", i)}
			_, err := f.store.Create(ctx, person, club, "owner", nil)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.IsAlreadyMember(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), admitted.Load())
	assert.Equal(t, int64(n-1), rejected.Load())
	assert.Len(t, f.rec.OfKind(notify.Created), 1)
}

func TestSubscriberFailureDoesNotUndoMutation(t *testing.T) {
	bus := notify.NewBus(nil)
	bus.SubscribeAll(func(context.Context, notify.Event) error {
		return errors.New("subscriber down")
	})
	bus.Subscribe(notify.Created, func(context.Context, notify.Event) error {
		panic("boom")
	})
	f := newFixture(t, WithNotifier(bus))

	_, err := f.store.Create(context.Background(), alice, club, "members", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ds.Len())
}

func TestBackendErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.ds.WithInsertError(errors.New("insert failed"))
	_, err := f.store.Create(context.Background(), alice, club, "members", nil)
	assert.EqualError(t, err, "insert failed")

	f = newFixture(t)
	f.ds.WithQueryError(errors.New("read failed"))
	_, err = f.store.Exists(context.Background(), alice, club, "members")
	assert.EqualError(t, err, "read failed")
	assert.Empty(t, f.rec.Events())
}

func TestSpansRecordErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	f := newFixture(t, WithTracerProvider(tp))

	_, err := f.store.Create(context.Background(), alice, club, "admins", nil)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Membership.Store.Create", spans[0].Name())
	assert.Len(t, spans[0].Events(), 1, "the error is recorded")
}

func TestCacheInvalidatedOnMutation(t *testing.T) {
	f := newFixture(t, WithCache(cache.NewLocal(time.Hour)))
	ctx := context.Background()
	filter := storagemodels.Filter{Target: &club}

	items, err := f.store.List(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = f.store.Create(ctx, alice, club, "members", nil)
	require.NoError(t, err)

	items, err = f.store.List(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCachedActiveListingLapsesAtFirstExpiry(t *testing.T) {
	f := newFixture(t, WithCache(cache.NewLocal(time.Hour)))
	ctx := context.Background()
	filter := storagemodels.Filter{Target: &club, State: storagemodels.StateActive}

	_, err := f.store.Create(ctx, alice, club, "members", in(30*time.Millisecond))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, bob, club, "members", nil)
	require.NoError(t, err)

	items, err := f.store.List(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	time.Sleep(80 * time.Millisecond)
	f.clock.Advance(time.Second)

	items, err = f.store.List(ctx, filter)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, bob, items[0].Person)
}

type ttlRecorder struct {
	mu   sync.Mutex
	ttls []time.Duration
}

func (r *ttlRecorder) Get(context.Context, string, any) (bool, error) { return false, nil }
func (r *ttlRecorder) Invalidate(context.Context) error               { return nil }

func (r *ttlRecorder) Set(_ context.Context, _ string, _ any, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ttls = append(r.ttls, ttl)
	return nil
}

func (r *ttlRecorder) take() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ttls
	r.ttls = nil
	return out
}

func TestListingCacheTTL(t *testing.T) {
	rec := &ttlRecorder{}
	f := newFixture(t, WithCache(rec))
	ctx := context.Background()

	_, err := f.store.Create(ctx, alice, club, "members", in(10*time.Minute))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, bob, club, "members", in(time.Hour))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	active := storagemodels.Filter{Target: &club, State: storagemodels.StateActive}

	_, err = f.store.List(ctx, active)
	require.NoError(t, err)
	_, err = f.store.Paginate(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{9 * time.Minute, 9 * time.Minute}, rec.take())

	_, err = f.store.List(ctx, storagemodels.Filter{Target: &club})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0}, rec.take(), "any-state listings use the cache lifetime")

	_, err = f.store.List(ctx, storagemodels.Filter{Target: &club, State: storagemodels.StateExpired})
	require.NoError(t, err)
	assert.Empty(t, rec.take(), "expired listings are not cached")
}
