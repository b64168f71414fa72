/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package sweeper removes expired memberships and announces each removal.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/suparena/membership/clock"
	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/notify"
	"github.com/suparena/membership/storagemodels"
)

// Sweeper deletes the memberships that are expired when Run is called. It
// holds no state between runs and may run concurrently with Store mutations
// or with other sweepers.
type Sweeper struct {
	ds         datastore.DataStore
	notifier   notify.Notifier
	clock      clock.Clock
	logger     *zap.SugaredLogger
	limiter    *rate.Limiter
	tracer     trace.Tracer
	streamOpts []storagemodels.StreamOption
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithNotifier sets where Expired events go.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Sweeper) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sweeper) {
		s.logger = logger.Or(l)
	}
}

// WithRateLimit caps deletions per second. Zero or less removes the cap.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Sweeper) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithBatchSize sets how many candidates are fetched per page.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.streamOpts = append(s.streamOpts, storagemodels.WithPageSize(n))
		}
	}
}

// WithStreamOptions passes options to the candidate stream.
func WithStreamOptions(opts ...storagemodels.StreamOption) Option {
	return func(s *Sweeper) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Sweeper) {
		if tp != nil {
			s.tracer = tp.Tracer("github.com/suparena/membership/sweeper")
		}
	}
}

// New creates a Sweeper over ds.
func New(ds datastore.DataStore, opts ...Option) *Sweeper {
	s := &Sweeper{
		ds:       ds,
		notifier: notify.Nop(),
		clock:    clock.Real(),
		logger:   logger.Logger,
		tracer:   otel.Tracer("github.com/suparena/membership/sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sweeper")
	return s
}

// Result summarizes one pass.
type Result struct {
	Scanned int
	Removed int
	Skipped int
}

// Run removes every membership expired at the time of the call and reports
// whether anything was removed. A record revoked, renewed or already swept
// between the scan and its delete is skipped. Cancelling ctx stops the pass
// after the current record; removals made so far stand.
func (s *Sweeper) Run(ctx context.Context) (bool, error) {
	res, err := s.Sweep(ctx)
	return res.Removed > 0, err
}

// Sweep is Run with the pass counters.
func (s *Sweeper) Sweep(ctx context.Context) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "Membership.Sweeper.Sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("sweep.scanned", res.Scanned),
			attribute.Int("sweep.removed", res.Removed),
			attribute.Int("sweep.skipped", res.Skipped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := storagemodels.Normalize(s.clock.Now())
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates := s.ds.Stream(streamCtx, &storagemodels.QueryParams{
		Filter: storagemodels.Filter{State: storagemodels.StateExpired},
		Now:    now,
	}, s.streamOpts...)

	for r := range candidates {
		if r.Error != nil {
			return res, errors.Wrap(r.Error, "scanning expired memberships")
		}
		if err := ctx.Err(); err != nil {
			s.logger.Infow("Sweep interrupted", "removed", res.Removed)
			return res, err
		}
		res.Scanned++

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		key := r.Item.Key()
		removed, err := s.ds.DeleteExpired(ctx, key, now)
		if err != nil {
			if errors.IsNotFound(err) || errors.IsConditionFailed(err) {
				s.logger.Debugw("Skipping membership changed since scan", "key", key.String(), "error", err)
				res.Skipped++
				continue
			}
			return res, errors.Wrapf(err, "removing %s", key)
		}

		res.Removed++
		s.notifier.Publish(ctx, notify.Event{Kind: notify.Expired, Association: *removed, At: now})
	}

	// The stream closes early when ctx ends before every page was read.
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if res.Removed > 0 {
		s.logger.Infow("Expired memberships removed", "removed", res.Removed, "skipped", res.Skipped)
	} else {
		s.logger.Debugw("No expired memberships")
	}
	return res, nil
}

// DefaultInterval is how often a Ticker sweeps unless configured otherwise.
const DefaultInterval = time.Hour

// Ticker runs a Sweeper on a fixed interval.
type Ticker struct {
	sweeper  *Sweeper
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	start    sync.Once
	done     chan struct{}
	logger   *zap.SugaredLogger
}

// NewTicker creates a Ticker. A non-positive interval means DefaultInterval.
func NewTicker(ctx context.Context, s *Sweeper, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		sweeper:  s,
		interval: interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   s.logger,
	}
}

// Start sweeps once immediately and then on every tick. Only the first call
// has any effect, and none after Stop.
func (t *Ticker) Start() {
	t.start.Do(func() {
		go t.run()
		t.logger.Infow("Sweep ticker started", "interval", t.interval)
	})
}

// Stop cancels the loop, including a pass in progress, and waits for it.
// It may be called more than once, and without Start.
func (t *Ticker) Stop() {
	t.cancel()
	// Never started: claim start so no loop can begin, then mark it done.
	t.start.Do(func() { close(t.done) })
	<-t.done
	t.logger.Infow("Sweep ticker stopped")
}

// Done is closed when the loop has exited.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}

func (t *Ticker) run() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	res, err := t.sweeper.Sweep(t.ctx)
	if err != nil && t.ctx.Err() == nil {
		t.logger.Warnw("Sweep tick error", "error", err, "removed", res.Removed)
	}
}
