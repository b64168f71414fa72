/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package membership

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/suparena/membership/cache"
	"github.com/suparena/membership/clock"
	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/notify"
	"github.com/suparena/membership/registry"
	"github.com/suparena/membership/storagemodels"
)

// DefaultPageSize is the page size of Paginate when none is given.
const DefaultPageSize = 15

const instrumentationName = "github.com/suparena/membership"

// Store is the association lifecycle engine. It validates every request
// against the Registry, delegates the atomic part of each mutation to a
// DataStore and announces committed mutations on the Notifier.
type Store struct {
	ds       datastore.DataStore
	registry *registry.Registry
	notifier notify.Notifier
	cache    cache.Cache
	clock    clock.Clock
	logger   *zap.SugaredLogger
	tracer   trace.Tracer
	pageSize int
	newID    func() string
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets the event sink. The default drops every event.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCache enables the read-side cache for List and Paginate.
func WithCache(c cache.Cache) Option {
	return func(s *Store) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) {
		s.logger = logger.Or(l)
	}
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithDefaultPageSize sets the page size Paginate uses when none is given.
func WithDefaultPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithIDGenerator replaces the uuid generator for association IDs.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New creates a Store over ds governed by reg.
func New(ds datastore.DataStore, reg *registry.Registry, opts ...Option) *Store {
	s := &Store{
		ds:       ds,
		registry: reg,
		notifier: notify.Nop(),
		cache:    cache.Nop(),
		clock:    clock.Real(),
		logger:   logger.Logger,
		tracer:   otel.Tracer(instrumentationName),
		pageSize: DefaultPageSize,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("membership")
	return s
}

// Registry returns the capability registry the store validates against.
func (s *Store) Registry() *registry.Registry {
	return s.registry
}

// DataStore returns the backend.
func (s *Store) DataStore() datastore.DataStore {
	return s.ds
}

func (s *Store) now() time.Time {
	return storagemodels.Normalize(s.clock.Now())
}

func (s *Store) startSpan(ctx context.Context, name string, key storagemodels.Key) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "Membership.Store."+name, trace.WithAttributes(
		attribute.String("membership.person", key.Person.String()),
		attribute.String("membership.target", key.Target.String()),
		attribute.String("membership.collection", key.Collection),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// validate runs every check that needs no persistence access.
func (s *Store) validate(key storagemodels.Key) error {
	if err := key.Person.Validate("person"); err != nil {
		return err
	}
	if err := key.Target.Validate("target"); err != nil {
		return err
	}
	if err := storagemodels.ValidateName("collection", key.Collection); err != nil {
		return err
	}
	if err := s.registry.RequirePerson(key.Person.Type); err != nil {
		return err
	}
	if err := s.registry.RequireTarget(key.Target.Type); err != nil {
		return err
	}
	return s.registry.ValidateCollection(key.Target.Type, key.Collection)
}

func requireFuture(expiresAt *time.Time, now time.Time) error {
	if expiresAt != nil && !expiresAt.After(now) {
		return errors.NewExpiredInPastError(*expiresAt)
	}
	return nil
}

func keyOf(person, target storagemodels.Ref, collection string) storagemodels.Key {
	return storagemodels.Key{Person: person, Target: target, Collection: collection}
}

// Create admits person into the collection of target. It fails with
// AlreadyMember when the collection's exclusivity rule is already satisfied by
// an active membership. An expired membership with the same identity is
// replaced, and announced as Expired before the new one is announced as
// Created.
func (s *Store) Create(ctx context.Context, person, target storagemodels.Ref, collection string, expiresAt *time.Time) (a *storagemodels.Association, err error) {
	key := keyOf(person, target, collection)
	ctx, span := s.startSpan(ctx, "Create", key)
	defer func() { endSpan(span, err) }()

	if err := s.validate(key); err != nil {
		return nil, err
	}
	now := s.now()
	expiresAt = storagemodels.NormalizePtr(expiresAt)
	if err := requireFuture(expiresAt, now); err != nil {
		return nil, err
	}
	ex, err := s.registry.ExclusivityOf(target.Type, collection)
	if err != nil {
		return nil, err
	}

	a = &storagemodels.Association{
		ID:         s.newID(),
		Person:     person,
		Target:     target,
		Collection: collection,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	retired, err := s.ds.Insert(ctx, a, ex, now)
	if err != nil {
		if errors.IsAlreadyMember(err) {
			s.logger.Debugw("Membership rejected", "key", key.String(), "exclusivity", ex.String())
		}
		return nil, err
	}

	s.committed(ctx)
	if retired != nil {
		s.logger.Infow("Retired expired membership", "key", key.String(), "id", retired.ID)
		s.publish(ctx, notify.Expired, retired, now)
	}
	s.logger.Infow("Membership created", "key", key.String(), "id", a.ID)
	s.publish(ctx, notify.Created, a, now)
	return a, nil
}

// Revoke deletes the membership regardless of its expiry and returns the
// deleted record. It fails with NotFound when there is none.
func (s *Store) Revoke(ctx context.Context, person, target storagemodels.Ref, collection string) (a *storagemodels.Association, err error) {
	key := keyOf(person, target, collection)
	ctx, span := s.startSpan(ctx, "Revoke", key)
	defer func() { endSpan(span, err) }()

	if err := s.validate(key); err != nil {
		return nil, err
	}
	a, err = s.ds.Delete(ctx, key)
	if err != nil {
		return nil, err
	}

	s.committed(ctx)
	s.logger.Infow("Membership revoked", "key", key.String(), "id", a.ID)
	s.publish(ctx, notify.Revoked, a, s.now())
	return a, nil
}

// Exists reports whether an active membership exists.
func (s *Store) Exists(ctx context.Context, person, target storagemodels.Ref, collection string) (ok bool, err error) {
	key := keyOf(person, target, collection)
	ctx, span := s.startSpan(ctx, "Exists", key)
	defer func() { endSpan(span, err) }()

	if err := s.validate(key); err != nil {
		return false, err
	}
	a, err := s.ds.Get(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return a.IsActive(s.now()), nil
}

// Get returns the membership regardless of its expiry, or NotFound.
func (s *Store) Get(ctx context.Context, person, target storagemodels.Ref, collection string) (a *storagemodels.Association, err error) {
	key := keyOf(person, target, collection)
	ctx, span := s.startSpan(ctx, "Get", key)
	defer func() { endSpan(span, err) }()

	if err := s.validate(key); err != nil {
		return nil, err
	}
	return s.ds.Get(ctx, key)
}

// Renew moves the expiry of an existing membership to expiresAt, which must
// be in the future; nil makes it permanent. It reports false without writing
// when there is no membership. Exclusivity is not checked again.
func (s *Store) Renew(ctx context.Context, person, target storagemodels.Ref, collection string, expiresAt *time.Time) (ok bool, err error) {
	key := keyOf(person, target, collection)
	ctx, span := s.startSpan(ctx, "Renew", key)
	defer func() { endSpan(span, err) }()

	now := s.now()
	expiresAt = storagemodels.NormalizePtr(expiresAt)
	if err := s.validate(key); err != nil {
		return false, err
	}
	if err := requireFuture(expiresAt, now); err != nil {
		return false, err
	}
	return s.setExpiry(ctx, key, expiresAt, now, notify.Renewed)
}

// UpdateExpiry is Renew without the future check. A past instant expires
// the membership immediately; it stays inspectable until swept.
func (s *Store) UpdateExpiry(ctx context.Context, person, target storagemodels.Ref, collection string, expiresAt *time.Time) (ok bool, err error) {
	key := keyOf(person, target, collection)
	ctx, span := s.startSpan(ctx, "UpdateExpiry", key)
	defer func() { endSpan(span, err) }()

	if err := s.validate(key); err != nil {
		return false, err
	}
	return s.setExpiry(ctx, key, storagemodels.NormalizePtr(expiresAt), s.now(), notify.ExpiryUpdated)
}

func (s *Store) setExpiry(ctx context.Context, key storagemodels.Key, expiresAt *time.Time, now time.Time, kind notify.Kind) (bool, error) {
	a, err := s.ds.UpdateExpiry(ctx, key, expiresAt, now)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	s.committed(ctx)
	s.logger.Infow("Membership expiry changed", "key", key.String(), "kind", string(kind), "expires_at", expiresAt)
	s.publish(ctx, kind, a, now)
	return true, nil
}

func (s *Store) publish(ctx context.Context, kind notify.Kind, a *storagemodels.Association, at time.Time) {
	s.notifier.Publish(ctx, notify.Event{Kind: kind, Association: *a, At: at})
}

// committed drops cached listings after a mutation.
func (s *Store) committed(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warnw("Cache invalidation failed", "error", err)
	}
}
