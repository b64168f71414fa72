/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package cache keeps recent membership listings for a bounded time. Any
// lifecycle event invalidates every cached listing.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	gocache "github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/notify"
)

// Cache stores JSON encoded listing results.
type Cache interface {
	// Get decodes the value at key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set stores value at key for at most ttl. A ttl of zero keeps it for the
	// cache's own lifetime, which also caps any longer ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Invalidate drops every entry.
	Invalidate(ctx context.Context) error
}

// InvalidationHandler returns a Bus handler that invalidates c on any event.
func InvalidationHandler(c Cache) notify.Handler {
	return func(ctx context.Context, _ notify.Event) error {
		return c.Invalidate(ctx)
	}
}

type nop struct{}

func (nop) Get(context.Context, string, any) (bool, error)        { return false, nil }
func (nop) Set(context.Context, string, any, time.Duration) error { return nil }
func (nop) Invalidate(context.Context) error                      { return nil }

// Nop returns a Cache that stores nothing.
func Nop() Cache { return nop{} }

// Local is an in-process cache backed by go-cache.
type Local struct {
	c   *gocache.Cache
	ttl time.Duration
}

// NewLocal creates a Local cache whose entries live for ttl. A ttl of zero
// disables caching and returns Nop.
func NewLocal(ttl time.Duration) Cache {
	if ttl <= 0 {
		return Nop()
	}
	return &Local{c: gocache.New(ttl, 2*ttl), ttl: ttl}
}

func (l *Local) Get(_ context.Context, key string, dst any) (bool, error) {
	raw, found := l.c.Get(key)
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw.([]byte), dst); err != nil {
		l.c.Delete(key)
		return false, errors.Wrap(err, "decoding cached value")
	}
	return true, nil
}

func (l *Local) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encoding cache value")
	}
	l.c.Set(key, raw, capTTL(ttl, l.ttl))
	return nil
}

func capTTL(ttl, limit time.Duration) time.Duration {
	if ttl <= 0 || ttl > limit {
		return limit
	}
	return ttl
}

func (l *Local) Invalidate(context.Context) error {
	l.c.Flush()
	return nil
}

// Memcached shares cached listings between processes. Entries are namespaced
// by a generation counter; Invalidate bumps the counter.
type Memcached struct {
	client *memcache.Client
	prefix string
	ttl    int32
}

// NewMemcached creates a memcached backed cache. A ttl of zero returns Nop.
func NewMemcached(client *memcache.Client, prefix string, ttl time.Duration) Cache {
	if ttl <= 0 {
		return Nop()
	}
	if prefix == "" {
		prefix = "membership"
	}
	secs := int32(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Memcached{client: client, prefix: prefix, ttl: secs}
}

// NewMemcachedClient connects to the given servers.
func NewMemcachedClient(servers ...string) *memcache.Client {
	return memcache.New(servers...)
}

func (m *Memcached) genKey() string {
	return m.prefix + ":gen"
}

func (m *Memcached) generation() (string, error) {
	item, err := m.client.Get(m.genKey())
	if err == nil {
		return string(item.Value), nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return "", errors.Wrap(err, "reading cache generation")
	}
	err = m.client.Add(&memcache.Item{Key: m.genKey(), Value: []byte("0")})
	if err != nil && !errors.Is(err, memcache.ErrNotStored) {
		return "", errors.Wrap(err, "seeding cache generation")
	}
	return m.generationAfterSeed()
}

func (m *Memcached) generationAfterSeed() (string, error) {
	item, err := m.client.Get(m.genKey())
	if err != nil {
		return "", errors.Wrap(err, "reading cache generation")
	}
	return string(item.Value), nil
}

// itemKey hashes key since memcached keys are limited to 250 bytes.
func (m *Memcached) itemKey(gen, key string) string {
	return m.prefix + ":" + gen + ":" + strconv.FormatUint(xxh3.HashString(key), 16)
}

func (m *Memcached) Get(_ context.Context, key string, dst any) (bool, error) {
	gen, err := m.generation()
	if err != nil {
		return false, err
	}
	item, err := m.client.Get(m.itemKey(gen, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "reading cached value")
	}
	if err := json.Unmarshal(item.Value, dst); err != nil {
		return false, errors.Wrap(err, "decoding cached value")
	}
	return true, nil
}

func (m *Memcached) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	// memcached counts whole seconds; an entry due sooner is not worth storing.
	secs := int32(capTTL(ttl, time.Duration(m.ttl)*time.Second) / time.Second)
	if secs < 1 {
		return nil
	}
	gen, err := m.generation()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encoding cache value")
	}
	return errors.Wrap(
		m.client.Set(&memcache.Item{Key: m.itemKey(gen, key), Value: raw, Expiration: secs}),
		"writing cached value",
	)
}

func (m *Memcached) Invalidate(context.Context) error {
	_, err := m.client.Increment(m.genKey(), 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		// Nothing has been cached under any generation yet.
		return nil
	}
	return errors.Wrap(err, "bumping cache generation")
}
