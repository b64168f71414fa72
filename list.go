/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

type listOptions struct {
	page     int
	pageSize int
	sort     []storagemodels.SortField
	eager    bool
}

// ListOption adjusts a listing.
type ListOption func(*listOptions)

// WithPage selects a 1-based page.
func WithPage(page int) ListOption {
	return func(o *listOptions) {
		o.page = page
	}
}

// WithPageSize overrides the page size of the listing.
func WithPageSize(size int) ListOption {
	return func(o *listOptions) {
		o.pageSize = size
	}
}

// WithSort appends an ordering. Without one, listings are newest first.
func WithSort(field string, desc bool) ListOption {
	return func(o *listOptions) {
		o.sort = append(o.sort, storagemodels.SortField{Field: field, Desc: desc})
	}
}

// WithEagerLoad resolves the person and target of every listed membership
// through the registry resolvers. It only affects ListViews.
func WithEagerLoad() ListOption {
	return func(o *listOptions) {
		o.eager = true
	}
}

func (s *Store) listOptions(opts []ListOption) (listOptions, error) {
	var o listOptions
	for _, opt := range opts {
		opt(&o)
	}
	for _, sf := range o.sort {
		if !storagemodels.IsSortable(sf.Field) {
			return o, errors.NewValidationError("sort", fmt.Sprintf("%q is not a sortable field", sf.Field))
		}
	}
	if o.page < 0 {
		return o, errors.NewValidationError("page", "must not be negative")
	}
	if o.pageSize < 0 {
		return o, errors.NewValidationError("page_size", "must not be negative")
	}
	return o, nil
}

func validateFilter(f storagemodels.Filter) error {
	if f.Person != nil {
		if err := f.Person.Validate("person"); err != nil {
			return err
		}
	}
	if f.Target != nil {
		if err := f.Target.Validate("target"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) startListSpan(ctx context.Context, name string, f storagemodels.Filter) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("membership.collection", f.Collection),
		attribute.String("membership.state", f.State.String()),
	}
	if f.Person != nil {
		attrs = append(attrs, attribute.String("membership.person", f.Person.String()))
	}
	if f.Target != nil {
		attrs = append(attrs, attribute.String("membership.target", f.Target.String()))
	}
	return s.tracer.Start(ctx, "Membership.Store."+name, trace.WithAttributes(attrs...))
}

// List returns the memberships matching filter, newest first unless sorted
// otherwise. WithPage and WithPageSize window the result; without them every
// match is returned.
func (s *Store) List(ctx context.Context, filter storagemodels.Filter, opts ...ListOption) (items []storagemodels.Association, err error) {
	ctx, span := s.startListSpan(ctx, "List", filter)
	defer func() { endSpan(span, err) }()

	o, err := s.listOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	params := &storagemodels.QueryParams{Filter: filter, Now: s.now(), Sort: o.sort}
	if o.page > 0 || o.pageSize > 0 {
		size := o.pageSize
		if size == 0 {
			size = s.pageSize
		}
		page := max(o.page, 1)
		params.Limit = size
		params.Offset = (page - 1) * size
	}

	cacheKey := listCacheKey("list", params)
	if s.cachedInto(ctx, cacheKey, &items) {
		return items, nil
	}

	items, err = s.ds.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	s.store(ctx, cacheKey, items, filter.State, items, params.Now)
	return items, nil
}

// Paginate returns one page of the memberships matching filter together
// with the page bookkeeping. The page size defaults to the store's page size.
func (s *Store) Paginate(ctx context.Context, filter storagemodels.Filter, opts ...ListOption) (p *storagemodels.Page, err error) {
	ctx, span := s.startListSpan(ctx, "Paginate", filter)
	defer func() { endSpan(span, err) }()

	o, err := s.listOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	page := max(o.page, 1)
	size := o.pageSize
	if size == 0 {
		size = s.pageSize
	}
	params := &storagemodels.QueryParams{
		Filter: filter,
		Now:    s.now(),
		Sort:   o.sort,
		Limit:  size,
		Offset: (page - 1) * size,
	}

	cacheKey := listCacheKey("page", params)
	if s.cachedInto(ctx, cacheKey, &p) && p != nil {
		return p, nil
	}

	total, err := s.ds.Count(ctx, params)
	if err != nil {
		return nil, err
	}
	items, err := s.ds.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	p = storagemodels.NewPage(items, total, page, size)
	s.store(ctx, cacheKey, p, filter.State, items, params.Now)
	return p, nil
}

// All streams every membership matching filter without loading them at once.
// Results arrive in backend order.
func (s *Store) All(ctx context.Context, filter storagemodels.Filter, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult {
	return s.ds.Stream(ctx, &storagemodels.QueryParams{Filter: filter, Now: s.now()}, opts...)
}

// ListViews is List rendered for presentation. With WithEagerLoad the
// person and target of each membership are resolved once per distinct ref.
func (s *Store) ListViews(ctx context.Context, filter storagemodels.Filter, opts ...ListOption) ([]storagemodels.View, error) {
	items, err := s.List(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	o, _ := s.listOptions(opts)
	return s.Views(ctx, items, o.eager)
}

// Views renders items, resolving their endpoints when eager is set.
func (s *Store) Views(ctx context.Context, items []storagemodels.Association, eager bool) ([]storagemodels.View, error) {
	now := s.now()
	resolved := make(map[storagemodels.Ref]any)
	resolve := func(ref storagemodels.Ref) (any, error) {
		if v, ok := resolved[ref]; ok {
			return v, nil
		}
		v, err := s.registry.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolved[ref] = v
		return v, nil
	}

	views := make([]storagemodels.View, 0, len(items))
	for i := range items {
		v := storagemodels.NewView(&items[i], now)
		if eager {
			var err error
			if v.Personable, err = resolve(items[i].Person); err != nil {
				return nil, err
			}
			if v.Memberable, err = resolve(items[i].Target); err != nil {
				return nil, err
			}
		}
		views = append(views, v)
	}
	return views, nil
}

type cacheKeyParts struct {
	Kind       string   `json:"k"`
	Person     string   `json:"p,omitempty"`
	Target     string   `json:"t,omitempty"`
	Collection string   `json:"c,omitempty"`
	State      string   `json:"s"`
	Sort       []string `json:"o,omitempty"`
	Limit      int      `json:"l,omitempty"`
	Offset     int      `json:"f,omitempty"`
}

func listCacheKey(kind string, p *storagemodels.QueryParams) string {
	parts := cacheKeyParts{
		Kind:       kind,
		Collection: p.Filter.Collection,
		State:      p.Filter.State.String(),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	if p.Filter.Person != nil {
		parts.Person = p.Filter.Person.String()
	}
	if p.Filter.Target != nil {
		parts.Target = p.Filter.Target.String()
	}
	for _, sf := range p.SortKeys() {
		parts.Sort = append(parts.Sort, sf.String())
	}
	b, _ := json.Marshal(parts)
	return string(b)
}

func (s *Store) cachedInto(ctx context.Context, key string, dst any) bool {
	hit, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.logger.Warnw("Cache read failed", "error", err)
		return false
	}
	return hit
}

func (s *Store) store(ctx context.Context, key string, value any, state storagemodels.ExpiryState, items []storagemodels.Association, now time.Time) {
	ttl, ok := listingTTL(state, items, now)
	if !ok {
		return
	}
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warnw("Cache write failed", "error", err)
	}
}

// listingTTL bounds how long a listing may be served from cache. An active
// listing lapses when its first member expires. Expired listings grow without
// any mutation and are never cached. A zero ttl defers to the cache.
func listingTTL(state storagemodels.ExpiryState, items []storagemodels.Association, now time.Time) (time.Duration, bool) {
	switch state {
	case storagemodels.StateExpired:
		return 0, false
	case storagemodels.StateAny:
		return 0, true
	}
	var ttl time.Duration
	for i := range items {
		at := items[i].ExpiresAt
		if at == nil || !at.After(now) {
			continue
		}
		if d := at.Sub(now); ttl == 0 || d < ttl {
			ttl = d
		}
	}
	return ttl, true
}
