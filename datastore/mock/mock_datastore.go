/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package mock provides an in-memory implementation of datastore.DataStore.
// It backs the "memory" backend and doubles as a test store with error
// injection.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

// DataStore is an in-memory datastore.DataStore. One mutex is held across the
// exclusivity check and the write of Insert.
type DataStore struct {
	mu          sync.RWMutex
	data        map[storagemodels.Key]*storagemodels.Association
	streamFunc  func(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult
	insertError error
	deleteError error
	updateError error
	queryError  error
}

var _ datastore.DataStore = (*DataStore)(nil)

// New creates a new mock DataStore
func New() *DataStore {
	return &DataStore{
		data: make(map[storagemodels.Key]*storagemodels.Association),
	}
}

// WithStreamFunc sets a custom stream function for testing
func (m *DataStore) WithStreamFunc(f func(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult) *DataStore {
	m.streamFunc = f
	return m
}

// WithInsertError makes Insert operations return an error
func (m *DataStore) WithInsertError(err error) *DataStore {
	m.insertError = err
	return m
}

// WithDeleteError makes Delete and DeleteExpired operations return an error
func (m *DataStore) WithDeleteError(err error) *DataStore {
	m.deleteError = err
	return m
}

// WithUpdateError makes UpdateExpiry operations return an error
func (m *DataStore) WithUpdateError(err error) *DataStore {
	m.updateError = err
	return m
}

// WithQueryError makes Get, Query, Count and Stream return an error
func (m *DataStore) WithQueryError(err error) *DataStore {
	m.queryError = err
	return m
}

// Insert stores a if neither its identity nor its exclusivity slot holds an
// active record.
func (m *DataStore) Insert(ctx context.Context, a *storagemodels.Association, ex storagemodels.Exclusivity, now time.Time) (*storagemodels.Association, error) {
	if m.insertError != nil {
		return nil, m.insertError
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	slot := a.SlotKey(ex)
	for _, existing := range m.data {
		if existing.IsActive(now) && existing.SlotKey(ex) == slot {
			return nil, errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
		}
	}

	key := a.Key()
	var retired *storagemodels.Association
	if existing, ok := m.data[key]; ok {
		// Only an expired record can remain here after the slot check.
		retired = existing.Clone()
	}
	m.data[key] = a.Clone()
	return retired, nil
}

// Get retrieves a membership by identity
func (m *DataStore) Get(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	if m.queryError != nil {
		return nil, m.queryError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, exists := m.data[key]; exists {
		return a.Clone(), nil
	}
	return nil, errors.NewNotFoundError(key.String())
}

// UpdateExpiry sets the expiry of an existing membership
func (m *DataStore) UpdateExpiry(ctx context.Context, key storagemodels.Key, expiresAt *time.Time, now time.Time) (*storagemodels.Association, error) {
	if m.updateError != nil {
		return nil, m.updateError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.data[key]
	if !exists {
		return nil, errors.NewNotFoundError(key.String())
	}
	a.ExpiresAt = storagemodels.NormalizePtr(expiresAt)
	a.UpdatedAt = now
	return a.Clone(), nil
}

// Delete removes a membership regardless of expiry
func (m *DataStore) Delete(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	if m.deleteError != nil {
		return nil, m.deleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.data[key]
	if !exists {
		return nil, errors.NewNotFoundError(key.String())
	}
	delete(m.data, key)
	return a, nil
}

// DeleteExpired removes a membership only if it is expired at now
func (m *DataStore) DeleteExpired(ctx context.Context, key storagemodels.Key, now time.Time) (*storagemodels.Association, error) {
	if m.deleteError != nil {
		return nil, m.deleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.data[key]
	if !exists {
		return nil, errors.NewNotFoundError(key.String())
	}
	if a.IsActive(now) {
		return nil, errors.NewConditionFailedError("delete", "membership is not expired")
	}
	delete(m.data, key)
	return a, nil
}

// Query lists memberships matching params
func (m *DataStore) Query(ctx context.Context, params *storagemodels.QueryParams) ([]storagemodels.Association, error) {
	if m.queryError != nil {
		return nil, m.queryError
	}

	items := m.matching(params)
	storagemodels.SortAssociations(items, params.SortKeys())
	return storagemodels.ApplyWindow(items, params.Offset, params.Limit), nil
}

// Count returns the number of memberships matching params.Filter
func (m *DataStore) Count(ctx context.Context, params *storagemodels.QueryParams) (int64, error) {
	if m.queryError != nil {
		return 0, m.queryError
	}
	return int64(len(m.matching(params))), nil
}

// Stream pages through the matching memberships in ID order
func (m *DataStore) Stream(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, params, opts...)
	}

	fetch := func(ctx context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		if m.queryError != nil {
			return nil, "", m.queryError
		}
		items := m.matching(params)
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		page, next := datastore.KeysetPage(items, cursor, limit)
		return page, next, nil
	}
	return datastore.PageStream(ctx, fetch, nil, opts...)
}

func (m *DataStore) matching(params *storagemodels.QueryParams) []storagemodels.Association {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]storagemodels.Association, 0, len(m.data))
	for _, a := range m.data {
		if params.Filter.Matches(a, params.Now) {
			items = append(items, *a.Clone())
		}
	}
	return items
}

// Helper methods for testing

// SetData replaces the stored memberships (for testing)
func (m *DataStore) SetData(items ...storagemodels.Association) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[storagemodels.Key]*storagemodels.Association, len(items))
	for i := range items {
		m.data[items[i].Key()] = items[i].Clone()
	}
}

// GetData returns a copy of the stored memberships (for testing)
func (m *DataStore) GetData() []storagemodels.Association {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]storagemodels.Association, 0, len(m.data))
	for _, a := range m.data {
		result = append(result, *a.Clone())
	}
	return result
}

// Len returns the number of stored memberships
func (m *DataStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Clear removes all data
func (m *DataStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[storagemodels.Key]*storagemodels.Association)
}
