/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package datastore

import (
	"context"
	"time"

	"github.com/suparena/membership/storagemodels"
)

// DataStore persists memberships. Every implementation must make Insert's
// exclusivity check and write a single atomic unit, so that at most one
// active membership exists per exclusivity slot under concurrent callers.
type DataStore interface {
	// Insert stores a. It fails with AlreadyMember when an active record
	// occupies a's identity or, for ExclusiveTarget, any active record holds
	// the (target, collection) slot. An expired record with a's identity is
	// removed in the same unit and returned as retired.
	Insert(ctx context.Context, a *storagemodels.Association, ex storagemodels.Exclusivity, now time.Time) (retired *storagemodels.Association, err error)

	// Get returns the record with key regardless of expiry, or NotFound.
	Get(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error)

	// UpdateExpiry reads the record with key and sets its expiry and
	// UpdatedAt. It fails with NotFound without writing when no record exists.
	UpdateExpiry(ctx context.Context, key storagemodels.Key, expiresAt *time.Time, now time.Time) (*storagemodels.Association, error)

	// Delete removes the record with key regardless of expiry and returns
	// the removed record, or NotFound.
	Delete(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error)

	// DeleteExpired removes the record with key only if it is expired at now.
	// It fails with NotFound when the record is gone and ConditionFailed
	// when it is no longer expired.
	DeleteExpired(ctx context.Context, key storagemodels.Key, now time.Time) (*storagemodels.Association, error)

	// Query lists the records matching params, ordered and windowed.
	Query(ctx context.Context, params *storagemodels.QueryParams) ([]storagemodels.Association, error)

	// Count returns how many records match params.Filter at params.Now.
	Count(ctx context.Context, params *storagemodels.QueryParams) (int64, error)

	// Stream delivers every record matching params.Filter page by page.
	// Sort, Limit and Offset are ignored. The channel is closed when the
	// stream ends or ctx is done.
	Stream(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult
}
