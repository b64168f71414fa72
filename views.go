/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package membership

import (
	"context"
	"time"

	"github.com/suparena/membership/registry"
	"github.com/suparena/membership/storagemodels"
)

// TargetView scopes the store to one target, the side that declares the
// collections.
type TargetView struct {
	store  *Store
	target storagemodels.Ref
}

// Target returns the view of t.
func (s *Store) Target(t registry.Target) *TargetView {
	return &TargetView{store: s, target: registry.RefOf(t)}
}

// TargetRef returns the view of the target referenced by ref.
func (s *Store) TargetRef(ref storagemodels.Ref) *TargetView {
	return &TargetView{store: s, target: ref}
}

// Add creates a membership of person in collection.
func (v *TargetView) Add(ctx context.Context, person storagemodels.Ref, collection string, expiresAt *time.Time) (*storagemodels.Association, error) {
	return v.store.Create(ctx, person, v.target, collection, expiresAt)
}

// Remove revokes the membership of person in collection.
func (v *TargetView) Remove(ctx context.Context, person storagemodels.Ref, collection string) (*storagemodels.Association, error) {
	return v.store.Revoke(ctx, person, v.target, collection)
}

// Has reports whether person is an active member of collection.
func (v *TargetView) Has(ctx context.Context, person storagemodels.Ref, collection string) (bool, error) {
	return v.store.Exists(ctx, person, v.target, collection)
}

// Renew renews the membership of person in collection.
func (v *TargetView) Renew(ctx context.Context, person storagemodels.Ref, collection string, expiresAt *time.Time) (bool, error) {
	return v.store.Renew(ctx, person, v.target, collection, expiresAt)
}

// UpdateExpiry overrides the expiry of the membership of person in collection.
func (v *TargetView) UpdateExpiry(ctx context.Context, person storagemodels.Ref, collection string, expiresAt *time.Time) (bool, error) {
	return v.store.UpdateExpiry(ctx, person, v.target, collection, expiresAt)
}

// Members lists the memberships of collection, or of every collection when
// collection is empty. Expired members are listed when expired is set,
// active ones otherwise.
func (v *TargetView) Members(ctx context.Context, collection string, expired bool, opts ...ListOption) ([]storagemodels.Association, error) {
	target := v.target
	return v.store.List(ctx, storagemodels.Filter{
		Target:     &target,
		Collection: collection,
		State:      stateOf(expired),
	}, opts...)
}

// PersonView scopes the store to one person.
type PersonView struct {
	store  *Store
	person storagemodels.Ref
}

// Person returns the view of p.
func (s *Store) Person(p registry.Person) *PersonView {
	return &PersonView{store: s, person: registry.RefOf(p)}
}

// PersonRef returns the view of the person referenced by ref.
func (s *Store) PersonRef(ref storagemodels.Ref) *PersonView {
	return &PersonView{store: s, person: ref}
}

// Join creates a membership of the person in collection of target.
func (v *PersonView) Join(ctx context.Context, target storagemodels.Ref, collection string, expiresAt *time.Time) (*storagemodels.Association, error) {
	return v.store.Create(ctx, v.person, target, collection, expiresAt)
}

// Leave revokes the membership of the person in collection of target.
func (v *PersonView) Leave(ctx context.Context, target storagemodels.Ref, collection string) (*storagemodels.Association, error) {
	return v.store.Revoke(ctx, v.person, target, collection)
}

// IsMember reports whether the person is an active member of collection of
// target.
func (v *PersonView) IsMember(ctx context.Context, target storagemodels.Ref, collection string) (bool, error) {
	return v.store.Exists(ctx, v.person, target, collection)
}

// Renew renews the person's membership.
func (v *PersonView) Renew(ctx context.Context, target storagemodels.Ref, collection string, expiresAt *time.Time) (bool, error) {
	return v.store.Renew(ctx, v.person, target, collection, expiresAt)
}

// UpdateExpiry overrides the expiry of the person's membership.
func (v *PersonView) UpdateExpiry(ctx context.Context, target storagemodels.Ref, collection string, expiresAt *time.Time) (bool, error) {
	return v.store.UpdateExpiry(ctx, v.person, target, collection, expiresAt)
}

// Memberships lists the person's memberships, optionally narrowed to one
// target and collection.
func (v *PersonView) Memberships(ctx context.Context, target *storagemodels.Ref, collection string, expired bool, opts ...ListOption) ([]storagemodels.Association, error) {
	person := v.person
	return v.store.List(ctx, storagemodels.Filter{
		Person:     &person,
		Target:     target,
		Collection: collection,
		State:      stateOf(expired),
	}, opts...)
}

func stateOf(expired bool) storagemodels.ExpiryState {
	if expired {
		return storagemodels.StateExpired
	}
	return storagemodels.StateActive
}
