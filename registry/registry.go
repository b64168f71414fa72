/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/storagemodels"
)

// Mode is the exclusivity policy of a collection.
type Mode string

const (
	// Single allows at most one active member per (target, collection).
	Single Mode = "single"
	// Multiple allows one active membership per person in a (target, collection).
	Multiple Mode = "multiple"
)

// Valid reports whether m is single or multiple.
func (m Mode) Valid() bool {
	return m == Single || m == Multiple
}

// Exclusivity maps the mode to the slot scope a backend must guard.
func (m Mode) Exclusivity() storagemodels.Exclusivity {
	if m == Single {
		return storagemodels.ExclusiveTarget
	}
	return storagemodels.ExclusivePerson
}

// ParseMode rejects anything other than single or multiple.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", errors.NewValidationError("mode", fmt.Sprintf("%q must be single or multiple", s))
	}
	return m, nil
}

// Entity is anything that can be referenced from a membership.
type Entity interface {
	MembershipType() string
	MembershipID() string
}

// Target is an entity type that accepts memberships into named collections.
type Target interface {
	Entity
	AllowedCollections() map[string]Mode
}

// Person is an entity type that can hold memberships.
type Person interface {
	Entity
	CanBeMembershipPerson()
}

// RefOf returns the tagged reference of e.
func RefOf(e Entity) storagemodels.Ref {
	return storagemodels.Ref{Type: e.MembershipType(), ID: e.MembershipID()}
}

// ResolveFunc loads the entity behind an id of a registered type.
type ResolveFunc func(ctx context.Context, id string) (any, error)

// Role names used in MissingCapability errors.
const (
	RoleTarget = "target"
	RolePerson = "person"
)

// Registry records which entity types play which membership role and the
// collection policy of every target type. Populate it during setup; lookups
// are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	targets   map[string]map[string]Mode
	persons   map[string]struct{}
	resolvers map[string]ResolveFunc
	logger    *zap.SugaredLogger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report policy defects.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		targets:   make(map[string]map[string]Mode),
		persons:   make(map[string]struct{}),
		resolvers: make(map[string]ResolveFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.Or(r.logger).Named("registry")
	return r
}

// RegisterTarget declares typ as a target type with the given collections.
// Modes are checked when used, not here. It panics if typ is already
// registered as a target.
func (r *Registry) RegisterTarget(typ string, collections map[string]Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[typ]; exists {
		panic(fmt.Sprintf("registry: target type %q already registered", typ))
	}
	mustBeName("target type", typ)
	copied := make(map[string]Mode, len(collections))
	for name, mode := range collections {
		mustBeName("collection of "+typ, name)
		copied[name] = mode
	}
	r.targets[typ] = copied
}

// RegisterTargetOf registers the type of t with its declared collections.
func (r *Registry) RegisterTargetOf(t Target) {
	r.RegisterTarget(t.MembershipType(), t.AllowedCollections())
}

// RegisterPerson declares typ as a person type. It panics on duplicates.
func (r *Registry) RegisterPerson(typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.persons[typ]; exists {
		panic(fmt.Sprintf("registry: person type %q already registered", typ))
	}
	mustBeName("person type", typ)
	r.persons[typ] = struct{}{}
}

// mustBeName panics unless name can be used as a type or collection name.
func mustBeName(what, name string) {
	if err := storagemodels.ValidateName(what, name); err != nil {
		panic(fmt.Sprintf("registry: invalid %s: %v", what, err))
	}
}

// RegisterPersonOf registers the type of p.
func (r *Registry) RegisterPersonOf(p Person) {
	r.RegisterPerson(p.MembershipType())
}

// RegisterResolver sets the function that loads entities of typ for eager
// loading. It panics on duplicates.
func (r *Registry) RegisterResolver(typ string, fn ResolveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resolvers[typ]; exists {
		panic(fmt.Sprintf("registry: resolver for type %q already registered", typ))
	}
	r.resolvers[typ] = fn
}

// RequireTarget fails with MissingCapability unless typ is a target type.
func (r *Registry) RequireTarget(typ string) error {
	r.mu.RLock()
	_, ok := r.targets[typ]
	r.mu.RUnlock()
	if !ok {
		return errors.NewMissingCapabilityError(typ, RoleTarget)
	}
	return nil
}

// RequirePerson fails with MissingCapability unless typ is a person type.
func (r *Registry) RequirePerson(typ string) error {
	r.mu.RLock()
	_, ok := r.persons[typ]
	r.mu.RUnlock()
	if !ok {
		return errors.NewMissingCapabilityError(typ, RolePerson)
	}
	return nil
}

// AllowedCollections returns a copy of the collection policy of targetType.
func (r *Registry) AllowedCollections(targetType string) (map[string]Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collections, ok := r.targets[targetType]
	if !ok {
		return nil, errors.NewMissingCapabilityError(targetType, RoleTarget)
	}
	out := make(map[string]Mode, len(collections))
	for name, mode := range collections {
		out[name] = mode
	}
	return out, nil
}

// ValidateCollection fails with UnknownCollection when targetType does not
// declare collection.
func (r *Registry) ValidateCollection(targetType, collection string) error {
	_, err := r.lookup(targetType, collection)
	return err
}

// ModeOf returns the declared mode of collection. A declared mode that is
// neither single nor multiple is a defect in the target type and is logged
// at error level.
func (r *Registry) ModeOf(targetType, collection string) (Mode, error) {
	mode, err := r.lookup(targetType, collection)
	if err != nil {
		return "", err
	}
	if !mode.Valid() {
		r.logger.Errorw("Invalid collection policy mode",
			"target_type", targetType,
			"collection", collection,
			"mode", string(mode))
		return "", errors.NewInvalidPolicyModeError(targetType, collection, string(mode))
	}
	return mode, nil
}

// ExclusivityOf is ModeOf mapped to the slot scope.
func (r *Registry) ExclusivityOf(targetType, collection string) (storagemodels.Exclusivity, error) {
	mode, err := r.ModeOf(targetType, collection)
	if err != nil {
		return 0, err
	}
	return mode.Exclusivity(), nil
}

func (r *Registry) lookup(targetType, collection string) (Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collections, ok := r.targets[targetType]
	if !ok {
		return "", errors.NewMissingCapabilityError(targetType, RoleTarget)
	}
	mode, ok := collections[collection]
	if !ok {
		return "", errors.NewUnknownCollectionError(targetType, collection)
	}
	return mode, nil
}

// Resolve loads the entity behind ref through its type's resolver. It
// returns nil without error when no resolver is registered.
func (r *Registry) Resolve(ctx context.Context, ref storagemodels.Ref) (any, error) {
	r.mu.RLock()
	fn, ok := r.resolvers[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	entity, err := fn(ctx, ref.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", ref)
	}
	return entity, nil
}

// TargetTypes lists registered target types in order.
func (r *Registry) TargetTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.targets)
}

// PersonTypes lists registered person types in order.
func (r *Registry) PersonTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.persons)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
