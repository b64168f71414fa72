/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/suparena/membership/errors"
)

// Ref is a tagged reference to an entity on either side of a membership.
// Type is the discriminant ("user", "order"); ID is opaque.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ParseRef parses the "type:id" form produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return Ref{}, errors.NewValidationError("ref", fmt.Sprintf("%q is not in type:id form", s))
	}
	return Ref{Type: typ, ID: id}, nil
}

func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// KeySeparator joins the segments of composite backend keys. Type and
// collection names must not contain it; ids may.
const KeySeparator = "#"

// ValidateName checks a type or collection name.
func ValidateName(field, name string) error {
	if name == "" {
		return errors.NewValidationError(field, "must not be empty")
	}
	if strings.Contains(name, KeySeparator) {
		return errors.NewValidationError(field, fmt.Sprintf("%q must not contain %q", name, KeySeparator))
	}
	return nil
}

// Validate checks both parts of the reference are present and the type is a
// valid name.
func (r Ref) Validate(field string) error {
	if r.Type == "" {
		return errors.NewValidationError(field, "type must not be empty")
	}
	if strings.Contains(r.Type, KeySeparator) {
		return errors.NewValidationError(field, fmt.Sprintf("type %q must not contain %q", r.Type, KeySeparator))
	}
	if r.ID == "" {
		return errors.NewValidationError(field, "id must not be empty")
	}
	return nil
}

// Key is the identity tuple of a membership. Backends keep at most one
// record per key.
type Key struct {
	Person     Ref
	Target     Ref
	Collection string
}

func (k Key) String() string {
	return k.Person.String() + "/" + k.Target.String() + "/" + k.Collection
}

// Exclusivity names the scope in which at most one active membership may exist.
type Exclusivity int

const (
	// ExclusivePerson allows one active membership per (person, target, collection).
	ExclusivePerson Exclusivity = iota
	// ExclusiveTarget allows one active membership per (target, collection).
	ExclusiveTarget
)

func (e Exclusivity) String() string {
	if e == ExclusiveTarget {
		return "target"
	}
	return "person"
}

// Association is a membership record between a person and a target.
type Association struct {
	ID         string     `json:"id"`
	Person     Ref        `json:"person"`
	Target     Ref        `json:"target"`
	Collection string     `json:"collection"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Key returns the identity tuple of the association.
func (a *Association) Key() Key {
	return Key{Person: a.Person, Target: a.Target, Collection: a.Collection}
}

// IsActive reports whether the association has no expiry or expires after now.
func (a *Association) IsActive(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// IsExpired reports whether the association expired at or before now.
func (a *Association) IsExpired(now time.Time) bool {
	return !a.IsActive(now)
}

// SlotKey returns the exclusivity slot the association occupies under ex.
func (a *Association) SlotKey(ex Exclusivity) string {
	if ex == ExclusiveTarget {
		return "target:" + a.Target.String() + "#" + a.Collection
	}
	return "person:" + a.Person.String() + "|target:" + a.Target.String() + "#" + a.Collection
}

// SlotLabel describes the exclusivity slot for error messages.
func (a *Association) SlotLabel(ex Exclusivity) string {
	if ex == ExclusiveTarget {
		return "target " + a.Target.String()
	}
	return "person " + a.Person.String() + " on target " + a.Target.String()
}

// Clone returns a deep copy.
func (a *Association) Clone() *Association {
	c := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Normalize converts t to UTC at microsecond precision, the resolution every
// backend stores.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NormalizePtr is Normalize for optional instants.
func NormalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := Normalize(*t)
	return &n
}

// ExpiryState selects records by their expiry predicate.
type ExpiryState int

const (
	StateAny ExpiryState = iota
	StateActive
	StateExpired
)

func (s ExpiryState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return "any"
	}
}

// ParseExpiryState accepts "any", "active" or "expired".
func ParseExpiryState(s string) (ExpiryState, error) {
	switch strings.ToLower(s) {
	case "", "any", "all":
		return StateAny, nil
	case "active":
		return StateActive, nil
	case "expired":
		return StateExpired, nil
	}
	return StateAny, errors.NewValidationError("state", fmt.Sprintf("unknown expiry state %q", s))
}

// Filter holds equality constraints on a membership listing.
type Filter struct {
	Person     *Ref
	Target     *Ref
	Collection string
	State      ExpiryState
}

// Matches reports whether a satisfies every constraint of the filter at now.
func (f Filter) Matches(a *Association, now time.Time) bool {
	if f.Person != nil && a.Person != *f.Person {
		return false
	}
	if f.Target != nil && a.Target != *f.Target {
		return false
	}
	if f.Collection != "" && a.Collection != f.Collection {
		return false
	}
	switch f.State {
	case StateActive:
		return a.IsActive(now)
	case StateExpired:
		return a.IsExpired(now)
	}
	return true
}

// Sortable field names.
const (
	FieldPersonType = "person_type"
	FieldPersonID   = "person_id"
	FieldTargetType = "target_type"
	FieldTargetID   = "target_id"
	FieldCollection = "collection"
	FieldExpiresAt  = "expires_at"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
)

var sortableFields = map[string]bool{
	FieldPersonType: true,
	FieldPersonID:   true,
	FieldTargetType: true,
	FieldTargetID:   true,
	FieldCollection: true,
	FieldExpiresAt:  true,
	FieldCreatedAt:  true,
	FieldUpdatedAt:  true,
}

// SortField orders a listing by one column.
type SortField struct {
	Field string
	Desc  bool
}

// DefaultSort lists newest first.
var DefaultSort = []SortField{{Field: FieldCreatedAt, Desc: true}}

// ParseSort parses "field" or "-field" (descending).
func ParseSort(s string) (SortField, error) {
	desc := strings.HasPrefix(s, "-")
	field := strings.TrimPrefix(s, "-")
	if !sortableFields[field] {
		return SortField{}, errors.NewValidationError("sort", fmt.Sprintf("%q is not a sortable field", field))
	}
	return SortField{Field: field, Desc: desc}, nil
}

// IsSortable reports whether field may be used in a SortField.
func IsSortable(field string) bool {
	return sortableFields[field]
}

func (s SortField) String() string {
	if s.Desc {
		return "-" + s.Field
	}
	return s.Field
}

// QueryParams describes a membership listing for a DataStore.
type QueryParams struct {
	Filter Filter
	// Now is the instant the expiry predicate is evaluated against.
	Now    time.Time
	Sort   []SortField
	Limit  int
	Offset int
}

// SortKeys returns the requested ordering, or DefaultSort.
func (p *QueryParams) SortKeys() []SortField {
	if len(p.Sort) == 0 {
		return DefaultSort
	}
	return p.Sort
}

// SortAssociations orders items in place. Ties fall back to ID ascending.
func SortAssociations(items []Association, sorts []SortField) {
	if len(sorts) == 0 {
		sorts = DefaultSort
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, s := range sorts {
			c := compareField(&items[i], &items[j], s.Field)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return items[i].ID < items[j].ID
	})
}

func compareField(a, b *Association, field string) int {
	switch field {
	case FieldPersonType:
		return strings.Compare(a.Person.Type, b.Person.Type)
	case FieldPersonID:
		return strings.Compare(a.Person.ID, b.Person.ID)
	case FieldTargetType:
		return strings.Compare(a.Target.Type, b.Target.Type)
	case FieldTargetID:
		return strings.Compare(a.Target.ID, b.Target.ID)
	case FieldCollection:
		return strings.Compare(a.Collection, b.Collection)
	case FieldExpiresAt:
		// Never-expiring records sort after every dated one.
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return 0
		case a.ExpiresAt == nil:
			return 1
		case b.ExpiresAt == nil:
			return -1
		}
		return a.ExpiresAt.Compare(*b.ExpiresAt)
	case FieldCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case FieldUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	}
	return 0
}

// ApplyWindow slices items by offset and limit. A limit of 0 means no limit.
func ApplyWindow(items []Association, offset, limit int) []Association {
	if offset >= len(items) {
		return []Association{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Page is one page of a paginated listing.
type Page struct {
	Items    []Association `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	LastPage int           `json:"last_page"`
}

// NewPage computes the page bookkeeping for total records.
func NewPage(items []Association, total int64, page, pageSize int) *Page {
	last := 1
	if pageSize > 0 && total > 0 {
		last = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return &Page{Items: items, Total: total, Page: page, PageSize: pageSize, LastPage: last}
}

// HasMore reports whether a later page exists.
func (p *Page) HasMore() bool {
	return p.Page < p.LastPage
}
