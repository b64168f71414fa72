/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package storagemodels

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// View is the presentation shape of an association, with resolved entity
// data attached when eager loading was requested.
type View struct {
	ID         string           `json:"id"`
	Person     Ref              `json:"person"`
	Target     Ref              `json:"target"`
	Collection string           `json:"collection"`
	Active     bool             `json:"active"`
	ExpiresAt  *strfmt.DateTime `json:"expires_at,omitempty"`
	CreatedAt  strfmt.DateTime  `json:"created_at"`
	UpdatedAt  strfmt.DateTime  `json:"updated_at"`

	Personable any `json:"personable,omitempty"`
	Memberable any `json:"memberable,omitempty"`
}

// NewView builds a View of a evaluated at now.
func NewView(a *Association, now time.Time) View {
	v := View{
		ID:         a.ID,
		Person:     a.Person,
		Target:     a.Target,
		Collection: a.Collection,
		Active:     a.IsActive(now),
		CreatedAt:  strfmt.DateTime(a.CreatedAt),
		UpdatedAt:  strfmt.DateTime(a.UpdatedAt),
	}
	if a.ExpiresAt != nil {
		exp := strfmt.DateTime(*a.ExpiresAt)
		v.ExpiresAt = &exp
	}
	return v
}

// ParseInstant parses a user supplied instant. It accepts the strfmt date-time
// forms as well as a relative duration such as "720h".
func ParseInstant(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return Normalize(now.Add(d)), nil
	}
	dt, err := strfmt.ParseDateTime(s)
	if err != nil {
		return time.Time{}, err
	}
	return Normalize(time.Time(dt)), nil
}
