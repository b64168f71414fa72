/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package pg

import (
	"time"

	"github.com/suparena/membership/storagemodels"
)

// Membership is the gorm model of the memberships table.
type Membership struct {
	ID         string     `gorm:"type:text;primaryKey"`
	PersonType string     `gorm:"type:text;not null;uniqueIndex:idx_memberships_identity,priority:1"`
	PersonID   string     `gorm:"type:text;not null;uniqueIndex:idx_memberships_identity,priority:2"`
	TargetType string     `gorm:"type:text;not null;uniqueIndex:idx_memberships_identity,priority:3;index:idx_memberships_target_collection,priority:1"`
	TargetID   string     `gorm:"type:text;not null;uniqueIndex:idx_memberships_identity,priority:4;index:idx_memberships_target_collection,priority:2"`
	Collection string     `gorm:"type:text;not null;uniqueIndex:idx_memberships_identity,priority:5;index:idx_memberships_target_collection,priority:3"`
	ExpiresAt  *time.Time `gorm:"type:timestamptz;index:idx_memberships_expires_at"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;not null;autoCreateTime:false"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

// TableName pins the table name.
func (Membership) TableName() string {
	return "memberships"
}

func fromAssociation(a *storagemodels.Association) *Membership {
	return &Membership{
		ID:         a.ID,
		PersonType: a.Person.Type,
		PersonID:   a.Person.ID,
		TargetType: a.Target.Type,
		TargetID:   a.Target.ID,
		Collection: a.Collection,
		ExpiresAt:  a.ExpiresAt,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func (m *Membership) toAssociation() *storagemodels.Association {
	a := &storagemodels.Association{
		ID:         m.ID,
		Person:     storagemodels.Ref{Type: m.PersonType, ID: m.PersonID},
		Target:     storagemodels.Ref{Type: m.TargetType, ID: m.TargetID},
		Collection: m.Collection,
		ExpiresAt:  storagemodels.NormalizePtr(m.ExpiresAt),
		CreatedAt:  storagemodels.Normalize(m.CreatedAt),
		UpdatedAt:  storagemodels.Normalize(m.UpdatedAt),
	}
	return a
}
