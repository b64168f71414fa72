/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package pg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/suparena/membership/storagemodels"
)

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost dbname=membership"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db
}

func TestLockKey(t *testing.T) {
	a := &storagemodels.Association{
		Person:     storagemodels.Ref{Type: "user", ID: "1"},
		Target:     storagemodels.Ref{Type: "order", ID: "1"},
		Collection: "owner",
	}
	b := a.Clone()
	b.Person.ID = "2"

	assert.Equal(t, LockKey(a.SlotKey(storagemodels.ExclusiveTarget)), LockKey(b.SlotKey(storagemodels.ExclusiveTarget)))
	assert.NotEqual(t, LockKey(a.SlotKey(storagemodels.ExclusivePerson)), LockKey(b.SlotKey(storagemodels.ExclusivePerson)))
}

func TestFilterScopeSQL(t *testing.T) {
	db := dryRunDB(t)
	target := storagemodels.Ref{Type: "order", ID: "7"}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var rows []Membership
	stmt := db.Scopes(filterScope(storagemodels.Filter{
		Target:     &target,
		Collection: "tags",
		State:      storagemodels.StateActive,
	}, now)).Find(&rows).Statement

	sql := stmt.SQL.String()
	assert.Contains(t, sql, `FROM "memberships"`)
	assert.Contains(t, sql, "target_type = $1 AND target_id = $2")
	assert.Contains(t, sql, "collection = $3")
	assert.Contains(t, sql, "(expires_at IS NULL OR expires_at > $4)")
	assert.Equal(t, []any{"order", "7", "tags", now}, stmt.Vars)
}

func TestExpiredScopeSQL(t *testing.T) {
	db := dryRunDB(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var rows []Membership
	stmt := db.Scopes(filterScope(storagemodels.Filter{State: storagemodels.StateExpired}, now)).Find(&rows).Statement
	assert.Contains(t, stmt.SQL.String(), "expires_at IS NOT NULL AND expires_at <= $1")
}

func TestModelRoundTrip(t *testing.T) {
	exp := time.Date(2030, 5, 6, 7, 8, 9, 123456789, time.UTC)
	a := &storagemodels.Association{
		ID:         "id-1",
		Person:     storagemodels.Ref{Type: "user", ID: "1"},
		Target:     storagemodels.Ref{Type: "order", ID: "1"},
		Collection: "owner",
		ExpiresAt:  &exp,
	}
	got := fromAssociation(a).toAssociation()
	assert.Equal(t, a.Key(), got.Key())
	assert.Equal(t, storagemodels.Normalize(exp), *got.ExpiresAt)
}
