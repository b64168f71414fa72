/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/datastore/datastoretest"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "membership.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	datastoretest.Run(t, func(t *testing.T) datastore.DataStore {
		return openTestStore(t)
	}, datastoretest.Options{Concurrency: 12})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, s.DB(), nil))

	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestTimestampsKeepMicroseconds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := time.Date(2030, 1, 2, 3, 4, 5, 123456000, time.UTC)
	a := datastoretest.NewAssociation(
		storagemodels.Ref{Type: "user", ID: "1"},
		storagemodels.Ref{Type: "order", ID: "1"},
		"owner", 0, &exp)
	_, err := s.Insert(ctx, a, storagemodels.ExclusiveTarget, datastoretest.Base)
	require.NoError(t, err)

	got, err := s.Get(ctx, a.Key())
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, exp, *got.ExpiresAt)
}

func TestOrderBy(t *testing.T) {
	assert.Equal(t, "created_at DESC, id ASC", orderBy(storagemodels.DefaultSort))
	assert.Equal(t, "(expires_at IS NULL) ASC, expires_at ASC, id ASC",
		orderBy([]storagemodels.SortField{{Field: storagemodels.FieldExpiresAt}}))
	assert.Equal(t, "id ASC", orderBy([]storagemodels.SortField{{Field: "id; DROP TABLE memberships"}}))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

var sample = storagemodels.Association{
	ID:         "id-1",
	Person:     storagemodels.Ref{Type: "user", ID: "1"},
	Target:     storagemodels.Ref{Type: "order", ID: "1"},
	Collection: "owner",
	CreatedAt:  datastoretest.Base,
	UpdatedAt:  datastoretest.Base,
}

func TestInsertSlotTaken_Sqlmock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM memberships WHERE target_type = \\? AND target_id = \\? AND collection = \\?").
		WithArgs("order", "1", "owner", datastoretest.Base.UnixMicro()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-0"))
	mock.ExpectRollback()

	a := sample
	_, err := s.Insert(context.Background(), &a, storagemodels.ExclusiveTarget, datastoretest.Base)
	assert.True(t, errors.IsAlreadyMember(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWriteFailureRollsBack_Sqlmock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM memberships").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id, person_type").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO memberships").
		WithArgs("id-1", "user", "1", "order", "1", "owner", nil, sample.CreatedAt.UnixMicro(), sample.UpdatedAt.UnixMicro()).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	a := sample
	_, err := s.Insert(context.Background(), &a, storagemodels.ExclusivePerson, datastoretest.Base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting membership")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExpiryMissingDoesNotWrite_Sqlmock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, person_type").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := s.UpdateExpiry(context.Background(), sample.Key(), nil, datastoretest.Base)
	assert.True(t, errors.IsNotFound(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryError_Sqlmock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, person_type").WillReturnError(errors.New("no such table: memberships"))

	_, err := s.Query(context.Background(), &storagemodels.QueryParams{Now: datastoretest.Base})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "querying memberships")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_Sqlmock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM memberships WHERE 1 = 1 AND collection = \\? AND expires_at IS NOT NULL").
		WithArgs("owner", datastoretest.Base.UnixMicro()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.Count(context.Background(), &storagemodels.QueryParams{
		Filter: storagemodels.Filter{Collection: "owner", State: storagemodels.StateExpired},
		Now:    datastoretest.Base,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
