/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package sqlite implements datastore.DataStore on SQLite. Writes run in
// BEGIN IMMEDIATE transactions, which take the database write lock before
// the exclusivity check.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/storagemodels"
)

const columns = "id, person_type, person_id, target_type, target_id, collection, expires_at, created_at, updated_at"

const writeRetries = 3

// Store is the SQLite membership store.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ datastore.DataStore = (*Store)(nil)

// New wraps an open database. The schema must already be migrated.
func New(db *sql.DB, l *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger.Or(l).Named("sqlite")}
}

// DSN builds a go-sqlite3 connection string for path with immediate
// transactions, WAL journaling and a busy timeout.
func DSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// DefaultBusyTimeout is used by Open when no timeout is given.
const DefaultBusyTimeout = 5 * time.Second

// Open opens and migrates the database at path. Writers wait up to
// busyTimeout for the database lock.
func Open(ctx context.Context, path string, busyTimeout time.Duration, l *zap.SugaredLogger) (*Store, error) {
	l = logger.Or(l)
	l.Debugw("Opening database", "path", path)

	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	db, err := sql.Open("sqlite3", DSN(path, busyTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err := Migrate(ctx, db, l); err != nil {
		db.Close()
		return nil, err
	}

	l.Infow("Database opened successfully", "path", path, "wal_mode", true)
	return New(db, l), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert checks the exclusivity slot and writes a inside one transaction.
func (s *Store) Insert(ctx context.Context, a *storagemodels.Association, ex storagemodels.Exclusivity, now time.Time) (*storagemodels.Association, error) {
	var retired *storagemodels.Association
	err := s.withTx(ctx, "insert", func(tx *sql.Tx) error {
		retired = nil

		where, args := slotWhere(a, ex)
		args = append(args, micros(now))
		var holder string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM memberships WHERE "+where+" AND (expires_at IS NULL OR expires_at > ?) LIMIT 1",
			args...).Scan(&holder)
		switch {
		case err == nil:
			return errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
		case !errors.Is(err, sql.ErrNoRows):
			return errors.Wrap(err, "checking exclusivity slot")
		}

		existing, err := getTx(ctx, tx, a.Key())
		if err != nil && !errors.IsNotFound(err) {
			return err
		}
		if existing != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE id = ?", existing.ID); err != nil {
				return errors.Wrap(err, "retiring expired membership")
			}
			retired = existing
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO memberships ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			a.ID, a.Person.Type, a.Person.ID, a.Target.Type, a.Target.ID, a.Collection,
			nullableMicros(a.ExpiresAt), micros(a.CreatedAt), micros(a.UpdatedAt))
		if isUniqueViolation(err) {
			return errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
		}
		return errors.Wrap(err, "inserting membership")
	})
	if err != nil {
		return nil, err
	}
	return retired, nil
}

// Get retrieves a membership by identity
func (s *Store) Get(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	where, args := identityWhere(key)
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM memberships WHERE "+where, args...)
	a, err := scanAssociation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError(key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading membership")
	}
	return a, nil
}

// UpdateExpiry reads the record and rewrites its expiry in one transaction.
func (s *Store) UpdateExpiry(ctx context.Context, key storagemodels.Key, expiresAt *time.Time, now time.Time) (*storagemodels.Association, error) {
	var updated *storagemodels.Association
	err := s.withTx(ctx, "update", func(tx *sql.Tx) error {
		current, err := getTx(ctx, tx, key)
		if err != nil {
			return err
		}
		current.ExpiresAt = storagemodels.NormalizePtr(expiresAt)
		current.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			"UPDATE memberships SET expires_at = ?, updated_at = ? WHERE id = ?",
			nullableMicros(current.ExpiresAt), micros(now), current.ID)
		if err != nil {
			return errors.Wrap(err, "updating expiry")
		}
		updated = current
		return nil
	})
	return updated, err
}

// Delete removes a membership regardless of expiry
func (s *Store) Delete(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	return s.deleteWhere(ctx, key, nil)
}

// DeleteExpired removes a membership only if it is expired at now
func (s *Store) DeleteExpired(ctx context.Context, key storagemodels.Key, now time.Time) (*storagemodels.Association, error) {
	return s.deleteWhere(ctx, key, &now)
}

func (s *Store) deleteWhere(ctx context.Context, key storagemodels.Key, expiredAt *time.Time) (*storagemodels.Association, error) {
	var removed *storagemodels.Association
	err := s.withTx(ctx, "delete", func(tx *sql.Tx) error {
		current, err := getTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if expiredAt != nil && current.IsActive(*expiredAt) {
			return errors.NewConditionFailedError("delete", "membership is not expired")
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE id = ?", current.ID); err != nil {
			return errors.Wrap(err, "deleting membership")
		}
		removed = current
		return nil
	})
	return removed, err
}

// Query lists memberships matching params
func (s *Store) Query(ctx context.Context, params *storagemodels.QueryParams) ([]storagemodels.Association, error) {
	where, args := filterWhere(params.Filter, params.Now)
	query := "SELECT " + columns + " FROM memberships WHERE " + where + " ORDER BY " + orderBy(params.SortKeys())
	if params.Limit > 0 || params.Offset > 0 {
		limit := params.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, params.Offset)
	}
	return s.queryRows(ctx, query, args...)
}

// Count returns the number of memberships matching params.Filter
func (s *Store) Count(ctx context.Context, params *storagemodels.QueryParams) (int64, error) {
	where, args := filterWhere(params.Filter, params.Now)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memberships WHERE "+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting memberships")
	}
	return n, nil
}

// Stream pages through matching memberships in ID order
func (s *Store) Stream(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult {
	where, baseArgs := filterWhere(params.Filter, params.Now)
	fetch := func(ctx context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		args := append(append([]any{}, baseArgs...), cursor, limit)
		items, err := s.queryRows(ctx,
			"SELECT "+columns+" FROM memberships WHERE "+where+" AND id > ? ORDER BY id LIMIT ?", args...)
		if err != nil {
			return nil, "", err
		}
		if len(items) < limit {
			return items, "", nil
		}
		return items, items[len(items)-1].ID, nil
	}
	return datastore.PageStream(ctx, fetch, isRetryable, opts...)
}

func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]storagemodels.Association, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying memberships")
	}
	defer rows.Close()

	items := []storagemodels.Association{}
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning membership")
		}
		items = append(items, *a)
	}
	return items, errors.Wrap(rows.Err(), "iterating memberships")
}

// withTx runs fn in a transaction, retrying when the database is busy.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.logger.Debugw("Retrying busy transaction", "op", op, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return errors.Wrapf(err, "%s failed after %d retries", op, writeRetries)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func getTx(ctx context.Context, tx *sql.Tx, key storagemodels.Key) (*storagemodels.Association, error) {
	where, args := identityWhere(key)
	a, err := scanAssociation(tx.QueryRowContext(ctx, "SELECT "+columns+" FROM memberships WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError(key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading membership")
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssociation(row scanner) (*storagemodels.Association, error) {
	var a storagemodels.Association
	var expires sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.ID, &a.Person.Type, &a.Person.ID, &a.Target.Type, &a.Target.ID,
		&a.Collection, &expires, &created, &updated)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := time.UnixMicro(expires.Int64).UTC()
		a.ExpiresAt = &t
	}
	a.CreatedAt = time.UnixMicro(created).UTC()
	a.UpdatedAt = time.UnixMicro(updated).UTC()
	return &a, nil
}

func identityWhere(key storagemodels.Key) (string, []any) {
	return "person_type = ? AND person_id = ? AND target_type = ? AND target_id = ? AND collection = ?",
		[]any{key.Person.Type, key.Person.ID, key.Target.Type, key.Target.ID, key.Collection}
}

func slotWhere(a *storagemodels.Association, ex storagemodels.Exclusivity) (string, []any) {
	if ex == storagemodels.ExclusiveTarget {
		return "target_type = ? AND target_id = ? AND collection = ?",
			[]any{a.Target.Type, a.Target.ID, a.Collection}
	}
	return identityWhere(a.Key())
}

func filterWhere(f storagemodels.Filter, now time.Time) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if f.Person != nil {
		clauses = append(clauses, "person_type = ? AND person_id = ?")
		args = append(args, f.Person.Type, f.Person.ID)
	}
	if f.Target != nil {
		clauses = append(clauses, "target_type = ? AND target_id = ?")
		args = append(args, f.Target.Type, f.Target.ID)
	}
	if f.Collection != "" {
		clauses = append(clauses, "collection = ?")
		args = append(args, f.Collection)
	}
	switch f.State {
	case storagemodels.StateActive:
		clauses = append(clauses, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, micros(now))
	case storagemodels.StateExpired:
		clauses = append(clauses, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, micros(now))
	}
	return strings.Join(clauses, " AND "), args
}

// orderBy renders sorts. Field names come from the storagemodels allow-list.
func orderBy(sorts []storagemodels.SortField) string {
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		if !storagemodels.IsSortable(s.Field) {
			continue
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		if s.Field == storagemodels.FieldExpiresAt {
			parts = append(parts, "(expires_at IS NULL) "+dir)
		}
		parts = append(parts, s.Field+" "+dir)
	}
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", ")
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func nullableMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
