/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package pg implements datastore.DataStore on PostgreSQL through gorm.
// Insert serializes writers per exclusivity slot with a transaction scoped
// advisory lock keyed by the slot's xxh3 hash.
package pg

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/storagemodels"
)

// Store is the PostgreSQL membership store.
type Store struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

var _ datastore.DataStore = (*Store)(nil)

// NewPostgres opens a gorm connection to dsn.
func NewPostgres(dsn string) (*gorm.DB, error) {
	gormLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger,
		NowFunc:        func() time.Time { return storagemodels.Normalize(time.Now()) },
	})
	return db, errors.Wrap(err, "opening postgres")
}

// Migrate creates or updates the memberships table.
func Migrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&Membership{}), "migrating memberships")
}

// New wraps an open gorm connection.
func New(db *gorm.DB, l *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger.Or(l).Named("pg")}
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, l *zap.SugaredLogger) (*Store, error) {
	db, err := NewPostgres(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return New(db, l), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LockKey maps a slot key to an advisory lock id.
func LockKey(slot string) int64 {
	return int64(xxh3.HashString(slot))
}

// Insert takes the slot's advisory lock, checks the slot and writes a.
func (s *Store) Insert(ctx context.Context, a *storagemodels.Association, ex storagemodels.Exclusivity, now time.Time) (*storagemodels.Association, error) {
	var retired *storagemodels.Association

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		retired = nil

		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", LockKey(a.SlotKey(ex))).Error; err != nil {
			return errors.Wrap(err, "acquiring slot lock")
		}

		var holders []Membership
		err := tx.Scopes(slotScope(a, ex), activeScope(now)).Limit(1).Find(&holders).Error
		if err != nil {
			return errors.Wrap(err, "checking exclusivity slot")
		}
		if len(holders) > 0 {
			return errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
		}

		var existing Membership
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(identityScope(a.Key())).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "reading membership")
		}
		if err == nil {
			if err := tx.Delete(&Membership{}, "id = ?", existing.ID).Error; err != nil {
				return errors.Wrap(err, "retiring expired membership")
			}
			retired = existing.toAssociation()
		}

		err = tx.Create(fromAssociation(a)).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
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
	var m Membership
	err := s.db.WithContext(ctx).Scopes(identityScope(key)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFoundError(key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading membership")
	}
	return m.toAssociation(), nil
}

// UpdateExpiry locks the record and rewrites its expiry.
func (s *Store) UpdateExpiry(ctx context.Context, key storagemodels.Key, expiresAt *time.Time, now time.Time) (*storagemodels.Association, error) {
	var updated *storagemodels.Association
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := lockRecord(tx, key)
		if err != nil {
			return err
		}
		m.ExpiresAt = storagemodels.NormalizePtr(expiresAt)
		m.UpdatedAt = now
		err = tx.Model(&Membership{}).Where("id = ?", m.ID).Updates(map[string]any{
			"expires_at": m.ExpiresAt,
			"updated_at": m.UpdatedAt,
		}).Error
		if err != nil {
			return errors.Wrap(err, "updating expiry")
		}
		updated = m.toAssociation()
		return nil
	})
	return updated, err
}

// Delete removes a membership regardless of expiry
func (s *Store) Delete(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	return s.deleteLocked(ctx, key, nil)
}

// DeleteExpired removes a membership only if it is expired at now
func (s *Store) DeleteExpired(ctx context.Context, key storagemodels.Key, now time.Time) (*storagemodels.Association, error) {
	return s.deleteLocked(ctx, key, &now)
}

func (s *Store) deleteLocked(ctx context.Context, key storagemodels.Key, expiredAt *time.Time) (*storagemodels.Association, error) {
	var removed *storagemodels.Association
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := lockRecord(tx, key)
		if err != nil {
			return err
		}
		a := m.toAssociation()
		if expiredAt != nil && a.IsActive(*expiredAt) {
			return errors.NewConditionFailedError("delete", "membership is not expired")
		}
		if err := tx.Delete(&Membership{}, "id = ?", m.ID).Error; err != nil {
			return errors.Wrap(err, "deleting membership")
		}
		removed = a
		return nil
	})
	return removed, err
}

// Query lists memberships matching params
func (s *Store) Query(ctx context.Context, params *storagemodels.QueryParams) ([]storagemodels.Association, error) {
	q := s.db.WithContext(ctx).Scopes(filterScope(params.Filter, params.Now))
	for _, sort := range params.SortKeys() {
		if !storagemodels.IsSortable(sort.Field) {
			continue
		}
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: sort.Field}, Desc: sort.Desc})
	}
	q = q.Order("id")
	if params.Limit > 0 {
		q = q.Limit(params.Limit)
	}
	if params.Offset > 0 {
		q = q.Offset(params.Offset)
	}

	var rows []Membership
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "querying memberships")
	}
	return toAssociations(rows), nil
}

// Count returns the number of memberships matching params.Filter
func (s *Store) Count(ctx context.Context, params *storagemodels.QueryParams) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Membership{}).Scopes(filterScope(params.Filter, params.Now)).Count(&n).Error
	return n, errors.Wrap(err, "counting memberships")
}

// Stream pages through matching memberships in ID order
func (s *Store) Stream(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult {
	fetch := func(ctx context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		var rows []Membership
		err := s.db.WithContext(ctx).
			Scopes(filterScope(params.Filter, params.Now)).
			Where("id > ?", cursor).
			Order("id").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return nil, "", errors.Wrap(err, "streaming memberships")
		}
		items := toAssociations(rows)
		if len(items) < limit {
			return items, "", nil
		}
		return items, items[len(items)-1].ID, nil
	}
	return datastore.PageStream(ctx, fetch, isRetryable, opts...)
}

func lockRecord(tx *gorm.DB, key storagemodels.Key) (*Membership, error) {
	var m Membership
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Scopes(identityScope(key)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFoundError(key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading membership")
	}
	return &m, nil
}

func identityScope(key storagemodels.Key) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(&Membership{
			PersonType: key.Person.Type,
			PersonID:   key.Person.ID,
			TargetType: key.Target.Type,
			TargetID:   key.Target.ID,
			Collection: key.Collection,
		})
	}
}

func slotScope(a *storagemodels.Association, ex storagemodels.Exclusivity) func(*gorm.DB) *gorm.DB {
	if ex == storagemodels.ExclusiveTarget {
		return func(db *gorm.DB) *gorm.DB {
			return db.Where("target_type = ? AND target_id = ? AND collection = ?", a.Target.Type, a.Target.ID, a.Collection)
		}
	}
	return identityScope(a.Key())
}

func activeScope(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("(expires_at IS NULL OR expires_at > ?)", now)
	}
}

func filterScope(f storagemodels.Filter, now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Person != nil {
			db = db.Where("person_type = ? AND person_id = ?", f.Person.Type, f.Person.ID)
		}
		if f.Target != nil {
			db = db.Where("target_type = ? AND target_id = ?", f.Target.Type, f.Target.ID)
		}
		if f.Collection != "" {
			db = db.Where("collection = ?", f.Collection)
		}
		switch f.State {
		case storagemodels.StateActive:
			db = db.Scopes(activeScope(now))
		case storagemodels.StateExpired:
			db = db.Where("expires_at IS NOT NULL AND expires_at <= ?", now)
		}
		return db
	}
}

func toAssociations(rows []Membership) []storagemodels.Association {
	items := make([]storagemodels.Association, len(rows))
	for i := range rows {
		items[i] = *rows[i].toAssociation()
	}
	return items
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
