/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

/*
Package datastore defines the persistence contract of the membership store.

	type DataStore interface {
	    Insert(ctx, a, ex, now) (retired *Association, err error)
	    Get(ctx, key) (*Association, error)
	    UpdateExpiry(ctx, key, expiresAt, now) (*Association, error)
	    Delete(ctx, key) (*Association, error)
	    DeleteExpired(ctx, key, now) (*Association, error)
	    Query(ctx, params) ([]Association, error)
	    Count(ctx, params) (int64, error)
	    Stream(ctx, params, opts...) <-chan StreamResult
	}

Implementations:
  - mock: in-memory store guarded by one mutex, with error injection for tests
  - sqlite: database/sql over mattn/go-sqlite3, BEGIN IMMEDIATE transactions
  - pg: gorm over PostgreSQL, advisory transaction locks per exclusivity slot
  - ddb: DynamoDB, TransactWriteItems with a conditional slot item

Each implementation closes the check-then-insert race of Insert in its own
way; datastoretest.Run exercises every one of them against the same
behavioral suite.
*/
package datastore
