//go:build integration
// +build integration

/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package pg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/datastore/datastoretest"
)

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("MEMBERSHIP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMBERSHIP_TEST_POSTGRES_DSN not set")
	}

	store, err := Open(dsn, nil)
	require.NoError(t, err)
	defer store.Close()

	datastoretest.Run(t, func(t *testing.T) datastore.DataStore {
		require.NoError(t, store.db.Exec("TRUNCATE memberships").Error)
		return store
	}, datastoretest.Options{Concurrency: 16})
}
