//go:build integration
// +build integration

/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemcachedGenerations(t *testing.T) {
	addr := os.Getenv("MEMBERSHIP_TEST_MEMCACHED_ADDR")
	if addr == "" {
		t.Skip("MEMBERSHIP_TEST_MEMCACHED_ADDR not set")
	}

	ctx := context.Background()
	prefix := "membership-test-" + time.Now().Format("150405.000")
	c := NewMemcached(NewMemcachedClient(addr), prefix, time.Minute)

	require.NoError(t, c.Set(ctx, "listing", []string{"a", "b"}, 0))

	var got []string
	found, err := c.Get(ctx, "listing", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, c.Invalidate(ctx))

	found, err = c.Get(ctx, "listing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
