/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package datastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

var errTransient = errors.New("transient")

func records(n int) []storagemodels.Association {
	out := make([]storagemodels.Association, n)
	for i := range out {
		out[i].ID = fmt.Sprintf("%03d", i)
	}
	return out
}

func TestKeysetPage(t *testing.T) {
	all := records(5)

	page, next := KeysetPage(all, "", 2)
	assert.Equal(t, []string{"000", "001"}, idsOf(page))
	assert.Equal(t, "001", next)

	page, next = KeysetPage(all, next, 2)
	assert.Equal(t, []string{"002", "003"}, idsOf(page))

	page, next = KeysetPage(all, next, 2)
	assert.Equal(t, []string{"004"}, idsOf(page))
	assert.Empty(t, next)

	page, next = KeysetPage(all, "004", 2)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestPageStreamRetriesTransientErrors(t *testing.T) {
	all := records(3)
	calls := 0
	fetch := func(_ context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		calls++
		if calls == 1 {
			return nil, "", errTransient
		}
		page, next := KeysetPage(all, cursor, limit)
		return page, next, nil
	}

	items, err := Collect(PageStream(context.Background(), fetch,
		func(err error) bool { return errors.Is(err, errTransient) },
		storagemodels.WithPageSize(2),
		storagemodels.WithRetryBackoff(time.Millisecond),
	))
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 3, calls)
}

func TestPageStreamStopsOnPermanentError(t *testing.T) {
	fetch := func(context.Context, string, int) ([]storagemodels.Association, string, error) {
		return nil, "", errors.New("permission denied")
	}

	_, err := Collect(PageStream(context.Background(), fetch, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestPageStreamErrorHandlerContinues(t *testing.T) {
	all := records(2)
	failed := false
	fetch := func(_ context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		if !failed {
			failed = true
			return nil, "", errors.New("hiccup")
		}
		page, next := KeysetPage(all, cursor, limit)
		return page, next, nil
	}

	var seen []error
	items, err := Collect(PageStream(context.Background(), fetch, nil,
		storagemodels.WithErrorHandler(func(err error) bool {
			seen = append(seen, err)
			return true
		}),
	))
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Len(t, seen, 1)
}

func TestPageStreamHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(_ context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		return records(1), "more", nil
	}

	ch := PageStream(ctx, fetch, nil, storagemodels.WithBufferSize(0))
	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func idsOf(items []storagemodels.Association) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].ID
	}
	return out
}
