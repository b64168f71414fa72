/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package datastore

import (
	"context"
	"time"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

// PageFunc fetches up to limit records after cursor. It returns the cursor
// of the following page, or "" when there is none.
type PageFunc func(ctx context.Context, cursor string, limit int) (items []storagemodels.Association, next string, err error)

// RetryableFunc reports whether a page fetch error is transient.
type RetryableFunc func(error) bool

// PageStream runs fetch until it reports no further page, delivering each
// record on the returned channel. Transient errors are retried with linear
// backoff; other errors end the stream unless options.ErrorHandler asks to
// continue.
func PageStream(ctx context.Context, fetch PageFunc, retryable RetryableFunc, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult {
	options := storagemodels.ApplyStreamOptions(opts...)
	if options.PageSize <= 0 {
		options.PageSize = storagemodels.DefaultStreamOptions().PageSize
	}

	resultCh := make(chan storagemodels.StreamResult, options.BufferSize)
	go streamWorker(ctx, fetch, retryable, options, resultCh)
	return resultCh
}

func streamWorker(
	ctx context.Context,
	fetch PageFunc,
	retryable RetryableFunc,
	options storagemodels.StreamOptions,
	resultCh chan<- storagemodels.StreamResult,
) {
	defer close(resultCh)

	var itemIndex int64
	var pageNumber int
	var lastID string
	var failures []error
	startTime := time.Now()

	reportProgress := func() {
		if options.ProgressHandler == nil {
			return
		}
		progress := storagemodels.StreamProgress{
			ItemsProcessed: itemIndex,
			PagesProcessed: pageNumber,
			LastID:         lastID,
			Errors:         failures,
			StartTime:      startTime,
		}
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			progress.CurrentRate = float64(itemIndex) / elapsed
		}
		options.ProgressHandler(progress)
	}

	cursor := ""
	for {
		if ctx.Err() != nil {
			return
		}

		items, next, err := fetchWithRetry(ctx, fetch, retryable, cursor, options)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if options.ErrorHandler == nil || !options.ErrorHandler(err) {
				select {
				case resultCh <- storagemodels.StreamResult{
					Error: errors.Wrap(err, "stream page failed"),
					Meta: storagemodels.StreamMeta{
						Index:      itemIndex,
						PageNumber: pageNumber,
						Timestamp:  time.Now(),
					},
				}:
				case <-ctx.Done():
				}
				return
			}
			// The same page is requested again on the next iteration.
			failures = append(failures, err)
			continue
		}

		pageNumber++
		for _, item := range items {
			result := storagemodels.StreamResult{
				Item: item,
				Meta: storagemodels.StreamMeta{
					Index:      itemIndex,
					PageNumber: pageNumber,
					Timestamp:  time.Now(),
				},
			}
			select {
			case <-ctx.Done():
				return
			case resultCh <- result:
			}
			itemIndex++
			lastID = item.ID
		}

		reportProgress()

		if next == "" {
			return
		}
		cursor = next
	}
}

func fetchWithRetry(
	ctx context.Context,
	fetch PageFunc,
	retryable RetryableFunc,
	cursor string,
	options storagemodels.StreamOptions,
) ([]storagemodels.Association, string, error) {
	var lastErr error

	for attempt := 0; attempt <= options.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		items, next, err := fetch(ctx, cursor, options.PageSize)
		if err == nil {
			return items, next, nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) {
			return nil, "", err
		}

		if attempt < options.MaxRetries {
			backoff := time.Duration(attempt+1) * options.RetryBackoff
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, "", errors.Wrapf(lastErr, "page fetch failed after %d retries", options.MaxRetries)
}

// Collect drains a stream into a slice, stopping at the first error.
func Collect(ch <-chan storagemodels.StreamResult) ([]storagemodels.Association, error) {
	var out []storagemodels.Association
	var firstErr error
	for r := range ch {
		if r.Error != nil {
			if firstErr == nil {
				firstErr = r.Error
			}
			continue
		}
		if firstErr == nil {
			out = append(out, r.Item)
		}
	}
	return out, firstErr
}

// KeysetPage windows items sorted by ID ascending to those after cursor and
// returns the next cursor. Backends that hold their records in memory use it
// to implement PageFunc.
func KeysetPage(sorted []storagemodels.Association, cursor string, limit int) ([]storagemodels.Association, string) {
	start := 0
	if cursor != "" {
		for start < len(sorted) && sorted[start].ID <= cursor {
			start++
		}
	}
	end := len(sorted)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := sorted[start:end]
	if end == len(sorted) || len(page) == 0 {
		return page, ""
	}
	return page, page[len(page)-1].ID
}
