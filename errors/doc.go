/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

/*
Package errors provides semantic error types for the membership library.

The package re-exports the cockroachdb/errors helpers (New, Wrap, Is, As,
WithHint, ...) and defines one sentinel per failure kind. Every typed error
implements Is so that errors.Is matches the sentinel through any amount of
wrapping.

Common Errors:

	var (
	    ErrUnknownCollection = errors.New("collection not allowed")
	    ErrInvalidPolicyMode = errors.New("invalid collection policy mode")
	    ErrAlreadyMember     = errors.New("membership already exists")
	    ErrNotFound          = errors.New("membership not found")
	    ErrExpiredInPast     = errors.New("expiry is not in the future")
	    ErrMissingCapability = errors.New("missing membership capability")
	)

Usage:

	_, err := store.Create(ctx, person, target, "owner", nil)
	if err != nil {
	    if errors.IsAlreadyMember(err) {
	        // the single-mode slot is taken
	    }
	    return err
	}
*/
package errors
