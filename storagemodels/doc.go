/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

/*
Package storagemodels defines the data structures shared by the membership
store and its backends.

Key Types:

Association:
A membership between a person and a target inside a named collection:

	a := &Association{
	    Person:     Ref{Type: "user", ID: "42"},
	    Target:     Ref{Type: "order", ID: "7"},
	    Collection: "owner",
	}
	a.IsActive(time.Now())

QueryParams:
Parameters for listing memberships from a datastore:

	params := &QueryParams{
	    Filter: Filter{Target: &target, State: StateActive},
	    Now:    now,
	    Sort:   []SortField{{Field: FieldCreatedAt, Desc: true}},
	    Limit:  15,
	}

StreamOptions:
Configuration for streaming behavior:

	opts := []StreamOption{
	    WithBufferSize(100),
	    WithPageSize(25),
	    WithMaxRetries(3),
	    WithProgressHandler(progressFunc),
	}
*/
package storagemodels
