/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

/*
Package ddb provides a DynamoDB implementation of the DataStore interface.

Memberships share one table with a single-table layout. Keys are expanded
from macros over the identity columns:

	PK  = "TARGET#{TargetType}#{TargetID}"
	SK  = "MEMBER#{Collection}#{PersonType}#{PersonID}"
	PK1 = "PERSON#{PersonType}#{PersonID}"          (GSI1)
	SK1 = "TARGET#{TargetType}#{TargetID}#{Collection}"

Single collections additionally keep a slot item at
SK = "SLOT#{Collection}" recording the holding membership and a version.
Inserts into those collections are one TransactWriteItems call.

Listings query the target partition or GSI1 when the filter names a target
or a person and scan otherwise. Expiry is evaluated client side with
Filter.Matches, so key prefixes never need to be exact.

Streaming uses datastore.PageStream with the LastEvaluatedKey as cursor:

	results := store.Stream(ctx, params,
	    storagemodels.WithPageSize(25),
	    storagemodels.WithMaxRetries(3),
	)
*/
package ddb
