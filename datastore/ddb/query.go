/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

// page is one round trip of Query or Scan.
type page struct {
	items   []map[string]types.AttributeValue
	lastKey map[string]types.AttributeValue
}

// pager fetches the page starting after startKey.
type pager func(ctx context.Context, startKey map[string]types.AttributeValue, limit int32) (*page, error)

// pagerFor picks the cheapest access path for f: the target partition, the
// person index, or a scan of every membership item. Expiry and any remaining
// equality constraints are applied by the caller with Filter.Matches.
func (s *Store) pagerFor(f storagemodels.Filter) pager {
	switch {
	case f.Target != nil:
		prefix := "MEMBER#"
		if f.Collection != "" {
			prefix += f.Collection + "#"
		}
		expanded, _ := expandMacros(membershipIndexMap, keyFields{TargetType: f.Target.Type, TargetID: f.Target.ID})
		return s.queryPager(&sdk.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: expanded["PK"]},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
		})

	case f.Person != nil:
		expanded, _ := expandMacros(membershipIndexMap, keyFields{PersonType: f.Person.Type, PersonID: f.Person.ID})
		return s.queryPager(&sdk.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(GSI1),
			KeyConditionExpression: aws.String("PK1 = :pk1"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk1": &types.AttributeValueMemberS{Value: expanded["PK1"]},
			},
		})
	}

	return func(ctx context.Context, startKey map[string]types.AttributeValue, limit int32) (*page, error) {
		input := &sdk.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String("EntityType = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":et": &types.AttributeValueMemberS{Value: EntityTypeMembership}},
			ExclusiveStartKey:         startKey,
		}
		if limit > 0 {
			input.Limit = aws.Int32(limit)
		}
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, errors.Wrap(err, "Scan error")
		}
		return &page{items: out.Items, lastKey: out.LastEvaluatedKey}, nil
	}
}

func (s *Store) queryPager(base *sdk.QueryInput) pager {
	return func(ctx context.Context, startKey map[string]types.AttributeValue, limit int32) (*page, error) {
		input := *base
		input.ExclusiveStartKey = startKey
		if limit > 0 {
			input.Limit = aws.Int32(limit)
		}
		out, err := s.client.Query(ctx, &input)
		if err != nil {
			return nil, errors.Wrap(err, "Query error")
		}
		return &page{items: out.Items, lastKey: out.LastEvaluatedKey}, nil
	}
}

// matching loads every record passing params.Filter.
func (s *Store) matching(ctx context.Context, params *storagemodels.QueryParams) ([]storagemodels.Association, error) {
	fetch := s.pagerFor(params.Filter)
	var out []storagemodels.Association
	var startKey map[string]types.AttributeValue
	for {
		p, err := fetch(ctx, startKey, 0)
		if err != nil {
			return nil, err
		}
		items, err := unmarshalAssociations(p.items)
		if err != nil {
			return nil, err
		}
		for i := range items {
			if params.Filter.Matches(&items[i], params.Now) {
				out = append(out, items[i])
			}
		}
		if len(p.lastKey) == 0 {
			return out, nil
		}
		startKey = p.lastKey
	}
}

// Query lists memberships matching params. Ordering and windowing happen
// after the matching items are loaded.
func (s *Store) Query(ctx context.Context, params *storagemodels.QueryParams) ([]storagemodels.Association, error) {
	items, err := s.matching(ctx, params)
	if err != nil {
		return nil, err
	}
	storagemodels.SortAssociations(items, params.SortKeys())
	return storagemodels.ApplyWindow(items, params.Offset, params.Limit), nil
}

// Count returns the number of memberships matching params.Filter
func (s *Store) Count(ctx context.Context, params *storagemodels.QueryParams) (int64, error) {
	items, err := s.matching(ctx, params)
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

// Stream pages through the matching memberships in table order. The cursor
// carries the LastEvaluatedKey of the previous page.
func (s *Store) Stream(ctx context.Context, params *storagemodels.QueryParams, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult {
	fetch := s.pagerFor(params.Filter)

	pageFn := func(ctx context.Context, cursor string, limit int) ([]storagemodels.Association, string, error) {
		startKey, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		p, err := fetch(ctx, startKey, int32(limit))
		if err != nil {
			return nil, "", err
		}
		items, err := unmarshalAssociations(p.items)
		if err != nil {
			return nil, "", err
		}
		kept := items[:0]
		for i := range items {
			if params.Filter.Matches(&items[i], params.Now) {
				kept = append(kept, items[i])
			}
		}
		next, err := encodeCursor(p.lastKey)
		if err != nil {
			return nil, "", err
		}
		return kept, next, nil
	}

	return datastore.PageStream(ctx, pageFn, isRetryableError, opts...)
}

func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	plain := make(map[string]string, len(key))
	for name, v := range key {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", errors.Newf("unexpected non-string key attribute %q", name)
		}
		plain[name] = s.Value
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode cursor")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errors.Wrap(err, "invalid cursor")
	}
	var plain map[string]string
	if err := json.Unmarshal(b, &plain); err != nil {
		return nil, errors.Wrap(err, "invalid cursor")
	}
	key := make(map[string]types.AttributeValue, len(plain))
	for name, v := range plain {
		key[name] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}
