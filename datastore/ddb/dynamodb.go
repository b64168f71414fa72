/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/storagemodels"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *sdk.GetItemInput, optFns ...func(*sdk.Options)) (*sdk.GetItemOutput, error)
	PutItem(ctx context.Context, params *sdk.PutItemInput, optFns ...func(*sdk.Options)) (*sdk.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *sdk.UpdateItemInput, optFns ...func(*sdk.Options)) (*sdk.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *sdk.DeleteItemInput, optFns ...func(*sdk.Options)) (*sdk.DeleteItemOutput, error)
	Query(ctx context.Context, params *sdk.QueryInput, optFns ...func(*sdk.Options)) (*sdk.QueryOutput, error)
	Scan(ctx context.Context, params *sdk.ScanInput, optFns ...func(*sdk.Options)) (*sdk.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *sdk.TransactWriteItemsInput, optFns ...func(*sdk.Options)) (*sdk.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *sdk.CreateTableInput, optFns ...func(*sdk.Options)) (*sdk.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *sdk.DescribeTableInput, optFns ...func(*sdk.Options)) (*sdk.DescribeTableOutput, error)
}

// maxTransactAttempts bounds retries of a single-collection insert that lost
// a transaction conflict.
const maxTransactAttempts = 5

// transactBackoff is multiplied by the attempt number between retries.
const transactBackoff = 20 * time.Millisecond

// Store implements datastore.DataStore on a single DynamoDB table.
//
// Memberships live under their target's partition. Single collections keep a
// slot item in the same partition naming the current holder; an insert into
// such a collection writes the membership and the slot in one
// TransactWriteItems call, conditioned on the slot being unchanged and the
// previous holder being gone or expired.
type Store struct {
	client    API
	tableName string
	logger    *zap.SugaredLogger
}

var _ datastore.DataStore = (*Store)(nil)

// ClientConfig holds the connection settings of NewDynamoDBClient.
type ClientConfig struct {
	AccessKey string
	SecretKey string
	Region    string
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string
}

// NewDynamoDBClient initializes a DynamoDB client. Static credentials are
// used when both keys are set, the default chain otherwise.
func NewDynamoDBClient(ctx context.Context, cfg ClientConfig) (*sdk.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}

	return sdk.NewFromConfig(awsCfg, func(o *sdk.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// New wraps an existing client.
func New(client API, tableName string, l *zap.SugaredLogger) *Store {
	return &Store{client: client, tableName: tableName, logger: logger.Or(l).Named("dynamodb")}
}

// Open creates a client from cfg and makes sure the table exists.
func Open(ctx context.Context, cfg ClientConfig, tableName string, l *zap.SugaredLogger) (*Store, error) {
	client, err := NewDynamoDBClient(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create DynamoDB client")
	}
	s := New(client, tableName, l)
	if err := s.EnsureTable(ctx); err != nil {
		return nil, err
	}
	s.logger.Infow("DynamoDB store ready", "table", tableName, "region", cfg.Region)
	return s, nil
}

// Insert stores a, retiring an expired record with the same identity.
func (s *Store) Insert(ctx context.Context, a *storagemodels.Association, ex storagemodels.Exclusivity, now time.Time) (*storagemodels.Association, error) {
	now = storagemodels.Normalize(now)
	for attempt := 1; ; attempt++ {
		retired, err := s.insertOnce(ctx, a, ex, now)
		if err == nil || !isTransactionConflict(err) || attempt == maxTransactAttempts {
			return retired, err
		}
		s.logger.Debugw("Retrying conflicting insert", "key", a.Key().String(), "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * transactBackoff):
		}
	}
}

func (s *Store) insertOnce(ctx context.Context, a *storagemodels.Association, ex storagemodels.Exclusivity, now time.Time) (*storagemodels.Association, error) {
	key, err := memberKey(a.Key())
	if err != nil {
		return nil, err
	}
	av, err := marshalAssociation(a)
	if err != nil {
		return nil, err
	}

	existing, err := s.getItem(ctx, key)
	if err != nil {
		return nil, err
	}

	var retired *storagemodels.Association
	put := &types.Put{
		TableName: aws.String(s.tableName),
		Item:      av,
	}
	if existing != nil {
		if existing.IsActive(now) {
			return nil, errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
		}
		retired = existing
		put.ConditionExpression = aws.String("#id = :oldID AND #exp <= :now")
		put.ExpressionAttributeNames = map[string]string{"#id": "ID", "#exp": "ExpiresAt"}
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":oldID": &types.AttributeValueMemberS{Value: existing.ID},
			":now":   micros(now),
		}
	} else {
		put.ConditionExpression = aws.String("attribute_not_exists(PK)")
	}

	if ex != storagemodels.ExclusiveTarget {
		_, err = s.client.PutItem(ctx, &sdk.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeNames:  put.ExpressionAttributeNames,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
		if err != nil {
			if isConditionFailed(err) {
				return nil, errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
			}
			return nil, errors.Wrap(err, "PutItem failed")
		}
		return retired, nil
	}

	items, err := s.slotTransaction(ctx, a, put, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.TransactWriteItems(ctx, &sdk.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isConditionFailed(err) {
			return nil, errors.NewAlreadyMemberError(a.Collection, a.SlotLabel(ex))
		}
		return nil, errors.Wrap(err, "TransactWriteItems failed")
	}
	return retired, nil
}

// slotTransaction builds the writes that claim the slot of a's collection.
func (s *Store) slotTransaction(ctx context.Context, a *storagemodels.Association, put *types.Put, now time.Time) ([]types.TransactWriteItem, error) {
	sKey, err := slotKey(a.Key())
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &sdk.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            sKey,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "GetItem error")
	}

	var current *slotItem
	if len(out.Item) > 0 {
		current = &slotItem{}
		if err := attributevalue.UnmarshalMap(out.Item, current); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal slot")
		}
	}

	memberSK := stringValue(put.Item, "SK")
	next := slotItem{
		PK:         stringValue(sKey, "PK"),
		SK:         stringValue(sKey, "SK"),
		EntityType: EntityTypeSlot,
		Holder:     memberSK,
		HolderID:   a.ID,
		Version:    1,
	}
	slotPut := &types.Put{TableName: aws.String(s.tableName)}
	if current == nil {
		slotPut.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		next.Version = current.Version + 1
		slotPut.ConditionExpression = aws.String("#ver = :v")
		slotPut.ExpressionAttributeNames = map[string]string{"#ver": "Version"}
		slotPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		}
	}
	slotPut.Item, err = attributevalue.MarshalMap(next)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal slot")
	}

	items := []types.TransactWriteItem{{Put: put}, {Put: slotPut}}

	// The identity put already conditions on its own previous record.
	if current != nil && current.Holder != memberSK {
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: current.PK},
					"SK": &types.AttributeValueMemberS{Value: current.Holder},
				},
				ConditionExpression:       aws.String("attribute_not_exists(PK) OR #exp <= :now"),
				ExpressionAttributeNames:  map[string]string{"#exp": "ExpiresAt"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":now": micros(now)},
			},
		})
	}
	return items, nil
}

// Get retrieves a membership by identity
func (s *Store) Get(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	k, err := memberKey(key)
	if err != nil {
		return nil, err
	}
	a, err := s.getItem(ctx, k)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.NewNotFoundError(key.String())
	}
	return a, nil
}

func (s *Store) getItem(ctx context.Context, key map[string]types.AttributeValue) (*storagemodels.Association, error) {
	out, err := s.client.GetItem(ctx, &sdk.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "GetItem error")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalAssociation(out.Item)
}

// UpdateExpiry sets the expiry of an existing membership
func (s *Store) UpdateExpiry(ctx context.Context, key storagemodels.Key, expiresAt *time.Time, now time.Time) (*storagemodels.Association, error) {
	k, err := memberKey(key)
	if err != nil {
		return nil, err
	}

	input := &sdk.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      k,
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#upd": "UpdatedAt", "#exp": "ExpiresAt"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":upd": micros(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	}
	if expiresAt != nil {
		input.UpdateExpression = aws.String("SET #upd = :upd, #exp = :exp")
		input.ExpressionAttributeValues[":exp"] = micros(*expiresAt)
	} else {
		input.UpdateExpression = aws.String("SET #upd = :upd REMOVE #exp")
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			return nil, errors.NewNotFoundError(key.String())
		}
		return nil, errors.Wrap(err, "UpdateItem failed")
	}
	return unmarshalAssociation(out.Attributes)
}

// Delete removes a membership regardless of expiry
func (s *Store) Delete(ctx context.Context, key storagemodels.Key) (*storagemodels.Association, error) {
	k, err := memberKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.DeleteItem(ctx, &sdk.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 k,
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ReturnValues:        types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, errors.NewNotFoundError(key.String())
		}
		return nil, errors.Wrap(err, "failed to delete item in DynamoDB")
	}
	return unmarshalAssociation(out.Attributes)
}

// DeleteExpired removes a membership only if it is expired at now
func (s *Store) DeleteExpired(ctx context.Context, key storagemodels.Key, now time.Time) (*storagemodels.Association, error) {
	k, err := memberKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.DeleteItem(ctx, &sdk.DeleteItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 k,
		ConditionExpression:                 aws.String("attribute_exists(PK) AND #exp <= :now"),
		ExpressionAttributeNames:            map[string]string{"#exp": "ExpiresAt"},
		ExpressionAttributeValues:           map[string]types.AttributeValue{":now": micros(now)},
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			if len(cfe.Item) == 0 {
				return nil, errors.NewNotFoundError(key.String())
			}
			return nil, errors.NewConditionFailedError("delete", "membership is not expired")
		}
		return nil, errors.Wrap(err, "failed to delete item in DynamoDB")
	}
	return unmarshalAssociation(out.Attributes)
}

func micros(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(toMicros(t), 10)}
}
