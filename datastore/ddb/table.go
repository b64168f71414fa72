/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/suparena/membership/errors"
)

// tableWaitTimeout bounds how long EnsureTable waits for a new table.
const tableWaitTimeout = 2 * time.Minute

// TableInput describes the membership table: PK/SK plus GSI1 on PK1/SK1,
// billed per request.
func TableInput(tableName string) *sdk.CreateTableInput {
	str := types.ScalarAttributeTypeS
	return &sdk.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: str},
			{AttributeName: aws.String("SK"), AttributeType: str},
			{AttributeName: aws.String("PK1"), AttributeType: str},
			{AttributeName: aws.String("SK1"), AttributeType: str},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(GSI1),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("PK1"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("SK1"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	}
}

// EnsureTable creates the table if it does not exist and waits until it is
// active.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, TableInput(s.tableName))
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return errors.Wrapf(err, "failed to create table %s", s.tableName)
		}
		s.logger.Debugw("Table already exists", "table", s.tableName)
	} else {
		s.logger.Infow("Created table", "table", s.tableName)
	}

	waiter := sdk.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &sdk.DescribeTableInput{TableName: aws.String(s.tableName)}, tableWaitTimeout); err != nil {
		return errors.Wrapf(err, "table %s did not become active", s.tableName)
	}
	return nil
}
