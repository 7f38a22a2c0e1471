package dynamodb

import (
	"context"

	apperrors "casefile-backend/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GraphDirectory implements ports.GraphDirectory by reading the graph
// metadata row written by the external graph service.
type GraphDirectory struct {
	client    *dynamodb.Client
	tableName string
}

// NewGraphDirectory creates a new DynamoDB graph directory
func NewGraphDirectory(client *dynamodb.Client, tableName string) *GraphDirectory {
	return &GraphDirectory{
		client:    client,
		tableName: tableName,
	}
}

// Exists reports whether the graph metadata row is present
func (d *GraphDirectory) Exists(ctx context.Context, graphID string) (bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: graphPK(graphID)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, apperrors.NewPersistenceError("get graph metadata", err)
	}
	return out.Item != nil, nil
}
