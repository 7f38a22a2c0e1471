// Package dynamodb implements the durable stores on a single DynamoDB
// table. Key layout:
//
//	GRAPH#<graphID>  / METADATA        graph metadata row, owned by the
//	                                   external graph service
//	GRAPH#<graphID>  / MEMBER#<userID> membership row
//	CMDLOG#<graphID> / SEQ             per-graph sequence counter
//	CMDLOG#<graphID> / CMD#<seq>       command log entry
//	CMDLOG#<graphID> / CMDID#<id>      dedup marker for a command id
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// MembershipStore implements ports.MembershipStore using DynamoDB
type MembershipStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewMembershipStore creates a new DynamoDB membership store
func NewMembershipStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *MembershipStore {
	return &MembershipStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// membershipItem represents the DynamoDB item structure for a membership
type membershipItem struct {
	PK         string `dynamodbav:"PK"` // GRAPH#<graphID>
	SK         string `dynamodbav:"SK"` // MEMBER#<userID>
	EntityType string `dynamodbav:"EntityType"`
	GraphID    string `dynamodbav:"GraphID"`
	UserID     string `dynamodbav:"UserID"`
	Role       string `dynamodbav:"Role"`
	JoinedAt   string `dynamodbav:"JoinedAt"` // RFC3339Nano
}

func graphPK(graphID string) string {
	return fmt.Sprintf("GRAPH#%s", graphID)
}

func memberSK(userID string) string {
	return fmt.Sprintf("MEMBER#%s", userID)
}

// EnsureMembership creates a membership if admission rules allow it.
//
// All membership writes for one graph flow through the coordinator's
// serialized event loop, so there is never a concurrent first-join race
// to create two leaders for the same graph.
func (s *MembershipStore) EnsureMembership(ctx context.Context, graphID, userID string, invited bool) (bool, collab.Role, error) {
	existing, err := s.getMember(ctx, graphID, userID)
	if err != nil {
		return false, "", err
	}
	if existing != nil {
		return false, existing.Role, nil
	}

	count, err := s.memberCount(ctx, graphID)
	if err != nil {
		return false, "", err
	}

	role := collab.RoleMember
	if count == 0 {
		role = collab.RoleLeader
	} else if !invited {
		return false, "", apperrors.NewNotAMemberError(graphID)
	}

	item, err := attributevalue.MarshalMap(membershipItem{
		PK:         graphPK(graphID),
		SK:         memberSK(userID),
		EntityType: "Membership",
		GraphID:    graphID,
		UserID:     userID,
		Role:       string(role),
		JoinedAt:   time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, "", apperrors.NewPersistenceError("marshal membership", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Lost a race with another coordinator instance; re-read
			existing, err := s.getMember(ctx, graphID, userID)
			if err != nil {
				return false, "", err
			}
			if existing != nil {
				return false, existing.Role, nil
			}
		}
		return false, "", apperrors.NewPersistenceError("put membership", err)
	}

	s.logger.Info("Membership created",
		zap.String("graphID", graphID),
		zap.String("userID", userID),
		zap.String("role", string(role)),
	)

	return true, role, nil
}

// Promote atomically flips the leader role from one member to another.
// Both updates succeed or neither does; the transaction conditions keep
// the single-leader invariant even if the pre-reads were stale.
func (s *MembershipStore) Promote(ctx context.Context, graphID, fromLeaderID, toUserID string) error {
	from, err := s.getMember(ctx, graphID, fromLeaderID)
	if err != nil {
		return err
	}
	if from == nil || from.Role != collab.RoleLeader {
		return apperrors.NewNotLeaderError(graphID)
	}

	to, err := s.getMember(ctx, graphID, toUserID)
	if err != nil {
		return err
	}
	if to == nil {
		return apperrors.NewNoSuchMemberError(toUserID)
	}

	if fromLeaderID == toUserID {
		return nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: graphPK(graphID)},
						"SK": &types.AttributeValueMemberS{Value: memberSK(fromLeaderID)},
					},
					UpdateExpression:    aws.String("SET #role = :member"),
					ConditionExpression: aws.String("#role = :leader"),
					ExpressionAttributeNames: map[string]string{
						"#role": "Role",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":member": &types.AttributeValueMemberS{Value: string(collab.RoleMember)},
						":leader": &types.AttributeValueMemberS{Value: string(collab.RoleLeader)},
					},
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: graphPK(graphID)},
						"SK": &types.AttributeValueMemberS{Value: memberSK(toUserID)},
					},
					UpdateExpression:    aws.String("SET #role = :leader"),
					ConditionExpression: aws.String("attribute_exists(SK)"),
					ExpressionAttributeNames: map[string]string{
						"#role": "Role",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":leader": &types.AttributeValueMemberS{Value: string(collab.RoleLeader)},
					},
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return apperrors.NewConflictError("leadership changed concurrently").WithCause(err)
		}
		return apperrors.NewPersistenceError("promote membership", err)
	}

	s.logger.Info("Leadership transferred",
		zap.String("graphID", graphID),
		zap.String("from", fromLeaderID),
		zap.String("to", toUserID),
	)

	return nil
}

// Remove deletes a membership row
func (s *MembershipStore) Remove(ctx context.Context, graphID, userID string) (bool, int, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: graphPK(graphID)},
			"SK": &types.AttributeValueMemberS{Value: memberSK(userID)},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, 0, apperrors.NewPersistenceError("delete membership", err)
	}

	if len(out.Attributes) == 0 {
		remaining, countErr := s.memberCount(ctx, graphID)
		if countErr != nil {
			remaining = 0
		}
		return false, remaining, apperrors.NewNoSuchMemberError(userID)
	}

	var removed membershipItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &removed); err != nil {
		return false, 0, apperrors.NewPersistenceError("unmarshal membership", err)
	}

	remaining, err := s.memberCount(ctx, graphID)
	if err != nil {
		return false, 0, err
	}

	return removed.Role == string(collab.RoleLeader), remaining, nil
}

// ListMembers returns all members of a graph ordered by join time
func (s *MembershipStore) ListMembers(ctx context.Context, graphID string) ([]collab.Member, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: graphPK(graphID)},
			":prefix": &types.AttributeValueMemberS{Value: "MEMBER#"},
		},
	}

	var members []collab.Member
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, apperrors.NewPersistenceError("query members", err)
		}

		for _, item := range result.Items {
			var row membershipItem
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, apperrors.NewPersistenceError("unmarshal membership", err)
			}

			joinedAt, err := time.Parse(time.RFC3339Nano, row.JoinedAt)
			if err != nil {
				joinedAt = time.Time{}
			}
			members = append(members, collab.Member{
				UserID:   row.UserID,
				Role:     collab.Role(row.Role),
				JoinedAt: joinedAt,
			})
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	return members, nil
}

func (s *MembershipStore) getMember(ctx context.Context, graphID, userID string) (*collab.Member, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: graphPK(graphID)},
			"SK": &types.AttributeValueMemberS{Value: memberSK(userID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperrors.NewPersistenceError("get membership", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var row membershipItem
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, apperrors.NewPersistenceError("unmarshal membership", err)
	}

	joinedAt, err := time.Parse(time.RFC3339Nano, row.JoinedAt)
	if err != nil {
		joinedAt = time.Time{}
	}
	return &collab.Member{
		UserID:   row.UserID,
		Role:     collab.Role(row.Role),
		JoinedAt: joinedAt,
	}, nil
}

func (s *MembershipStore) memberCount(ctx context.Context, graphID string) (int, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: graphPK(graphID)},
			":prefix": &types.AttributeValueMemberS{Value: "MEMBER#"},
		},
		Select:         types.SelectCount,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, apperrors.NewPersistenceError("count members", err)
	}
	return int(out.Count), nil
}
