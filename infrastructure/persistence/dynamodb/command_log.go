package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const (
	// DefaultFetchLimit bounds history replay payloads
	DefaultFetchLimit = 100

	// dedupTTL is how long command-id dedup markers are kept. Retried
	// commands arrive within seconds; a day is generous.
	dedupTTL = 24 * time.Hour
)

// CommandLog implements ports.CommandLog using DynamoDB
type CommandLog struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewCommandLog creates a new DynamoDB command log
func NewCommandLog(client *dynamodb.Client, tableName string, logger *zap.Logger) *CommandLog {
	return &CommandLog{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// commandItem represents the DynamoDB item structure for a log entry
type commandItem struct {
	PK        string `dynamodbav:"PK"` // CMDLOG#<graphID>
	SK        string `dynamodbav:"SK"` // CMD#<seq, zero padded>
	CommandID string `dynamodbav:"CommandID"`
	GraphID   string `dynamodbav:"GraphID"`
	UserID    string `dynamodbav:"UserID"`
	Type      string `dynamodbav:"Type"`
	Payload   string `dynamodbav:"Payload"`
	Timestamp string `dynamodbav:"Timestamp"`
	Seq       int64  `dynamodbav:"Seq"`
}

// dedupItem maps a client-assigned command id to its assigned sequence
type dedupItem struct {
	PK  string `dynamodbav:"PK"` // CMDLOG#<graphID>
	SK  string `dynamodbav:"SK"` // CMDID#<commandID>
	Seq int64  `dynamodbav:"Seq"`
	TTL int64  `dynamodbav:"TTL"`
}

func logPK(graphID string) string {
	return fmt.Sprintf("CMDLOG#%s", graphID)
}

// commandSK zero-pads the sequence so lexicographic SK order is
// numeric order
func commandSK(seq int64) string {
	return fmt.Sprintf("CMD#%020d", seq)
}

func dedupSK(commandID string) string {
	return fmt.Sprintf("CMDID#%s", commandID)
}

// Append persists a command and returns its authoritative sequence
func (l *CommandLog) Append(ctx context.Context, graphID string, cmd collab.Command) (int64, bool, error) {
	if cmd.ID != "" {
		if seq, found, err := l.lookupDedup(ctx, graphID, cmd.ID); err != nil {
			return 0, false, err
		} else if found {
			l.logger.Debug("Duplicate command absorbed",
				zap.String("graphID", graphID),
				zap.String("commandID", cmd.ID),
				zap.Int64("seq", seq),
			)
			return seq, true, nil
		}
	}

	seq, err := l.nextSeq(ctx, graphID)
	if err != nil {
		return 0, false, err
	}

	cmd.GraphID = graphID
	cmd.Seq = seq

	item, err := attributevalue.MarshalMap(commandItem{
		PK:        logPK(graphID),
		SK:        commandSK(seq),
		CommandID: cmd.ID,
		GraphID:   graphID,
		UserID:    cmd.UserID,
		Type:      string(cmd.Type),
		Payload:   string(cmd.Payload),
		Timestamp: cmd.Timestamp.Format(time.RFC3339Nano),
		Seq:       seq,
	})
	if err != nil {
		return 0, false, apperrors.NewPersistenceError("marshal command", err)
	}

	writes := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(l.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(SK)"),
			},
		},
	}

	if cmd.ID != "" {
		marker, err := attributevalue.MarshalMap(dedupItem{
			PK:  logPK(graphID),
			SK:  dedupSK(cmd.ID),
			Seq: seq,
			TTL: time.Now().Add(dedupTTL).Unix(),
		})
		if err != nil {
			return 0, false, apperrors.NewPersistenceError("marshal dedup marker", err)
		}
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(l.tableName),
				Item:                marker,
				ConditionExpression: aws.String("attribute_not_exists(SK)"),
			},
		})
	}

	_, err = l.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && cmd.ID != "" {
			// Another writer appended the same command id first
			if seq, found, derr := l.lookupDedup(ctx, graphID, cmd.ID); derr == nil && found {
				return seq, true, nil
			}
		}
		return 0, false, apperrors.NewPersistenceError("append command", err)
	}

	return seq, false, nil
}

// Fetch returns the most recent limit commands in ascending sequence order
func (l *CommandLog) Fetch(ctx context.Context, graphID string, limit int) ([]collab.Command, error) {
	if limit <= 0 || limit > DefaultFetchLimit {
		limit = DefaultFetchLimit
	}

	out, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: logPK(graphID)},
			":prefix": &types.AttributeValueMemberS{Value: "CMD#"},
		},
		ScanIndexForward: aws.Bool(false), // newest first, reversed below
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, apperrors.NewPersistenceError("query commands", err)
	}

	commands := make([]collab.Command, 0, len(out.Items))
	for _, item := range out.Items {
		var row commandItem
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, apperrors.NewPersistenceError("unmarshal command", err)
		}

		timestamp, err := time.Parse(time.RFC3339Nano, row.Timestamp)
		if err != nil {
			timestamp = time.Time{}
		}
		commands = append(commands, collab.Command{
			ID:        row.CommandID,
			GraphID:   row.GraphID,
			UserID:    row.UserID,
			Type:      collab.CommandType(row.Type),
			Payload:   []byte(row.Payload),
			Timestamp: timestamp,
			Seq:       row.Seq,
		})
	}

	sort.Slice(commands, func(i, j int) bool { return commands[i].Seq < commands[j].Seq })

	return commands, nil
}

// nextSeq atomically increments and returns the per-graph sequence
func (l *CommandLog) nextSeq(ctx context.Context, graphID string) (int64, error) {
	out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: logPK(graphID)},
			"SK": &types.AttributeValueMemberS{Value: "SEQ"},
		},
		UpdateExpression: aws.String("ADD SeqValue :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, apperrors.NewPersistenceError("increment sequence", err)
	}

	attr, ok := out.Attributes["SeqValue"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, apperrors.NewPersistenceError("increment sequence", errors.New("missing SeqValue attribute"))
	}

	seq, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0, apperrors.NewPersistenceError("increment sequence", err)
	}
	return seq, nil
}

func (l *CommandLog) lookupDedup(ctx context.Context, graphID, commandID string) (int64, bool, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: logPK(graphID)},
			"SK": &types.AttributeValueMemberS{Value: dedupSK(commandID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, apperrors.NewPersistenceError("get dedup marker", err)
	}
	if out.Item == nil {
		return 0, false, nil
	}

	var marker dedupItem
	if err := attributevalue.UnmarshalMap(out.Item, &marker); err != nil {
		return 0, false, apperrors.NewPersistenceError("unmarshal dedup marker", err)
	}
	return marker.Seq, true, nil
}
