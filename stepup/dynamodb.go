package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	guarderrors "github.com/pbcex/adminguard/errors"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
//
// Table schema assumptions (created externally via Terraform/CloudFormation):
//   - Partition key: id (String)
//   - TTL attribute: ttl (Number, Unix timestamp), so abandoned sessions are reaped
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDBStore using the provided AWS configuration.
func NewDynamoDBStore(cfg aws.Config, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBStoreWithClient creates a DynamoDBStore with a custom client.
func newDynamoDBStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

type dynamoItem struct {
	ID          string            `dynamodbav:"id"`
	UserID      string            `dynamodbav:"user_id"`
	Action      string            `dynamodbav:"action"`
	Resource    string            `dynamodbav:"resource"`
	Context     map[string]string `dynamodbav:"context,omitempty"`
	Method      string            `dynamodbav:"method"`
	CreatedAt   string            `dynamodbav:"created_at"`
	ExpiresAt   string            `dynamodbav:"expires_at"`
	CompletedAt string            `dynamodbav:"completed_at,omitempty"`
	TTL         int64             `dynamodbav:"ttl"`
}

func sessionToItem(s *Session) *dynamoItem {
	item := &dynamoItem{
		ID:        s.ID,
		UserID:    s.UserID,
		Action:    s.Action,
		Resource:  s.Resource,
		Context:   s.Context,
		Method:    string(s.Method),
		CreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt: s.ExpiresAt.Format(time.RFC3339Nano),
		TTL:       s.ExpiresAt.Unix(),
	}
	if s.CompletedAt != nil {
		item.CompletedAt = s.CompletedAt.Format(time.RFC3339Nano)
	}
	return item
}

func itemToSession(item *dynamoItem) (*Session, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	s := &Session{
		ID:        item.ID,
		UserID:    item.UserID,
		Action:    item.Action,
		Resource:  item.Resource,
		Context:   item.Context,
		Method:    Method(item.Method),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if item.CompletedAt != "" {
		completedAt, err := time.Parse(time.RFC3339Nano, item.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		s.CompletedAt = &completedAt
	}
	return s, nil
}

func (d *DynamoDBStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

// Create stores a new session. Returns ErrSessionExists if ID already exists.
func (d *DynamoDBStore) Create(ctx context.Context, s *Session) error {
	return d.put(ctx, s, "attribute_not_exists(id)", ErrSessionExists)
}

// Update replaces an existing session. Returns ErrSessionNotFound if not exists.
func (d *DynamoDBStore) Update(ctx context.Context, s *Session) error {
	return d.put(ctx, s, "attribute_exists(id)", ErrSessionNotFound)
}

func (d *DynamoDBStore) put(ctx context.Context, s *Session, condition string, conditionErr error) error {
	av, err := attributevalue.MarshalMap(sessionToItem(s))
	if err != nil {
		return fmt.Errorf("marshal step-up session: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                av,
		ConditionExpression: aws.String(condition),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", s.ID, conditionErr)
		}
		return guarderrors.WrapDynamoDBError(err, d.tableName, "PutItem")
	}
	return nil
}

// Get retrieves a session by ID. Returns ErrSessionNotFound if not exists.
func (d *DynamoDBStore) Get(ctx context.Context, id string) (*Session, error) {
	output, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, guarderrors.WrapDynamoDBError(err, d.tableName, "GetItem")
	}
	if output.Item == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal step-up session: %w", err)
	}
	return itemToSession(&item)
}

// Delete removes a session. The delete is conditional on existence so that
// two concurrent redemptions of the same session cannot both succeed.
func (d *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.key(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
		}
		return guarderrors.WrapDynamoDBError(err, d.tableName, "DeleteItem")
	}
	return nil
}
