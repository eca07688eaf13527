package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/policy"
)

// GSI name constants for DynamoDB Global Secondary Indexes.
// These indexes are created externally via Terraform/CloudFormation and all
// use created_at as the sort key.
const (
	// GSIStatus indexes requests by status.
	GSIStatus = "gsi-status"
	// GSIRequester indexes requests by requester user ID.
	GSIRequester = "gsi-requester"
	// GSIResourceType indexes requests by resource type.
	GSIResourceType = "gsi-resource-type"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface enables testing with mock implementations.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
// It provides CRUD operations for approval requests with optimistic locking.
//
// Table schema assumptions (created externally via Terraform/CloudFormation):
//   - Partition key: id (String)
//   - GSIs: gsi-status (status), gsi-requester (requester_id),
//     gsi-resource-type (resource_type), each sorted by created_at
//
// Requests are kept for audit, so no TTL attribute is written.
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
// This is primarily used for testing with mock clients.
func newDynamoDBStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

type dynamoActor struct {
	UserID string   `dynamodbav:"user_id"`
	Email  string   `dynamodbav:"email,omitempty"`
	Roles  []string `dynamodbav:"roles,omitempty"`
}

type dynamoAuditEntry struct {
	Event     string `dynamodbav:"event"`
	Timestamp string `dynamodbav:"timestamp"`
	Actor     string `dynamodbav:"actor"`
	Details   string `dynamodbav:"details,omitempty"`
}

// dynamoItem represents the DynamoDB item structure for a Request.
// Times are fixed-width UTC strings (timeLayout) so created_at sorts
// lexically in the GSIs.
type dynamoItem struct {
	ID             string             `dynamodbav:"id"`
	Action         string             `dynamodbav:"action"`
	ResourceType   string             `dynamodbav:"resource_type"`
	ResourceID     string             `dynamodbav:"resource_id"`
	ResourceName   string             `dynamodbav:"resource_name,omitempty"`
	RequesterID    string             `dynamodbav:"requester_id"`
	Requester      dynamoActor        `dynamodbav:"requester"`
	Approver       *dynamoActor       `dynamodbav:"approver,omitempty"`
	Status         string             `dynamodbav:"status"`
	Reason         string             `dynamodbav:"reason,omitempty"`
	RequestData    string             `dynamodbav:"request_data,omitempty"` // JSON
	CreatedAt      string             `dynamodbav:"created_at"`
	UpdatedAt      string             `dynamodbav:"updated_at"`
	ExpiresAt      string             `dynamodbav:"expires_at"`
	ProcessedAt    string             `dynamodbav:"processed_at,omitempty"`
	ConsumedAt     string             `dynamodbav:"consumed_at,omitempty"`
	RequiredRole   string             `dynamodbav:"required_role"`
	RequiresStepUp bool               `dynamodbav:"requires_step_up"`
	AuditTrail     []dynamoAuditEntry `dynamodbav:"audit_trail"`
}

// timeLayout is RFC 3339 with exactly nine fractional digits.
// time.RFC3339Nano trims trailing zeros, which breaks string ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &t, nil
}

func toDynamoActor(a Actor) dynamoActor {
	roles := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		roles[i] = string(r)
	}
	return dynamoActor{UserID: a.UserID, Email: a.Email, Roles: roles}
}

func fromDynamoActor(a dynamoActor) Actor {
	roles := make([]policy.Role, len(a.Roles))
	for i, r := range a.Roles {
		roles[i] = policy.Role(r)
	}
	return Actor{UserID: a.UserID, Email: a.Email, Roles: roles}
}

// requestToItem converts a Request to a DynamoDB item structure.
func requestToItem(req *Request) (*dynamoItem, error) {
	item := &dynamoItem{
		ID:             req.ID,
		Action:         req.Action,
		ResourceType:   req.Resource.Type,
		ResourceID:     req.Resource.ID,
		ResourceName:   req.Resource.Name,
		RequesterID:    req.Requester.UserID,
		Requester:      toDynamoActor(req.Requester),
		Status:         string(req.Status),
		Reason:         req.Reason,
		CreatedAt:      formatTime(req.CreatedAt),
		UpdatedAt:      formatTime(req.UpdatedAt),
		ExpiresAt:      formatTime(req.ExpiresAt),
		ProcessedAt:    formatTimePtr(req.ProcessedAt),
		ConsumedAt:     formatTimePtr(req.ConsumedAt),
		RequiredRole:   string(req.RequiredRole),
		RequiresStepUp: req.RequiresStepUp,
		AuditTrail:     make([]dynamoAuditEntry, len(req.AuditTrail)),
	}
	if req.Approver != nil {
		a := toDynamoActor(*req.Approver)
		item.Approver = &a
	}
	if len(req.RequestData) > 0 {
		data, err := json.Marshal(req.RequestData)
		if err != nil {
			return nil, fmt.Errorf("marshal request_data: %w", err)
		}
		item.RequestData = string(data)
	}
	for i, e := range req.AuditTrail {
		item.AuditTrail[i] = dynamoAuditEntry{
			Event:     string(e.Event),
			Timestamp: formatTime(e.Timestamp),
			Actor:     e.Actor,
			Details:   e.Details,
		}
	}
	return item, nil
}

// itemToRequest converts a DynamoDB item structure back to a Request.
func itemToRequest(item *dynamoItem) (*Request, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	processedAt, err := parseTimePtr("processed_at", item.ProcessedAt)
	if err != nil {
		return nil, err
	}
	consumedAt, err := parseTimePtr("consumed_at", item.ConsumedAt)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:             item.ID,
		Action:         item.Action,
		Resource:       Resource{Type: item.ResourceType, ID: item.ResourceID, Name: item.ResourceName},
		Requester:      fromDynamoActor(item.Requester),
		Status:         RequestStatus(item.Status),
		Reason:         item.Reason,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		ExpiresAt:      expiresAt,
		ProcessedAt:    processedAt,
		ConsumedAt:     consumedAt,
		RequiredRole:   policy.Role(item.RequiredRole),
		RequiresStepUp: item.RequiresStepUp,
		AuditTrail:     make([]AuditEntry, len(item.AuditTrail)),
	}
	if item.Approver != nil {
		a := fromDynamoActor(*item.Approver)
		req.Approver = &a
	}
	if item.RequestData != "" {
		if err := json.Unmarshal([]byte(item.RequestData), &req.RequestData); err != nil {
			return nil, fmt.Errorf("unmarshal request_data: %w", err)
		}
	}
	for i, e := range item.AuditTrail {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse audit_trail[%d].timestamp: %w", i, err)
		}
		req.AuditTrail[i] = AuditEntry{Event: AuditEvent(e.Event), Timestamp: ts, Actor: e.Actor, Details: e.Details}
	}
	return req, nil
}

func (s *DynamoDBStore) marshal(req *Request) (map[string]types.AttributeValue, error) {
	item, err := requestToItem(req)
	if err != nil {
		return nil, err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return av, nil
}

func unmarshalRequest(av map[string]types.AttributeValue) (*Request, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return itemToRequest(&item)
}

// Create stores a new request. Returns ErrRequestExists if ID already exists.
func (s *DynamoDBStore) Create(ctx context.Context, req *Request) error {
	av, err := s.marshal(req)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%s: %w", req.ID, ErrRequestExists)
		}
		return guarderrors.WrapDynamoDBError(err, s.tableName, "PutItem")
	}
	return nil
}

// Get retrieves a request by ID. Returns ErrRequestNotFound if not exists.
// Reads are strongly consistent so a transition is never based on a stale copy.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Request, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, guarderrors.WrapDynamoDBError(err, s.tableName, "GetItem")
	}
	if output.Item == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrRequestNotFound)
	}
	return unmarshalRequest(output.Item)
}

// Update replaces an existing request using optimistic locking on updated_at.
// Returns ErrRequestNotFound if request doesn't exist.
// Returns ErrConcurrentModification if request was modified since prevUpdatedAt.
func (s *DynamoDBStore) Update(ctx context.Context, req *Request, prevUpdatedAt time.Time) error {
	av, err := s.marshal(req)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(id) AND updated_at = :old_updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":old_updated_at": &types.AttributeValueMemberS{Value: formatTime(prevUpdatedAt)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Either the item is gone or someone else wrote first.
			exists, checkErr := s.exists(ctx, req.ID)
			if checkErr != nil {
				return fmt.Errorf("dynamodb PutItem condition failed, check exists: %w", checkErr)
			}
			if !exists {
				return fmt.Errorf("%s: %w", req.ID, ErrRequestNotFound)
			}
			return fmt.Errorf("%s: %w", req.ID, ErrConcurrentModification)
		}
		return guarderrors.WrapDynamoDBError(err, s.tableName, "PutItem")
	}
	return nil
}

// exists checks if a request with the given ID exists in the store.
func (s *DynamoDBStore) exists(ctx context.Context, id string) (bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	return output.Item != nil, nil
}

// List returns matching requests newest first.
// The most selective GSI for the filter is queried and remaining fields are
// filtered in memory. An empty filter falls back to a full table scan.
func (s *DynamoDBStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	switch {
	case filter.Status != "":
		return s.queryByIndex(ctx, GSIStatus, "status", string(filter.Status), filter)
	case filter.RequesterUserID != "":
		return s.queryByIndex(ctx, GSIRequester, "requester_id", filter.RequesterUserID, filter)
	case filter.ResourceType != "":
		return s.queryByIndex(ctx, GSIResourceType, "resource_type", filter.ResourceType, filter)
	}
	return s.scan(ctx, filter)
}

// queryByIndex pages through a GSI in descending created_at order until
// Offset+Limit matching requests have been collected.
func (s *DynamoDBStore) queryByIndex(ctx context.Context, indexName, keyAttr, keyValue string, filter Filter) ([]*Request, error) {
	want := filter.Offset + filter.EffectiveLimit()
	var (
		matched   []*Request
		startKey  map[string]types.AttributeValue
		operation = fmt.Sprintf("Query:%s", indexName)
	)
	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(indexName),
			KeyConditionExpression: aws.String("#k = :v"),
			ExpressionAttributeNames: map[string]string{
				"#k": keyAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: keyValue},
			},
			ScanIndexForward:  aws.Bool(false), // Descending order (newest first)
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, guarderrors.WrapDynamoDBError(err, s.tableName, operation)
		}
		for _, av := range output.Items {
			req, err := unmarshalRequest(av)
			if err != nil {
				return nil, err
			}
			if filter.Matches(req) {
				matched = append(matched, req)
			}
		}
		if len(matched) >= want || len(output.LastEvaluatedKey) == 0 {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	sortNewestFirst(matched)
	return paginate(matched, filter), nil
}

func (s *DynamoDBStore) scan(ctx context.Context, filter Filter) ([]*Request, error) {
	var (
		all      []*Request
		startKey map[string]types.AttributeValue
	)
	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, guarderrors.WrapDynamoDBError(err, s.tableName, "Scan")
		}
		for _, av := range output.Items {
			req, err := unmarshalRequest(av)
			if err != nil {
				return nil, err
			}
			all = append(all, req)
		}
		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	sortNewestFirst(all)
	return paginate(all, filter), nil
}
