package ratelimit

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI defines the DynamoDB operations needed for rate limiting.
type DynamoDBAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBRateLimiter is a fixed-window counter shared by every adminguard
// instance. Counters are incremented with an atomic UpdateItem.
//
// Table schema:
//   - PK (S): "RL#" + key
//   - WindowStart (S): RFC3339 start of the current window
//   - Count (N): requests in the current window
//   - TTL (N): window end plus one hour, for DynamoDB TTL
//
// DynamoDB failures fail open: the action is allowed and the error returned
// for the caller to log.
type DynamoDBRateLimiter struct {
	client    DynamoDBAPI
	tableName string
	config    Config
	now       func() time.Time
}

// NewDynamoDBRateLimiter creates a DynamoDB-backed limiter. tableName must
// have a String partition key named "PK".
func NewDynamoDBRateLimiter(client DynamoDBAPI, tableName string, cfg Config) (*DynamoDBRateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("DynamoDB client cannot be nil")
	}
	if tableName == "" {
		return nil, errors.New("tableName cannot be empty")
	}
	return &DynamoDBRateLimiter{
		client:    client,
		tableName: tableName,
		config:    cfg,
		now:       time.Now,
	}, nil
}

// Allow increments key's counter for the current window.
func (r *DynamoDBRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := r.now()
	windowStart := now.Truncate(r.config.Window)

	count, err := r.increment(ctx, key, windowStart, true)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		// The stored window is stale; start a new one.
		count, err = r.increment(ctx, key, windowStart, false)
	}
	if err != nil {
		log.Printf("WARNING: ratelimit: DynamoDB error for %s (failing open): %v", key, err)
		return true, 0, err
	}

	if count > r.config.EffectiveBurstSize() {
		return false, windowStart.Add(r.config.Window).Sub(now), nil
	}
	return true, 0, nil
}

// increment adds one to the counter. With sameWindow it only succeeds while
// the stored window matches windowStart; otherwise it resets the counter to 1.
func (r *DynamoDBRateLimiter) increment(ctx context.Context, key string, windowStart time.Time, sameWindow bool) (int, error) {
	ttl := windowStart.Add(r.config.Window).Add(time.Hour).Unix()
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "RL#" + key},
		},
		UpdateExpression: aws.String("SET #count = :one, #ws = :ws, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#count": "Count",
			"#ws":    "WindowStart",
			"#ttl":   "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":ws":  &types.AttributeValueMemberS{Value: windowStart.UTC().Format(time.RFC3339)},
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	}
	if sameWindow {
		input.UpdateExpression = aws.String("SET #count = if_not_exists(#count, :zero) + :one, #ws = if_not_exists(#ws, :ws), #ttl = :ttl")
		input.ConditionExpression = aws.String("attribute_not_exists(#ws) OR #ws = :ws")
		input.ExpressionAttributeValues[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	}

	output, err := r.client.UpdateItem(ctx, input)
	if err != nil {
		return 0, err
	}
	return parseCount(output.Attributes["Count"]), nil
}

// parseCount returns 0 for a missing or malformed attribute.
func parseCount(attr types.AttributeValue) int {
	n, ok := attr.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0
	}
	return count
}

var _ RateLimiter = (*DynamoDBRateLimiter)(nil)
