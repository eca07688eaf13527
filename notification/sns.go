package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes events to an SNS topic.
//
// Messages are JSON with "event_type", "resource_type" and "required_role"
// message attributes so subscriptions can filter, for example to route only
// super_admin approvals to the on-call channel.
type SNSNotifier struct {
	client   snsAPI
	topicARN string
}

// NewSNSNotifier creates an SNSNotifier from AWS configuration.
func NewSNSNotifier(cfg aws.Config, topicARN string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}
}

func newSNSNotifierWithClient(client snsAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
	}
}

// Notify publishes the event to the configured topic.
func (n *SNSNotifier) Notify(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": stringAttribute(event.Type.String()),
	}
	if event.Request != nil {
		attrs["resource_type"] = stringAttribute(event.Request.Resource.Type)
		attrs["required_role"] = stringAttribute(string(event.Request.RequiredRole))
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(n.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
