package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// CloudWatchLogsAPI defines the CloudWatch Logs operations used.
type CloudWatchLogsAPI interface {
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchSink forwards audit entries to a CloudWatch Logs stream.
// Wrap it in an AsyncSink; each call is a network round trip.
type CloudWatchSink struct {
	client        CloudWatchLogsAPI
	logGroup      string
	logStream     string
	mu            sync.Mutex
	sequenceToken *string
}

// NewCloudWatchSink creates a sink from AWS config.
func NewCloudWatchSink(cfg aws.Config, logGroup, logStream string) *CloudWatchSink {
	return NewCloudWatchSinkWithClient(cloudwatchlogs.NewFromConfig(cfg), logGroup, logStream)
}

// NewCloudWatchSinkWithClient creates a sink with a custom client (for testing).
func NewCloudWatchSinkWithClient(client CloudWatchLogsAPI, logGroup, logStream string) *CloudWatchSink {
	return &CloudWatchSink{client: client, logGroup: logGroup, logStream: logStream}
}

// LogOperation sends entry as one log event.
func (s *CloudWatchSink) LogOperation(ctx context.Context, entry Entry) error {
	message, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.logGroup),
		LogStreamName: aws.String(s.logStream),
		LogEvents: []types.InputLogEvent{{
			Message:   aws.String(string(message)),
			Timestamp: aws.Int64(ts.UnixMilli()),
		}},
		SequenceToken: s.sequenceToken,
	}
	output, err := s.client.PutLogEvents(ctx, input)
	if err != nil {
		return fmt.Errorf("cloudwatch PutLogEvents: %w", err)
	}
	if output != nil && output.NextSequenceToken != nil {
		s.sequenceToken = output.NextSequenceToken
	}
	return nil
}
