// Package metrics counts authorization outcomes and publishes them to
// CloudWatch. Counters are aggregated in memory and flushed in batches, so
// recording on the request path never performs I/O.
package metrics

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// DefaultNamespace is the CloudWatch namespace for adminguard metrics.
const DefaultNamespace = "AdminGuard"

// DefaultFlushInterval is how often a running CloudWatchRecorder publishes.
const DefaultFlushInterval = time.Minute

// maxDatumsPerCall is the PutMetricData batch limit.
const maxDatumsPerCall = 1000

// Metric names.
const (
	MetricDecision        = "Decision"
	MetricApprovalEvent   = "ApprovalEvent"
	MetricStepUp          = "StepUp"
	MetricRateLimited     = "RateLimited"
	MetricAuditDropped    = "AuditDropped"
	MetricGuardedResponse = "GuardedResponse"
)

// Recorder counts events. Implementations must be safe for concurrent use.
type Recorder interface {
	// Count adds n to the metric identified by name and dimensions.
	// Dimensions alternate key, value.
	Count(name string, n float64, dimensions ...string)
}

// Nop discards everything.
type Nop struct{}

// Count does nothing.
func (Nop) Count(string, float64, ...string) {}

// CloudWatchAPI defines the CloudWatch operations used.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type series struct {
	name       string
	dimensions []cwtypes.Dimension
	sum        float64
}

// CloudWatchRecorder aggregates counters and publishes them with PutMetricData.
type CloudWatchRecorder struct {
	client    CloudWatchAPI
	namespace string
	now       func() time.Time

	mu     sync.Mutex
	series map[string]*series

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewCloudWatchRecorder creates a recorder from AWS configuration.
func NewCloudWatchRecorder(cfg aws.Config, namespace string) *CloudWatchRecorder {
	return NewCloudWatchRecorderWithClient(cloudwatch.NewFromConfig(cfg), namespace)
}

// NewCloudWatchRecorderWithClient creates a recorder with a custom client.
func NewCloudWatchRecorderWithClient(client CloudWatchAPI, namespace string) *CloudWatchRecorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		now:       time.Now,
		series:    make(map[string]*series),
		done:      make(chan struct{}),
	}
}

// Count adds n to the series for name and dimensions.
func (r *CloudWatchRecorder) Count(name string, n float64, dimensions ...string) {
	dims := make([]cwtypes.Dimension, 0, len(dimensions)/2)
	for i := 0; i+1 < len(dimensions); i += 2 {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(dimensions[i]), Value: aws.String(dimensions[i+1])})
	}
	sort.Slice(dims, func(i, j int) bool { return *dims[i].Name < *dims[j].Name })
	key := seriesKey(name, dims)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, dimensions: dims}
		r.series[key] = s
	}
	s.sum += n
}

func seriesKey(name string, dims []cwtypes.Dimension) string {
	var b strings.Builder
	b.WriteString(name)
	for _, d := range dims {
		b.WriteString("|")
		b.WriteString(*d.Name)
		b.WriteString("=")
		b.WriteString(*d.Value)
	}
	return b.String()
}

// Flush publishes and resets all counters. Counters from a failed batch are
// dropped; metrics are best-effort.
func (r *CloudWatchRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.series
	r.series = make(map[string]*series)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ts := aws.Time(r.now())
	datums := make([]cwtypes.MetricDatum, 0, len(pending))
	for _, s := range pending {
		datums = append(datums, cwtypes.MetricDatum{
			MetricName: aws.String(s.name),
			Dimensions: s.dimensions,
			Value:      aws.Float64(s.sum),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  ts,
		})
	}
	sort.Slice(datums, func(i, j int) bool {
		return seriesKey(*datums[i].MetricName, datums[i].Dimensions) < seriesKey(*datums[j].MetricName, datums[j].Dimensions)
	})

	for start := 0; start < len(datums); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(datums) {
			end = len(datums)
		}
		if _, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(r.namespace),
			MetricData: datums[start:end],
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start flushes every interval until Close.
func (r *CloudWatchRecorder) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.flushLogged()
			}
		}
	}()
}

// Close stops the flush loop and publishes what is left.
func (r *CloudWatchRecorder) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.flushLogged()
	})
}

func (r *CloudWatchRecorder) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		log.Printf("WARNING: metrics flush failed: %v", err)
	}
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*CloudWatchRecorder)(nil)
)
