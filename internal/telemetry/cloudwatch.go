package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"evictguard/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder implements Recorder by emitting one PutMetricData call
// per observation. Call volume is low (one per request or task) so no
// client-side aggregation is done.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (r *CloudWatchRecorder) put(ctx context.Context, metric string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metric),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}

	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", metric,
		)
	}
}

func (r *CloudWatchRecorder) WebhookRequest(ctx context.Context, outcome string) {
	r.put(ctx, types.MetricWebhookRequest, 1, cwtypes.StandardUnitCount, dim(types.DimOutcome, outcome))
}

func (r *CloudWatchRecorder) TaskEnqueued(ctx context.Context) {
	r.put(ctx, types.MetricTaskEnqueued, 1, cwtypes.StandardUnitCount)
}

// RecoveryOutcome emits the outcome count and, separately, its latency in
// milliseconds.
func (r *CloudWatchRecorder) RecoveryOutcome(ctx context.Context, outcome string, latency time.Duration) {
	r.put(ctx, types.MetricRecoveryOutcome, 1, cwtypes.StandardUnitCount, dim(types.DimOutcome, outcome))
	r.put(ctx, types.MetricRecoveryLatency, float64(latency.Milliseconds()), cwtypes.StandardUnitMilliseconds, dim(types.DimOutcome, outcome))
}

func (r *CloudWatchRecorder) Heartbeat(ctx context.Context, instance string) {
	r.put(ctx, types.MetricAgentHeartbeat, 1, cwtypes.StandardUnitCount, dim(types.DimInstance, instance))
}

func (r *CloudWatchRecorder) SourceDegraded(ctx context.Context, instance string) {
	r.put(ctx, types.MetricSourceDegraded, 1, cwtypes.StandardUnitCount, dim(types.DimInstance, instance))
}

func (r *CloudWatchRecorder) NotifyFailure(ctx context.Context, instance string) {
	r.put(ctx, types.MetricNotifyFailure, 1, cwtypes.StandardUnitCount, dim(types.DimInstance, instance))
}

func (r *CloudWatchRecorder) RecoveryAlert(ctx context.Context, reason string) {
	r.put(ctx, types.MetricRecoveryAlert, 1, cwtypes.StandardUnitCount, dim(types.DimReason, reason))
}

func (r *CloudWatchRecorder) APIRequest(ctx context.Context, method, endpoint string, status int, duration time.Duration) {
	r.put(ctx, types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		dim(types.DimMethod, method),
		dim(types.DimEndpoint, endpoint),
	)
	r.put(ctx, types.MetricAPIRequestCount, 1, cwtypes.StandardUnitCount,
		dim(types.DimMethod, method),
		dim(types.DimEndpoint, endpoint),
		dim(types.DimStatus, strconv.Itoa(status)),
	)
}
