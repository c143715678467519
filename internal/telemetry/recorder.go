// Package telemetry records pipeline metrics. Components depend on the
// Recorder interface; METRICS_BACKEND selects CloudWatch, Prometheus or the
// no-op implementation at startup.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"evictguard/internal/types"
)

// Recorder emits the pipeline's operational metrics. Implementations must
// never fail the caller: emission errors are logged and dropped.
type Recorder interface {
	// WebhookRequest counts one gateway request by outcome.
	WebhookRequest(ctx context.Context, outcome string)
	// TaskEnqueued counts one recovery task handed to the queue.
	TaskEnqueued(ctx context.Context)
	// RecoveryOutcome counts one worker outcome and the latency from
	// enqueue to that outcome.
	RecoveryOutcome(ctx context.Context, outcome string, latency time.Duration)
	// Heartbeat records agent liveness for an instance.
	Heartbeat(ctx context.Context, instance string)
	// SourceDegraded records that the metadata source has been unreachable
	// past the grace period.
	SourceDegraded(ctx context.Context, instance string)
	// NotifyFailure records that an eviction could not be delivered.
	NotifyFailure(ctx context.Context, instance string)
	// RecoveryAlert counts one operator alert by reason.
	RecoveryAlert(ctx context.Context, reason string)
	// APIRequest records one HTTP request served by the gateway.
	APIRequest(ctx context.Context, method, endpoint string, status int, duration time.Duration)
}

// Noop discards every metric.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) WebhookRequest(context.Context, string) {}
func (Noop) TaskEnqueued(context.Context) {}
func (Noop) RecoveryOutcome(context.Context, string, time.Duration) {}
func (Noop) Heartbeat(context.Context, string) {}
func (Noop) SourceDegraded(context.Context, string) {}
func (Noop) NotifyFailure(context.Context, string) {}
func (Noop) RecoveryAlert(context.Context, string) {}
func (Noop) APIRequest(context.Context, string, string, int, time.Duration) {}

// Backend names accepted by New.
const (
	BackendNoop       = "noop"
	BackendCloudWatch = "cloudwatch"
	BackendPrometheus = "prometheus"
)

// Options selects and configures a Recorder backend.
type Options struct {
	Backend   string
	Namespace string
	// CloudWatch is required for BackendCloudWatch.
	CloudWatch CloudWatchClient
	// Registry is required for BackendPrometheus.
	Registry *prometheus.Registry
	Logger   types.Logger
}

// New returns the Recorder for opts.Backend, falling back to Noop for an
// unknown backend or a missing client.
func New(opts Options) Recorder {
	switch opts.Backend {
	case BackendCloudWatch:
		if opts.CloudWatch != nil {
			return NewCloudWatchRecorder(opts.CloudWatch, opts.Namespace, opts.Logger)
		}
	case BackendPrometheus:
		if opts.Registry != nil {
			return NewPrometheusRecorder(opts.Registry)
		}
	}
	return Noop{}
}
