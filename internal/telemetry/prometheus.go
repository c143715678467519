package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder with client_golang collectors. It is
// used by long-running processes (gateway, poll-mode worker) that expose
// GET /metrics.
type PrometheusRecorder struct {
	gatherer prometheus.Gatherer

	webhookRequests *prometheus.CounterVec
	tasksEnqueued   prometheus.Counter
	recoveryOutcome *prometheus.CounterVec
	recoveryLatency *prometheus.HistogramVec
	heartbeats      *prometheus.CounterVec
	sourceDegraded  *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates the collectors and registers them on reg.
func NewPrometheusRecorder(reg *prometheus.Registry) *PrometheusRecorder {
	r := &PrometheusRecorder{
		gatherer: reg,
		webhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_webhook_requests_total",
				Help: "Gateway webhook requests by outcome",
			},
			[]string{"outcome"},
		),
		tasksEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evictguard_tasks_enqueued_total",
				Help: "Recovery tasks handed to the queue",
			},
		),
		recoveryOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_recovery_outcomes_total",
				Help: "Recovery worker outcomes",
			},
			[]string{"outcome"},
		),
		recoveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evictguard_recovery_latency_seconds",
				Help:    "Time from enqueue to worker outcome",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"outcome"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_agent_heartbeats_total",
				Help: "Agent liveness heartbeats",
			},
			[]string{"instance"},
		),
		sourceDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_source_degraded_total",
				Help: "Metadata source outages past the grace period",
			},
			[]string{"instance"},
		),
		notifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_notify_failures_total",
				Help: "Eviction notices that exhausted delivery retries",
			},
			[]string{"instance"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_recovery_alerts_total",
				Help: "Operator alerts by reason",
			},
			[]string{"reason"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evictguard_api_requests_total",
				Help: "HTTP requests by method, endpoint and status",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evictguard_api_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	reg.MustRegister(
		r.webhookRequests,
		r.tasksEnqueued,
		r.recoveryOutcome,
		r.recoveryLatency,
		r.heartbeats,
		r.sourceDegraded,
		r.notifyFailures,
		r.alerts,
		r.apiRequests,
		r.apiDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) WebhookRequest(_ context.Context, outcome string) {
	r.webhookRequests.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) TaskEnqueued(context.Context) {
	r.tasksEnqueued.Inc()
}

func (r *PrometheusRecorder) RecoveryOutcome(_ context.Context, outcome string, latency time.Duration) {
	r.recoveryOutcome.WithLabelValues(outcome).Inc()
	r.recoveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func (r *PrometheusRecorder) Heartbeat(_ context.Context, instance string) {
	r.heartbeats.WithLabelValues(instance).Inc()
}

func (r *PrometheusRecorder) SourceDegraded(_ context.Context, instance string) {
	r.sourceDegraded.WithLabelValues(instance).Inc()
}

func (r *PrometheusRecorder) NotifyFailure(_ context.Context, instance string) {
	r.notifyFailures.WithLabelValues(instance).Inc()
}

func (r *PrometheusRecorder) RecoveryAlert(_ context.Context, reason string) {
	r.alerts.WithLabelValues(reason).Inc()
}

func (r *PrometheusRecorder) APIRequest(_ context.Context, method, endpoint string, status int, duration time.Duration) {
	r.apiRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	r.apiDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
