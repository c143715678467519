package types

// Telemetry metric names. All components MUST use these constants.
const (
	// Metric Names
	MetricWebhookRequest  = "WebhookRequest"
	MetricTaskEnqueued    = "TaskEnqueued"
	MetricRecoveryOutcome = "RecoveryOutcome"
	MetricRecoveryLatency = "RecoveryLatency"
	MetricAgentHeartbeat  = "AgentHeartbeat"
	MetricSourceDegraded  = "SourceDegraded"
	MetricRecoveryAlert   = "RecoveryAlert"
	MetricNotifyFailure   = "NotifyFailure"
	MetricAPILatency      = "APILatency"
	MetricAPIRequestCount = "APIRequestCount"

	// Dimension Keys
	DimOutcome  = "Outcome"
	DimInstance = "Instance"
	DimReason   = "Reason"
	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"

	// Metric Namespace
	MetricNamespace = "EvictGuard"
)
