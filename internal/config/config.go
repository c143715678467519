// Package config defines the configuration structures for the evictguard
// binaries. Configuration is loaded once at process start (or Lambda cold
// start) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"evictguard/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Metrics backends selectable via METRICS_BACKEND.
const (
	MetricsNoop       = "noop"
	MetricsCloudWatch = "cloudwatch"
	MetricsPrometheus = "prometheus"
)

// Worker run modes selectable via WORKER_MODE.
const (
	WorkerModeLambda = "lambda"
	WorkerModePoll   = "poll"
)

// CommonConfig holds settings shared by every binary.
type CommonConfig struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"evictguard"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"noop" validate:"oneof=noop cloudwatch prometheus"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"EvictGuard"`

	AWS AWSConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo `ignored:"true"`
}

// IsLocal reports whether the process runs in the local development environment.
func (c *CommonConfig) IsLocal() bool {
	return c.Environment == localEnv
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// AgentConfig configures cmd/eviction-agent.
type AgentConfig struct {
	Common CommonConfig

	WebhookURL    string        `envconfig:"WEBHOOK_URL" validate:"required,url"`
	WebhookAPIKey SecretString  `envconfig:"WEBHOOK_API_KEY" validate:"required"`
	NotifyTimeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s" validate:"gt=0"`

	// NotifyMaxAttempts bounds delivery attempts per episode. Three attempts
	// with the default backoff finish well inside the notice window.
	NotifyMaxAttempts int `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"3" validate:"min=1,max=10"`

	// PollInterval must stay below the eviction notice window.
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"5s" validate:"gt=0,lt=30s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"60s" validate:"gt=0"`
	SourceGracePeriod time.Duration `envconfig:"SOURCE_GRACE_PERIOD" default:"30s" validate:"gt=0"`

	MetadataEndpoint   string   `envconfig:"IMDS_ENDPOINT" default:"http://169.254.169.254" validate:"required,url"`
	EvictionEventTypes []string `envconfig:"EVICTION_EVENT_TYPES" default:"Preempt,Terminate,Reboot,Redeploy" validate:"min=1"`

	// Identity overrides. When both are set the metadata lookup is skipped.
	ResourceGroup        string `envconfig:"RESOURCE_GROUP" validate:"omitempty,resource_name"`
	InstanceName         string `envconfig:"INSTANCE_NAME" validate:"omitempty,resource_name"`
	DefaultResourceGroup string `envconfig:"DEFAULT_RESOURCE_GROUP" default:"default" validate:"resource_name"`

	// StatePath enables the persistent episode ledger when set.
	StatePath string `envconfig:"AGENT_STATE_PATH"`
}

func (c *AgentConfig) common() *CommonConfig { return &c.Common }

func (c *AgentConfig) check() error { return nil }

// GatewayConfig configures cmd/gateway.
type GatewayConfig struct {
	Common CommonConfig

	Port          string       `envconfig:"PORT" default:"8080"`
	WebhookAPIKey SecretString `envconfig:"WEBHOOK_API_KEY" validate:"required"`

	// RecoveryQueueURL may be empty only in the local environment, where an
	// in-process queue and a dry-run worker are used instead.
	RecoveryQueueURL string `envconfig:"SQS_RECOVERY_QUEUE" validate:"omitempty,url"`

	// EpisodeWindow only tunes the embedded local worker.
	EpisodeWindow   time.Duration `envconfig:"EPISODE_WINDOW" default:"5m" validate:"gt=0"`
	MaxBodyBytes    int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"65536" validate:"gt=0"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

func (c *GatewayConfig) common() *CommonConfig { return &c.Common }

func (c *GatewayConfig) check() error {
	if c.RecoveryQueueURL == "" && !c.Common.IsLocal() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "SQS_RECOVERY_QUEUE is required outside the local environment",
		}
	}
	return nil
}

// WorkerConfig configures cmd/recovery-worker.
type WorkerConfig struct {
	Common CommonConfig

	Mode             string `envconfig:"WORKER_MODE" default:"lambda" validate:"oneof=lambda poll"`
	RecoveryQueueURL string `envconfig:"SQS_RECOVERY_QUEUE" validate:"omitempty,url"`

	Database DatabaseConfig
	Azure    AzureConfig

	MaxAttempts         int           `envconfig:"MAX_ATTEMPTS" default:"5" validate:"min=1"`
	Concurrency         int           `envconfig:"WORKER_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	VisibilityTimeout   time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"60s" validate:"gt=0"`
	ClaimTTL            time.Duration `envconfig:"CLAIM_TTL"`
	IdempotencyWindow   time.Duration `envconfig:"IDEMPOTENCY_WINDOW" default:"1h" validate:"gt=0"`
	EpisodeWindow       time.Duration `envconfig:"EPISODE_WINDOW" default:"5m" validate:"gt=0,ltefield=IdempotencyWindow"`
	ProviderCallTimeout time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"10s" validate:"gt=0"`
	RetryBaseDelay      time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5s" validate:"gt=0"`
	RetryMaxDelay       time.Duration `envconfig:"RETRY_MAX_DELAY" default:"2m" validate:"gtefield=RetryBaseDelay"`
}

// EffectiveClaimTTL returns CLAIM_TTL, defaulting to the visibility timeout.
func (c *WorkerConfig) EffectiveClaimTTL() time.Duration {
	if c.ClaimTTL > 0 {
		return c.ClaimTTL
	}
	return c.VisibilityTimeout
}

func (c *WorkerConfig) common() *CommonConfig { return &c.Common }

func (c *WorkerConfig) check() error {
	if c.Mode == WorkerModePoll && c.RecoveryQueueURL == "" {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "SQS_RECOVERY_QUEUE is required when WORKER_MODE=poll",
		}
	}
	if c.Database.URL.IsZero() && !c.Common.IsLocal() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "DATABASE_URL is required outside the local environment",
		}
	}
	if ttl := c.EffectiveClaimTTL(); ttl < c.ProviderCallTimeout+types.ClaimTTLMargin {
		return &ConfigError{
			Type: ErrValidation,
			Message: fmt.Sprintf("claim TTL %s (CLAIM_TTL or VISIBILITY_TIMEOUT) must exceed PROVIDER_CALL_TIMEOUT %s by at least %s",
				ttl, c.ProviderCallTimeout, types.ClaimTTLMargin),
		}
	}
	if !c.Azure.DryRun {
		var missing []string
		for name, v := range map[string]string{
			"AZURE_TENANT_ID":       c.Azure.TenantID,
			"AZURE_CLIENT_ID":       c.Azure.ClientID,
			"AZURE_CLIENT_SECRET":   c.Azure.ClientSecret.Unmask(),
			"AZURE_SUBSCRIPTION_ID": c.Azure.SubscriptionID,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "missing Azure credentials: " + strings.Join(missing, ", "),
			}
		}
	}
	return nil
}

// DatabaseConfig holds the claim store connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when the database is unreachable
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AzureConfig holds the service principal used to start instances.
type AzureConfig struct {
	TenantID       string       `envconfig:"AZURE_TENANT_ID"`
	ClientID       string       `envconfig:"AZURE_CLIENT_ID"`
	ClientSecret   SecretString `envconfig:"AZURE_CLIENT_SECRET"`
	SubscriptionID string       `envconfig:"AZURE_SUBSCRIPTION_ID" validate:"omitempty,uuid"`

	AuthorityHost      string `envconfig:"AZURE_AUTHORITY_HOST" default:"https://login.microsoftonline.com" validate:"url"`
	ManagementEndpoint string `envconfig:"AZURE_MANAGEMENT_ENDPOINT" default:"https://management.azure.com" validate:"url"`

	// DryRun logs start requests instead of calling the management API.
	DryRun bool `envconfig:"COMPUTE_DRY_RUN" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
