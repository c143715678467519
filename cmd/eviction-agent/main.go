// Package main is the entry point for the eviction agent that runs on each
// monitored Spot instance.
//
// The agent polls the instance metadata service for scheduled events,
// notifies the ingestion gateway exactly once per eviction episode and emits
// a periodic heartbeat. It exits only on SIGINT or SIGTERM.
//
// Usage:
//
//	eviction-agent --webhook=https://gateway.example.com/webhook --api-key=... [--check]
//
// Flags override the corresponding environment variables (WEBHOOK_URL,
// WEBHOOK_API_KEY, POLL_INTERVAL, HEARTBEAT_INTERVAL).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"evictguard/internal/config"
	"evictguard/internal/detector"
	"evictguard/internal/notifier"
	"evictguard/internal/retry"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// ledgerRetention bounds how long notified episodes stay in the ledger.
const ledgerRetention = 7 * 24 * time.Hour

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds command-line overrides. Zero values leave the environment
// untouched.
type cliFlags struct {
	webhook   string
	apiKey    string
	interval  time.Duration
	heartbeat time.Duration
	check     bool
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("eviction-agent", flag.ContinueOnError)
	fs.StringVar(&f.webhook, "webhook", "", "Gateway webhook URL (WEBHOOK_URL)")
	fs.StringVar(&f.apiKey, "api-key", "", "Gateway API key (WEBHOOK_API_KEY)")
	fs.DurationVar(&f.interval, "interval", 0, "Metadata poll interval (POLL_INTERVAL)")
	fs.DurationVar(&f.heartbeat, "heartbeat", 0, "Heartbeat interval (HEARTBEAT_INTERVAL)")
	fs.BoolVar(&f.check, "check", false, "Check gateway connectivity on startup")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

// apply exports the set flags as environment variables so the config loader
// sees them with the highest priority.
func (f cliFlags) apply(setenv func(key, value string) error) error {
	overrides := map[string]string{}
	if f.webhook != "" {
		overrides["WEBHOOK_URL"] = f.webhook
	}
	if f.apiKey != "" {
		overrides["WEBHOOK_API_KEY"] = f.apiKey
	}
	if f.interval > 0 {
		overrides["POLL_INTERVAL"] = f.interval.String()
	}
	if f.heartbeat > 0 {
		overrides["HEARTBEAT_INTERVAL"] = f.heartbeat.String()
	}
	for k, v := range overrides {
		if err := setenv(k, v); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}
	return nil
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := flags.apply(os.Setenv); err != nil {
		return err
	}

	cfg, err := config.LoadAgentConfig(config.NewSecretProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.Common.LogLevel)
	typed := types.NewSlogLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder, err := newRecorder(ctx, &cfg.Common, typed)
	if err != nil {
		return err
	}

	lookup := detector.NewIMDSSource(cfg.MetadataEndpoint)
	identity := detector.ResolveIdentity(ctx, lookup, detector.IdentityOptions{
		ResourceGroup:        cfg.ResourceGroup,
		InstanceName:         cfg.InstanceName,
		DefaultResourceGroup: cfg.DefaultResourceGroup,
		Logger:               typed,
	})

	logger.Info("eviction agent starting",
		"environment", cfg.Common.Environment,
		"version", cfg.Common.Build.Version,
		"commit", cfg.Common.Build.Commit,
		"resource_group", identity.ResourceGroup,
		"vm_name", identity.InstanceName,
		"webhook_url", cfg.WebhookURL,
		"poll_interval", cfg.PollInterval.String(),
		"heartbeat_interval", cfg.HeartbeatInterval.String(),
	)

	source := detector.NewIMDSSource(cfg.MetadataEndpoint,
		detector.WithEvictionTypes(cfg.EvictionEventTypes),
		detector.WithInstanceFilter(identity.InstanceName),
	)

	policy := retry.NotifyPolicy
	policy.MaxAttempts = cfg.NotifyMaxAttempts
	notify := notifier.New(&http.Client{Timeout: cfg.NotifyTimeout}, notifier.Config{
		WebhookURL: cfg.WebhookURL,
		APIKey:     cfg.WebhookAPIKey,
		Policy:     policy,
		Logger:     typed,
	})

	if flags.check {
		if err := notify.CheckHealth(ctx); err != nil {
			logger.Warn("gateway connectivity check failed", "error", err)
		} else {
			logger.Info("gateway connectivity check passed")
		}
	}

	opts := []detector.AgentOption{
		detector.WithRecorder(recorder),
		detector.WithHeartbeatSink(detector.NewMetricHeartbeat(recorder, typed)),
	}
	if cfg.StatePath != "" {
		ledger, err := detector.OpenBoltLedger(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("opening episode ledger: %w", err)
		}
		defer ledger.Close()
		if n, err := ledger.Prune(time.Now().Add(-ledgerRetention)); err != nil {
			logger.Warn("episode ledger prune failed", "error", err)
		} else if n > 0 {
			logger.Info("episode ledger pruned", "removed", n)
		}
		opts = append(opts, detector.WithLedger(ledger))
	}

	agent := detector.NewAgent(identity, source, notify, detector.Options{
		PollInterval:         cfg.PollInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		GracePeriod:          cfg.SourceGracePeriod,
		MaxConsecutiveErrors: detector.DefaultMaxConsecutiveErrors,
	}, typed, opts...)

	if err := agent.Run(ctx); err != nil {
		return fmt.Errorf("agent loop: %w", err)
	}
	logger.Info("eviction agent stopped", "state", agent.State().String())
	return nil
}

// newRecorder builds the metrics backend. Prometheus needs a scrape endpoint,
// which only the gateway serves, so the agent falls back to no-op for it.
func newRecorder(ctx context.Context, common *config.CommonConfig, logger types.Logger) (telemetry.Recorder, error) {
	switch common.MetricsBackend {
	case config.MetricsCloudWatch:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(common.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if common.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(common.AWS.EndpointURL)
			}
		})
		return telemetry.New(telemetry.Options{
			Backend:    telemetry.BackendCloudWatch,
			Namespace:  common.MetricNamespace,
			CloudWatch: client,
			Logger:     logger,
		}), nil
	case config.MetricsPrometheus:
		logger.Warn("prometheus backend has no scrape endpoint on the agent, metrics disabled")
	}
	return telemetry.Noop{}, nil
}

// newLogger creates a JSON slog.Logger on stdout for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
