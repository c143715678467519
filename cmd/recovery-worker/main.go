// Package main is the entry point for the recovery worker.
//
// The worker consumes recovery tasks from the SQS recovery queue and starts
// the evicted instance through the Azure Resource Manager API. It runs in one
// of two modes selected by WORKER_MODE:
//
//   - lambda: an SQS event-source handler using partial batch responses.
//   - poll:   a long-running long-poll consumer, stopped by SIGINT/SIGTERM.
//
// Both modes share the same Processor, so idempotency, retry classification
// and alerting behave identically.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"evictguard/internal/config"
	"evictguard/internal/db"
	"evictguard/internal/external"
	"evictguard/internal/queue"
	"evictguard/internal/recovery"
	"evictguard/internal/retry"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

const (
	// pollErrBackoff spaces out receive retries while SQS is unreachable.
	pollErrBackoff = 5 * time.Second
	// claimPruneInterval is how often the poll-mode janitor deletes
	// finished claims that fell out of the idempotency window.
	claimPruneInterval = time.Hour
	// providerHTTPTimeout caps a single HTTP exchange with Azure; the
	// per-call context timeout is usually shorter.
	providerHTTPTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// pruner deletes claims finished before a cutoff.
type pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// worker holds the dependencies shared by both run modes.
type worker struct {
	processor *recovery.Processor
	adapter   *queue.LambdaAdapter
	logger    types.Logger
}

// HandleSQSEvent processes one Lambda batch. Every delivery the processor
// released, or never settled, is reported back for redelivery.
func (w *worker) HandleSQSEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	batch := w.adapter.Batch(event)
	w.processor.ProcessBatch(ctx, batch.Deliveries)
	resp := batch.Response()
	if n := len(resp.BatchItemFailures); n > 0 {
		w.logger.Info("batch partially released", "records", len(event.Records), "released", n)
	}
	return resp, nil
}

func run() error {
	cfg, err := config.LoadWorkerConfig(config.NewSecretProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.Common.LogLevel)
	typed := types.NewSlogLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Common.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	endpoint := cfg.Common.AWS.EndpointURL
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	recorder := telemetry.Recorder(telemetry.Noop{})
	switch cfg.Common.MetricsBackend {
	case config.MetricsCloudWatch:
		recorder = telemetry.New(telemetry.Options{
			Backend:   telemetry.BackendCloudWatch,
			Namespace: cfg.Common.MetricNamespace,
			CloudWatch: cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if endpoint != "" {
					o.BaseEndpoint = aws.String(endpoint)
				}
			}),
			Logger: typed,
		})
	case config.MetricsPrometheus:
		logger.Warn("prometheus backend has no scrape endpoint on the worker, metrics disabled")
	}

	owner := workerOwner(os.Hostname)
	claims, janitor, closeClaims, err := newClaimStore(ctx, cfg, owner, logger)
	if err != nil {
		return err
	}
	defer closeClaims()

	processor := recovery.NewProcessor(
		processorConfig(cfg),
		claims,
		newStarter(cfg, logger),
		recovery.NewLogAlerter(typed, recorder),
		recorder,
		typed,
	)

	logger.Info("recovery worker starting",
		"environment", cfg.Common.Environment,
		"version", cfg.Common.Build.Version,
		"commit", cfg.Common.Build.Commit,
		"mode", cfg.Mode,
		"owner", owner,
		"concurrency", cfg.Concurrency,
		"max_attempts", cfg.MaxAttempts,
		"dry_run", cfg.Azure.DryRun,
	)

	if cfg.Mode == config.WorkerModeLambda {
		if janitor != nil {
			pruneClaims(ctx, janitor, cfg.IdempotencyWindow, logger)
		}
		w := &worker{processor: processor, adapter: queue.NewLambdaAdapter(sqsClient, typed), logger: typed}
		lambda.Start(w.HandleSQSEvent)
		return nil
	}

	var wg sync.WaitGroup
	if janitor != nil {
		wg.Go(func() { runJanitor(ctx, janitor, cfg.IdempotencyWindow, logger) })
	}
	consumer := queue.NewSQSConsumer(sqsClient, cfg.RecoveryQueueURL, cfg.VisibilityTimeout)
	queue.Poll(ctx, consumer, processor.ProcessBatch, typed, 0, pollErrBackoff)
	wg.Wait()

	logger.Info("recovery worker stopped")
	return nil
}

// processorConfig maps worker settings onto the processor.
func processorConfig(cfg *config.WorkerConfig) recovery.Config {
	return recovery.Config{
		MaxAttempts:   cfg.MaxAttempts,
		Concurrency:   cfg.Concurrency,
		ClaimTTL:      cfg.EffectiveClaimTTL(),
		CallTimeout:   cfg.ProviderCallTimeout,
		EpisodeWindow: cfg.EpisodeWindow,
		Backoff: retry.Policy{
			MaxAttempts:   cfg.MaxAttempts,
			BaseDelay:     cfg.RetryBaseDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			BackoffFactor: 2,
			Jitter:        true,
		},
	}
}

// newClaimStore opens the Postgres claim store, or an in-memory one when no
// database is configured (local environment only; config enforces it).
// janitor is nil for the in-memory store.
func newClaimStore(ctx context.Context, cfg *config.WorkerConfig, owner string, logger *slog.Logger) (types.ClaimStore, pruner, func(), error) {
	if cfg.Database.URL.IsZero() {
		logger.Warn("no database configured, using in-memory claim store")
		return recovery.NewMemoryClaimStore(cfg.IdempotencyWindow), nil, func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	repo := db.NewClaimRepository(pool, owner, cfg.IdempotencyWindow)
	return repo, repo, pool.Close, nil
}

// newStarter returns the ARM compute client, or a logging stand-in when
// COMPUTE_DRY_RUN is set.
func newStarter(cfg *config.WorkerConfig, logger *slog.Logger) recovery.Starter {
	if cfg.Azure.DryRun {
		return &external.DryRunCompute{Logger: logger}
	}
	httpClient := &http.Client{Timeout: providerHTTPTimeout}
	tokens := external.NewAzureTokenSource(httpClient, external.AzureCredentials{
		TenantID:      cfg.Azure.TenantID,
		ClientID:      cfg.Azure.ClientID,
		ClientSecret:  cfg.Azure.ClientSecret,
		AuthorityHost: cfg.Azure.AuthorityHost,
		Scope:         managementScope(cfg.Azure.ManagementEndpoint),
	})
	return external.NewAzureComputeClient(httpClient, tokens, external.AzureComputeConfig{
		SubscriptionID: cfg.Azure.SubscriptionID,
		Endpoint:       cfg.Azure.ManagementEndpoint,
		Logger:         logger,
	})
}

// managementScope is the token scope for a management endpoint.
func managementScope(endpoint string) string {
	return strings.TrimSuffix(endpoint, "/") + "/.default"
}

// workerOwner identifies this process in claim rows.
func workerOwner(hostname func() (string, error)) string {
	host, err := hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func runJanitor(ctx context.Context, p pruner, window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(claimPruneInterval)
	defer ticker.Stop()
	for {
		pruneClaims(ctx, p, window, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pruneClaims removes finished claims older than twice the idempotency
// window. Failures only cost table size, so they are logged and ignored.
func pruneClaims(ctx context.Context, p pruner, window time.Duration, logger *slog.Logger) {
	n, err := p.PruneBefore(ctx, time.Now().Add(-2*window))
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("claim prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		logger.Info("pruned finished claims", "removed", n)
	}
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
