// Package main is the entry point for the ingestion gateway.
//
// The gateway accepts authenticated eviction webhooks and enqueues recovery
// tasks on the SQS recovery queue. In the local environment without a queue
// URL it uses an in-process queue drained by an embedded worker that logs
// start requests instead of calling the compute provider.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"evictguard/internal/config"
	"evictguard/internal/external"
	"evictguard/internal/gateway"
	"evictguard/internal/queue"
	"evictguard/internal/recovery"
	"evictguard/internal/retry"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// Embedded worker settings for the local environment.
const (
	localVisibility  = 30 * time.Second
	localIdlePoll    = 500 * time.Millisecond
	localErrBackoff  = time.Second
	localDryRunDelay = 200 * time.Millisecond
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGatewayConfig(config.NewSecretProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.Common.LogLevel)
	typed := types.NewSlogLogger(logger)
	logger.Info("gateway starting",
		"environment", cfg.Common.Environment,
		"version", cfg.Common.Build.Version,
		"commit", cfg.Common.Build.Commit,
		"port", cfg.Port,
		"metrics_backend", cfg.Common.MetricsBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var awsCfg aws.Config
	needAWS := cfg.RecoveryQueueURL != "" || cfg.Common.MetricsBackend == config.MetricsCloudWatch
	if needAWS {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Common.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	opts := gateway.Options{
		APIKey:       cfg.WebhookAPIKey,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	}

	switch cfg.Common.MetricsBackend {
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom := telemetry.NewPrometheusRecorder(reg)
		opts.Recorder = prom
		opts.MetricsHandler = prom.Handler()
	case config.MetricsCloudWatch:
		opts.Recorder = telemetry.New(telemetry.Options{
			Backend:   telemetry.BackendCloudWatch,
			Namespace: cfg.Common.MetricNamespace,
			CloudWatch: cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if cfg.Common.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.Common.AWS.EndpointURL)
				}
			}),
			Logger: typed,
		})
	default:
		opts.Recorder = telemetry.Noop{}
	}

	var wg sync.WaitGroup
	if cfg.RecoveryQueueURL != "" {
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Common.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.Common.AWS.EndpointURL)
			}
		})
		opts.Producer = queue.NewSQSProducer(client, cfg.RecoveryQueueURL, logger)
		opts.Probes = append(opts.Probes, gateway.SQSProbe{Client: client, QueueURL: cfg.RecoveryQueueURL})
	} else {
		mem := queue.NewMemoryQueue(localVisibility)
		opts.Producer = mem
		opts.Probes = append(opts.Probes, gateway.ProbeFunc{
			ProbeName: "memory_queue",
			Fn:        func(context.Context) error { return nil },
		})
		proc := newLocalProcessor(cfg.EpisodeWindow, opts.Recorder, logger)
		wg.Go(func() {
			queue.Poll(ctx, mem, proc.ProcessBatch, typed, localIdlePoll, localErrBackoff)
		})
		logger.Warn("no recovery queue configured, using in-process queue with dry-run worker")
	}

	srv, err := gateway.NewServer(opts)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	err = runHTTPServer(ctx, srv, cfg, logger)
	stop()
	wg.Wait()
	return err
}

// newLocalProcessor builds the embedded worker used with the in-process
// queue. Starts are logged, never sent to a provider.
func newLocalProcessor(episodeWindow time.Duration, recorder telemetry.Recorder, logger *slog.Logger) *recovery.Processor {
	typed := types.NewSlogLogger(logger)
	return recovery.NewProcessor(
		recovery.Config{
			MaxAttempts:   5,
			Concurrency:   4,
			ClaimTTL:      localVisibility,
			CallTimeout:   10 * time.Second,
			EpisodeWindow: episodeWindow,
			Backoff: retry.Policy{
				BaseDelay:     time.Second,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2,
			},
		},
		recovery.NewMemoryClaimStore(time.Hour),
		&external.DryRunCompute{Logger: logger, Delay: localDryRunDelay},
		recovery.NewLogAlerter(typed, recorder),
		recorder,
		typed,
	)
}

// runHTTPServer serves until ctx is cancelled or the listener fails, then
// drains in-flight requests within the shutdown timeout.
func runHTTPServer(ctx context.Context, srv *gateway.Server, cfg *config.GatewayConfig, logger *slog.Logger) error {
	addr := ":" + cfg.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
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
