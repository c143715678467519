// Package recovery executes recovery tasks: it claims each delivered task,
// asks the compute provider to start the instance and settles the delivery
// according to the outcome.
package recovery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"evictguard/internal/queue"
	"evictguard/internal/retry"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// Outcome is the result of processing one delivery.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInFlight   Outcome = "in_flight"
	OutcomeRetry      Outcome = "retry"
	OutcomeFailed     Outcome = "failed"
	OutcomePoison     Outcome = "poison"
	OutcomeClaimError Outcome = "claim_error"
)

// minInFlightDelay keeps a delivery hidden briefly even when the live claim
// is about to expire.
const minInFlightDelay = time.Second

// Starter starts a stopped or deallocated instance.
type Starter interface {
	Start(ctx context.Context, resourceGroup, instanceName string) error
}

// Config tunes a Processor.
type Config struct {
	// MaxAttempts bounds executions of a task, counting the first.
	MaxAttempts int
	Concurrency int
	// ClaimTTL is raised to CallTimeout plus types.ClaimTTLMargin when
	// shorter.
	ClaimTTL time.Duration
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration
	// EpisodeWindow is how long a finished receipt episode suppresses
	// repeats. Tasks keyed by a provider event ID use the claim store's
	// idempotency window instead.
	EpisodeWindow time.Duration
	// Backoff yields the redelivery delay after a failure and, through its
	// Retryable, decides which failures are retried.
	Backoff retry.Policy
}

// Processor is the recovery worker core shared by the Lambda and poll
// entrypoints.
type Processor struct {
	cfg      Config
	claims   types.ClaimStore
	starter  Starter
	alerter  Alerter
	recorder telemetry.Recorder
	logger   types.Logger
	now      func() time.Time
}

// NewProcessor wires a Processor. A nil recorder disables metrics.
func NewProcessor(cfg Config, claims types.ClaimStore, starter Starter, alerter Alerter, recorder telemetry.Recorder, logger types.Logger) *Processor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.EpisodeWindow <= 0 {
		cfg.EpisodeWindow = types.DefaultEpisodeWindow
	}
	if floor := cfg.CallTimeout + types.ClaimTTLMargin; cfg.CallTimeout > 0 && cfg.ClaimTTL < floor {
		logger.Warn("claim TTL raised above provider call timeout",
			"claim_ttl", cfg.ClaimTTL.String(),
			"call_timeout", cfg.CallTimeout.String(),
			"effective_claim_ttl", floor.String(),
		)
		cfg.ClaimTTL = floor
	}
	if recorder == nil {
		recorder = telemetry.Noop{}
	}
	return &Processor{
		cfg:      cfg,
		claims:   claims,
		starter:  starter,
		alerter:  alerter,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessBatch handles a batch with bounded concurrency. Every delivery is
// settled before it returns; one task's failure never affects its siblings.
// It satisfies queue.Handler.
func (p *Processor) ProcessBatch(ctx context.Context, batch []*queue.Delivery) {
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, d := range batch {
		g.Go(func() error {
			p.Process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

// Process handles one delivery and returns its outcome.
func (p *Processor) Process(ctx context.Context, d *queue.Delivery) Outcome {
	// Settlement outlives a cancelled batch context.
	settleCtx := context.WithoutCancel(ctx)

	if d.DecodeErr != nil {
		p.logger.Error("discarding malformed recovery task",
			"message_id", d.MessageID,
			"attempt", d.Attempt,
			"error", d.DecodeErr.Error(),
		)
		p.alerter.Alert(settleCtx, AlertPoisonMessage, types.RecoveryTask{Attempt: d.Attempt}, d.DecodeErr)
		p.ack(settleCtx, d)
		return p.finish(settleCtx, d, OutcomePoison, nil)
	}

	task := d.Task
	claim, err := p.claims.Claim(ctx, p.claimRequest(task))
	if err != nil {
		p.release(settleCtx, d, p.cfg.Backoff.Delay(task.Attempt))
		return p.finish(settleCtx, d, OutcomeClaimError, err)
	}

	switch claim.State {
	case types.ClaimCompleted:
		p.ack(settleCtx, d)
		return p.finish(settleCtx, d, OutcomeDuplicate, nil)
	case types.ClaimInFlight:
		p.release(settleCtx, d, max(claim.Remaining, minInFlightDelay))
		return p.finish(settleCtx, d, OutcomeInFlight, nil)
	}

	err = p.start(ctx, task)
	switch {
	case err == nil:
		p.markFinished(settleCtx, task, types.TaskStatusCompleted)
		p.ack(settleCtx, d)
		return p.finish(settleCtx, d, OutcomeCompleted, nil)

	case !p.cfg.Backoff.ShouldRetry(err):
		p.markFinished(settleCtx, task, types.TaskStatusFailed)
		p.ack(settleCtx, d)
		p.alerter.Alert(settleCtx, AlertFatalError, task, err)
		return p.finish(settleCtx, d, OutcomeFailed, err)
	}

	if rerr := p.claims.Release(settleCtx, task.TaskID, claim.Token); rerr != nil {
		p.logger.Warn("failed to release task claim",
			"task_id", task.TaskID,
			"error", rerr.Error(),
		)
	}
	if task.Attempt+1 >= p.cfg.MaxAttempts {
		p.markFinished(settleCtx, task, types.TaskStatusFailed)
		p.ack(settleCtx, d)
		exhausted := types.NewAppError(types.ErrCodeFatalRetriesExhausted, "recovery attempts exhausted", err)
		p.alerter.Alert(settleCtx, AlertRetriesExhausted, task, exhausted)
		return p.finish(settleCtx, d, OutcomeFailed, exhausted)
	}
	p.release(settleCtx, d, p.cfg.Backoff.Delay(task.Attempt))
	return p.finish(settleCtx, d, OutcomeRetry, err)
}

func (p *Processor) claimRequest(task types.RecoveryTask) types.ClaimRequest {
	req := types.ClaimRequest{TaskID: task.TaskID, TTL: p.cfg.ClaimTTL}
	if types.IsReceiptEpisode(task.EpisodeKey) {
		req.Window = p.cfg.EpisodeWindow
	}
	return req
}

func (p *Processor) start(ctx context.Context, task types.RecoveryTask) error {
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}
	err := p.starter.Start(ctx, task.ResourceGroup, task.InstanceName)
	if err != nil && ctx.Err() != nil && !types.IsTransient(err) && !types.IsFatal(err) {
		return types.NewAppError(types.ErrCodeTransientTimeout, "provider call timed out", err)
	}
	return err
}

func (p *Processor) markFinished(ctx context.Context, task types.RecoveryTask, status types.TaskStatus) {
	if err := p.claims.Finish(ctx, task.TaskID, status); err != nil {
		// The provider outcome stands either way.
		p.logger.Error("failed to record task outcome",
			"task_id", task.TaskID,
			"status", string(status),
			"error", err.Error(),
		)
	}
}

func (p *Processor) ack(ctx context.Context, d *queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		p.logger.Warn("failed to ack delivery",
			"message_id", d.MessageID,
			"error", err.Error(),
		)
	}
}

func (p *Processor) release(ctx context.Context, d *queue.Delivery, delay time.Duration) {
	if err := d.Release(ctx, delay); err != nil {
		p.logger.Warn("failed to release delivery",
			"message_id", d.MessageID,
			"delay", delay.String(),
			"error", err.Error(),
		)
	}
}

// finish logs and records the outcome.
func (p *Processor) finish(ctx context.Context, d *queue.Delivery, outcome Outcome, err error) Outcome {
	var latency time.Duration
	if !d.Task.QueuedAt.IsZero() {
		latency = max(p.now().Sub(d.Task.QueuedAt), 0)
	}

	args := []any{
		"outcome", string(outcome),
		"message_id", d.MessageID,
		"task_id", d.Task.TaskID,
		"resource_group", d.Task.ResourceGroup,
		"vm_name", d.Task.InstanceName,
		"attempt", d.Attempt,
		"latency_ms", latency.Milliseconds(),
	}
	if d.Task.RequestID != "" {
		args = append(args, "request_id", d.Task.RequestID)
	}
	if err != nil {
		args = append(args, "error", err.Error(), "error_code", string(types.CodeOf(err)))
	}

	switch outcome {
	case OutcomeCompleted, OutcomeDuplicate, OutcomeInFlight:
		p.logger.Info("recovery task processed", args...)
	case OutcomeRetry, OutcomeClaimError:
		p.logger.Warn("recovery task deferred", args...)
	default:
		p.logger.Error("recovery task failed", args...)
	}

	p.recorder.RecoveryOutcome(ctx, string(outcome), latency)
	return outcome
}
