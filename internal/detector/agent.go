package detector

import (
	"context"
	"time"

	"evictguard/internal/retry"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// Notifier delivers an eviction event to the ingestion gateway.
type Notifier interface {
	Notify(ctx context.Context, event types.EvictionEvent) error
}

// HeartbeatSink receives the agent's periodic liveness events.
type HeartbeatSink interface {
	Heartbeat(ctx context.Context, event types.EvictionEvent)
}

// Options tunes the agent loop.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// GracePeriod is how long the source may stay unreachable before the
	// agent reports itself degraded.
	GracePeriod time.Duration
	// MaxConsecutiveErrors unreachable polls slow the loop down to
	// min(2*PollInterval, MaxBackoffInterval).
	MaxConsecutiveErrors int
}

const (
	DefaultMaxConsecutiveErrors = 10
	// MaxBackoffInterval keeps a backed-off loop inside the eviction notice
	// window.
	MaxBackoffInterval = 15 * time.Second
)

// Agent runs the eviction detection loop for one instance.
type Agent struct {
	identity  Identity
	source    Source
	notifier  Notifier
	heartbeat HeartbeatSink
	ledger    Ledger
	recorder  telemetry.Recorder
	logger    types.Logger
	opts      Options
	now       func() time.Time
	sleep     retry.SleepFunc

	machine           Machine
	consecutiveErrors int
	unreachableSince  time.Time
	degraded          bool
	lastHeartbeat     time.Time
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLedger sets the episode ledger (default in-memory).
func WithLedger(l Ledger) AgentOption { return func(a *Agent) { a.ledger = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r telemetry.Recorder) AgentOption { return func(a *Agent) { a.recorder = r } }

// WithHeartbeatSink overrides the default metric heartbeat.
func WithHeartbeatSink(s HeartbeatSink) AgentOption { return func(a *Agent) { a.heartbeat = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) AgentOption { return func(a *Agent) { a.now = now } }

// WithSleepFunc overrides the wait between polls.
func WithSleepFunc(fn retry.SleepFunc) AgentOption { return func(a *Agent) { a.sleep = fn } }

// NewAgent creates an agent for identity.
func NewAgent(identity Identity, source Source, notifier Notifier, opts Options, logger types.Logger, options ...AgentOption) *Agent {
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	a := &Agent{
		identity: identity,
		source:   source,
		notifier: notifier,
		ledger:   NewMemoryLedger(),
		recorder: telemetry.Noop{},
		logger: logger.With(
			"resource_group", identity.ResourceGroup,
			"vm_name", identity.InstanceName,
		),
		opts:  opts,
		now:   time.Now,
		sleep: retry.Sleep,
	}
	for _, o := range options {
		o(a)
	}
	if a.heartbeat == nil {
		a.heartbeat = NewMetricHeartbeat(a.recorder, a.logger)
	}
	return a
}

// Run polls until ctx is cancelled. Errors never stop the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("eviction agent started",
		"poll_interval", a.opts.PollInterval.String(),
		"heartbeat_interval", a.opts.HeartbeatInterval.String(),
		"grace_period", a.opts.GracePeriod.String(),
	)
	for {
		a.Tick(ctx)
		if err := a.sleep(ctx, a.NextInterval()); err != nil {
			a.logger.Info("eviction agent stopped", "state", a.machine.State().String())
			return nil
		}
	}
}

// Tick performs one poll and, when due, one heartbeat.
func (a *Agent) Tick(ctx context.Context) {
	now := a.now()
	res, err := a.source.Poll(ctx)
	if err != nil || res.Status == SourceUnreachable {
		a.onUnreachable(ctx, now, err)
	} else {
		a.onReachable(now)
		if res.Status == EvictionNotice {
			a.onEviction(ctx, res.Event, now)
		}
	}

	if a.lastHeartbeat.IsZero() || now.Sub(a.lastHeartbeat) >= a.opts.HeartbeatInterval {
		a.lastHeartbeat = now
		a.heartbeat.Heartbeat(ctx, a.event(types.EventKindHeartbeat, now))
	}
}

// NextInterval is the wait before the next poll.
func (a *Agent) NextInterval() time.Duration {
	if a.consecutiveErrors >= a.opts.MaxConsecutiveErrors {
		return max(a.opts.PollInterval, min(2*a.opts.PollInterval, MaxBackoffInterval))
	}
	return a.opts.PollInterval
}

// State returns the episode state machine's current state.
func (a *Agent) State() State { return a.machine.State() }

func (a *Agent) onUnreachable(ctx context.Context, now time.Time, err error) {
	a.consecutiveErrors++
	if a.unreachableSince.IsZero() {
		a.unreachableSince = now
	}
	args := []any{"consecutive_errors", a.consecutiveErrors}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	a.logger.Warn("metadata source unreachable", args...)

	if a.consecutiveErrors == a.opts.MaxConsecutiveErrors {
		a.logger.Warn("too many consecutive errors, backing off",
			"interval", a.NextInterval().String())
	}
	if !a.degraded && now.Sub(a.unreachableSince) >= a.opts.GracePeriod {
		a.degraded = true
		a.logger.Warn("agent liveness degraded",
			"unreachable_for", now.Sub(a.unreachableSince).String())
		a.recorder.SourceDegraded(ctx, a.identity.InstanceName)
	}
}

func (a *Agent) onReachable(now time.Time) {
	if a.degraded {
		a.logger.Info("metadata source recovered",
			"outage", now.Sub(a.unreachableSince).String())
	}
	a.consecutiveErrors = 0
	a.unreachableSince = time.Time{}
	a.degraded = false
}

func (a *Agent) onEviction(ctx context.Context, ev ScheduledEvent, now time.Time) {
	if !a.machine.Observe(ev.EventID) {
		return
	}
	logger := a.logger.With(
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"not_before", ev.NotBefore,
	)

	seen, err := a.ledger.Seen(ev.EventID)
	if err != nil {
		logger.Warn("episode ledger unavailable", "error", err.Error())
	}
	if seen {
		logger.Info("eviction episode already notified")
		return
	}

	logger.Warn("eviction notice detected")
	event := a.event(types.EventKindEviction, now)
	event.EventID = ev.EventID
	event.EventType = ev.EventType
	event.NotBefore = ev.NotBefore

	if err := a.notifier.Notify(ctx, event); err != nil {
		logger.Error("eviction notification failed; instance will not be recovered automatically",
			"alert", true,
			"error", err.Error(),
			"error_code", string(types.CodeOf(err)),
		)
		a.recorder.NotifyFailure(ctx, a.identity.InstanceName)
		return
	}
	if err := a.ledger.Record(ev.EventID, now); err != nil {
		logger.Warn("failed to record notified episode", "error", err.Error())
	}
	logger.Info("eviction notification delivered")
}

func (a *Agent) event(kind types.EventKind, at time.Time) types.EvictionEvent {
	return types.EvictionEvent{
		InstanceID:    a.identity.InstanceID,
		ResourceGroup: a.identity.ResourceGroup,
		InstanceName:  a.identity.InstanceName,
		Kind:          kind,
		DetectedAt:    at.UTC(),
	}
}

// MetricHeartbeat reports heartbeats as a metric and a log line.
type MetricHeartbeat struct {
	recorder telemetry.Recorder
	logger   types.Logger
}

// NewMetricHeartbeat creates a HeartbeatSink backed by recorder.
func NewMetricHeartbeat(recorder telemetry.Recorder, logger types.Logger) *MetricHeartbeat {
	return &MetricHeartbeat{recorder: recorder, logger: logger}
}

func (h *MetricHeartbeat) Heartbeat(ctx context.Context, event types.EvictionEvent) {
	h.recorder.Heartbeat(ctx, event.InstanceName)
	h.logger.Info("heartbeat", "instance_id", event.InstanceID)
}
