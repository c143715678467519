package detector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

func testLogger() types.Logger {
	return types.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// scriptedSource returns results in order, repeating the last one.
type scriptedSource struct {
	results []PollResult
	i       int
}

func (s *scriptedSource) Poll(context.Context) (PollResult, error) {
	r := s.results[min(s.i, len(s.results)-1)]
	s.i++
	if r.Status == SourceUnreachable {
		return r, errors.New("dial tcp 169.254.169.254:80: i/o timeout")
	}
	return r, nil
}

func notice(id string) PollResult {
	return PollResult{Status: EvictionNotice, Event: ScheduledEvent{EventID: id, EventType: "Preempt"}}
}

var (
	none        = PollResult{Status: NoNotice}
	unreachable = PollResult{Status: SourceUnreachable}
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []types.EvictionEvent
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, e types.EvictionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

type countingRecorder struct {
	telemetry.Noop
	heartbeats, degraded, notifyFailures int
}

func (r *countingRecorder) Heartbeat(context.Context, string)      { r.heartbeats++ }
func (r *countingRecorder) SourceDegraded(context.Context, string) { r.degraded++ }
func (r *countingRecorder) NotifyFailure(context.Context, string)  { r.notifyFailures++ }

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

type agentHarness struct {
	agent    *Agent
	notifier *fakeNotifier
	recorder *countingRecorder
	clock    *testClock
}

func newAgentHarness(source Source, opts ...AgentOption) *agentHarness {
	h := &agentHarness{
		notifier: &fakeNotifier{},
		recorder: &countingRecorder{},
		clock:    &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	identity := Identity{InstanceID: "id-1", ResourceGroup: "prod-rg", InstanceName: "spot-vm-01"}
	options := append([]AgentOption{WithRecorder(h.recorder), WithClock(h.clock.now)}, opts...)
	h.agent = NewAgent(identity, source, h.notifier, Options{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: time.Minute,
		GracePeriod:       30 * time.Second,
	}, testLogger(), options...)
	return h
}

// tick advances the clock by the agent's next interval after each poll.
func (h *agentHarness) tick(n int) {
	for range n {
		h.agent.Tick(context.Background())
		h.clock.t = h.clock.t.Add(h.agent.NextInterval())
	}
}

func TestAgent_NotifiesOncePerEpisode(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{none, notice("A1")}})

	h.tick(12)

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, types.EventKindEviction, ev.Kind)
	assert.Equal(t, "A1", ev.EventID)
	assert.Equal(t, "prod-rg", ev.ResourceGroup)
	assert.Equal(t, "spot-vm-01", ev.InstanceName)
	assert.Equal(t, StateEvictionDetected, h.agent.State())
}

func TestAgent_NewEpisodeNotifiesAgain(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{
		notice("A1"), notice("A1"), none, notice("A1"), notice("B2"), notice("B2"),
	}})

	h.tick(6)

	require.Len(t, h.notifier.events, 2)
	assert.Equal(t, "A1", h.notifier.events[0].EventID)
	assert.Equal(t, "B2", h.notifier.events[1].EventID)
}

func TestAgent_NotifyFailureIsTerminalForEpisode(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{notice("A1")}})
	h.notifier.err = types.NewAppError(types.ErrCodeTransientUpstream, "gateway 503", nil)

	h.tick(5)

	assert.Len(t, h.notifier.events, 1, "no retry storm after exhaustion")
	assert.Equal(t, 1, h.recorder.notifyFailures)
}

func TestAgent_LedgerSuppressesAfterRestart(t *testing.T) {
	ledger := NewMemoryLedger()
	require.NoError(t, ledger.Record("A1", time.Now()))
	h := newAgentHarness(&scriptedSource{results: []PollResult{notice("A1")}}, WithLedger(ledger))

	h.tick(3)

	assert.Empty(t, h.notifier.events)
}

func TestAgent_RecordsDeliveredEpisode(t *testing.T) {
	ledger := NewMemoryLedger()
	h := newAgentHarness(&scriptedSource{results: []PollResult{notice("A1")}}, WithLedger(ledger))

	h.tick(1)

	seen, err := ledger.Seen("A1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestAgent_DegradedOncePerOutage(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{
		unreachable, unreachable, unreachable, unreachable, unreachable,
		unreachable, unreachable, unreachable, none,
		unreachable, unreachable, unreachable, unreachable, unreachable, unreachable, unreachable,
	}})

	h.tick(5)
	assert.Zero(t, h.recorder.degraded, "still inside the grace period")

	h.tick(3)
	assert.Equal(t, 1, h.recorder.degraded)

	h.tick(1) // recovered
	h.tick(7)
	assert.Equal(t, 2, h.recorder.degraded, "a new outage is reported again")
}

func TestAgent_BackoffAfterConsecutiveErrors(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{unreachable}})

	h.tick(9)
	assert.Equal(t, 5*time.Second, h.agent.NextInterval())

	h.tick(1)
	assert.Equal(t, 10*time.Second, h.agent.NextInterval())

	h.agent.source = &scriptedSource{results: []PollResult{none}}
	h.tick(1)
	assert.Equal(t, 5*time.Second, h.agent.NextInterval())
}

func TestAgent_BackoffStaysInsideNoticeWindow(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{unreachable}})
	h.agent.opts.PollInterval = 10 * time.Second

	h.tick(10)
	assert.Equal(t, MaxBackoffInterval, h.agent.NextInterval())
}

func TestAgent_Heartbeat(t *testing.T) {
	h := newAgentHarness(&scriptedSource{results: []PollResult{none}})

	h.tick(1)
	assert.Equal(t, 1, h.recorder.heartbeats, "first tick heartbeats immediately")

	h.tick(11) // 55s later
	assert.Equal(t, 1, h.recorder.heartbeats)

	h.tick(1) // 60s
	assert.Equal(t, 2, h.recorder.heartbeats)
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	sleep := func(ctx context.Context, _ time.Duration) error {
		polls++
		if polls == 3 {
			cancel()
		}
		return ctx.Err()
	}
	h := newAgentHarness(&scriptedSource{results: []PollResult{unreachable}}, WithSleepFunc(sleep))

	require.NoError(t, h.agent.Run(ctx))
	assert.Equal(t, 3, polls)
}
