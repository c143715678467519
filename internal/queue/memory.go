package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"evictguard/internal/types"
)

type memoryMessage struct {
	id           string
	body         []byte
	sentAt       time.Time
	visibleAt    time.Time
	receiveCount int
	// receipt changes on every receive so a stale delivery cannot settle
	// a message that was redelivered after its visibility timeout.
	receipt int
}

// MemoryQueue is an in-process at-least-once queue with SQS-like visibility
// timeouts and receive counts. It backs tests and the local environment.
type MemoryQueue struct {
	visibility time.Duration
	batchSize  int
	now        func() time.Time

	mu       sync.Mutex
	seq      int
	messages []*memoryMessage
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// WithBatchSize sets the maximum deliveries per Receive.
func WithBatchSize(n int) MemoryOption {
	return func(q *MemoryQueue) { q.batchSize = n }
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(visibility time.Duration, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		visibility: visibility,
		batchSize:  maxReceiveBatch,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var (
	_ Producer = (*MemoryQueue)(nil)
	_ Receiver = (*MemoryQueue)(nil)
)

// Send enqueues task.
func (q *MemoryQueue) Send(ctx context.Context, task types.RecoveryTask) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}
	return q.SendRaw(ctx, body)
}

// SendRaw enqueues an arbitrary body. Tests use it to inject poison messages.
func (q *MemoryQueue) SendRaw(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	now := q.now()
	q.messages = append(q.messages, &memoryMessage{
		id:        "mem-" + strconv.Itoa(q.seq),
		body:      body,
		sentAt:    now,
		visibleAt: now,
	})
	return nil
}

// Receive returns up to the batch size of currently visible messages and
// hides them for the visibility timeout.
func (q *MemoryQueue) Receive(_ context.Context) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var batch []*Delivery
	for _, m := range q.messages {
		if len(batch) >= q.batchSize {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.receiveCount++
		q.seq++
		m.receipt = q.seq
		m.visibleAt = now.Add(q.visibility)

		id, receipt := m.id, m.receipt
		batch = append(batch, NewDelivery(
			id, m.body, m.receiveCount-1, m.sentAt,
			func(context.Context) error {
				q.settle(id, receipt, func(i int) {
					q.messages = append(q.messages[:i], q.messages[i+1:]...)
				})
				return nil
			},
			func(_ context.Context, delay time.Duration) error {
				q.settle(id, receipt, func(i int) {
					q.messages[i].visibleAt = q.now().Add(delay)
				})
				return nil
			},
		))
	}
	return batch, nil
}

func (q *MemoryQueue) settle(id string, receipt int, apply func(i int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.id == id && m.receipt == receipt {
			apply(i)
			return
		}
	}
}

// Len returns the number of messages not yet acknowledged.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
