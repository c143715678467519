// Package queue carries RecoveryTasks from the ingestion gateway to the
// recovery worker with at-least-once delivery. SQS is the production
// transport; MemoryQueue backs tests and the local environment.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"evictguard/internal/retry"
	"evictguard/internal/types"
)

// Producer hands a task to the queue. A returned error means the task was
// not accepted and the caller must report failure upstream.
type Producer interface {
	Send(ctx context.Context, task types.RecoveryTask) error
}

// Receiver fetches the next batch of deliveries, blocking up to a
// transport-specific wait. An empty batch is not an error.
type Receiver interface {
	Receive(ctx context.Context) ([]*Delivery, error)
}

// Delivery is one delivery of a queued message. Exactly one of Ack or
// Release should be called; later calls are no-ops.
type Delivery struct {
	MessageID string
	Task      types.RecoveryTask
	// DecodeErr is set when the body could not be decoded into a valid task.
	DecodeErr error
	// Attempt counts previous deliveries of this message (0 on first receipt).
	Attempt int
	// ReceivedAt is when the queue accepted the message.
	ReceivedAt time.Time

	ack     func(ctx context.Context) error
	release func(ctx context.Context, delay time.Duration) error

	mu      sync.Mutex
	settled bool
}

// NewDelivery builds a Delivery from a raw message body. Transports and
// tests use it; ack and release implement the transport's settlement.
func NewDelivery(
	messageID string,
	body []byte,
	attempt int,
	receivedAt time.Time,
	ack func(ctx context.Context) error,
	release func(ctx context.Context, delay time.Duration) error,
) *Delivery {
	d := &Delivery{
		MessageID:  messageID,
		Attempt:    max(attempt, 0),
		ReceivedAt: receivedAt,
		ack:        ack,
		release:    release,
	}
	d.Task, d.DecodeErr = DecodeTask(body)
	if d.DecodeErr == nil {
		d.Task.Attempt = d.Attempt
	}
	return d
}

// Ack removes the message permanently.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settle() {
		return nil
	}
	return d.ack(ctx)
}

// Release returns the message to the queue, visible again after delay.
func (d *Delivery) Release(ctx context.Context, delay time.Duration) error {
	if !d.settle() {
		return nil
	}
	return d.release(ctx, max(delay, 0))
}

// Settled reports whether Ack or Release has been called.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// EncodeTask renders the queue message body for task.
func EncodeTask(task types.RecoveryTask) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode recovery task", err)
	}
	return body, nil
}

// DecodeTask parses and validates a queue message body.
func DecodeTask(body []byte) (types.RecoveryTask, error) {
	var task types.RecoveryTask
	if err := json.Unmarshal(body, &task); err != nil {
		return types.RecoveryTask{}, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed task body", err)
	}
	if err := task.Validate(); err != nil {
		return types.RecoveryTask{}, err
	}
	return task, nil
}

// Handler processes a received batch. It is expected to settle every
// delivery; unsettled deliveries become visible again after the visibility
// timeout.
type Handler func(ctx context.Context, batch []*Delivery)

// Poll receives and handles batches until ctx is cancelled. Receive errors
// are logged and retried after errBackoff; an empty batch waits idle before
// the next receive (zero for long-polling transports).
func Poll(ctx context.Context, r Receiver, handle Handler, logger types.Logger, idle, errBackoff time.Duration) {
	for ctx.Err() == nil {
		batch, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue receive failed", "error", err.Error())
			_ = retry.Sleep(ctx, errBackoff)
			continue
		}
		if len(batch) == 0 {
			_ = retry.Sleep(ctx, idle)
			continue
		}
		handle(ctx, batch)
	}
}
