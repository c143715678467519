package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"evictguard/internal/types"
)

// LambdaAdapter turns an SQS event-source batch into deliveries. Ack leaves
// a message out of BatchItemFailures so Lambda deletes it; Release reports it
// as a failure. When a visibility changer is configured, Release also sets
// the requested redelivery delay on the message.
type LambdaAdapter struct {
	changer SQSVisibilityChanger
	logger  types.Logger
	now     func() time.Time
}

// NewLambdaAdapter creates an adapter. changer may be nil, in which case a
// released message reappears after the queue's own visibility timeout.
func NewLambdaAdapter(changer SQSVisibilityChanger, logger types.Logger) *LambdaAdapter {
	return &LambdaAdapter{changer: changer, logger: logger, now: time.Now}
}

// LambdaBatch tracks settlement of one event's deliveries.
type LambdaBatch struct {
	Deliveries []*Delivery

	mu       sync.Mutex
	released map[string]bool
}

// Response builds the partial batch response. Deliveries that were never
// settled are reported as failures so they are redelivered.
func (b *LambdaBatch) Response() events.SQSEventResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp := events.SQSEventResponse{}
	for _, d := range b.Deliveries {
		if b.released[d.MessageID] || !d.Settled() {
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: d.MessageID},
			)
		}
	}
	return resp
}

// Batch converts event into deliveries.
func (a *LambdaAdapter) Batch(event events.SQSEvent) *LambdaBatch {
	b := &LambdaBatch{released: make(map[string]bool, len(event.Records))}
	for _, record := range event.Records {
		b.Deliveries = append(b.Deliveries, NewDelivery(
			record.MessageId,
			[]byte(record.Body),
			attemptFromAttributes(record.Attributes),
			sentAt(record.Attributes, a.now),
			func(context.Context) error { return nil },
			func(ctx context.Context, delay time.Duration) error {
				b.mu.Lock()
				b.released[record.MessageId] = true
				b.mu.Unlock()
				a.delay(ctx, record, delay)
				return nil
			},
		))
	}
	return b
}

// delay is best-effort: if it fails the message still reappears after the
// queue's visibility timeout.
func (a *LambdaAdapter) delay(ctx context.Context, record events.SQSMessage, delay time.Duration) {
	if a.changer == nil || record.ReceiptHandle == "" {
		return
	}
	queueURL, err := QueueURLFromARN(record.EventSourceARN)
	if err != nil {
		a.logger.Warn("cannot derive queue url for redelivery delay",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return
	}
	if err := changeVisibility(ctx, a.changer, queueURL, record.ReceiptHandle, delay); err != nil {
		a.logger.Warn("failed to set redelivery delay",
			"message_id", record.MessageId,
			"delay", delay.String(),
			"error", err.Error(),
		)
	}
}

// QueueURLFromARN converts arn:aws:sqs:<region>:<account>:<name> into the
// queue URL.
func QueueURLFromARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "sqs" {
		return "", fmt.Errorf("not an SQS queue ARN: %q", arn)
	}
	host := "amazonaws.com"
	if strings.HasPrefix(parts[1], "aws-cn") {
		host = "amazonaws.com.cn"
	}
	return fmt.Sprintf("https://sqs.%s.%s/%s/%s", parts[3], host, parts[4], parts[5]), nil
}
