package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"evictguard/internal/types"
)

const (
	attrTaskID = "task_id"

	// SQS limits.
	maxReceiveBatch      = 10
	maxWaitTimeSeconds   = 20
	maxVisibilitySeconds = 12 * 60 * 60
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSVisibilityChanger abstracts ChangeMessageVisibility.
type SQSVisibilityChanger interface {
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConsumerAPI is the subset of the SQS client used by SQSConsumer.
type SQSConsumerAPI interface {
	SQSVisibilityChanger
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSProducer sends recovery tasks to an SQS queue. For FIFO queues the
// target coordinates become the message group and the task ID the
// deduplication ID; the worker's claim store remains the authority on
// duplicates either way.
type SQSProducer struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewSQSProducer creates a producer for queueURL.
func NewSQSProducer(client SQSSender, queueURL string, logger *slog.Logger) *SQSProducer {
	return &SQSProducer{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// Send serializes task to JSON and enqueues it.
func (p *SQSProducer) Send(ctx context.Context, task types.RecoveryTask) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			attrTaskID: {
				DataType:    aws.String("String"),
				StringValue: aws.String(task.TaskID),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(task.Target())
		input.MessageDeduplicationId = aws.String(task.TaskID)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeQueueUnavailable,
			fmt.Sprintf("failed to send task %s", task.TaskID),
			err,
		)
	}

	p.logger.InfoContext(ctx, "recovery task sent",
		"task_id", task.TaskID,
		"message_id", aws.ToString(out.MessageId),
		"resource_group", task.ResourceGroup,
		"vm_name", task.InstanceName,
	)
	return nil
}

// SQSConsumer long-polls an SQS queue for the poll-mode worker.
type SQSConsumer struct {
	client     SQSConsumerAPI
	queueURL   string
	visibility time.Duration
	wait       time.Duration
	now        func() time.Time
}

// NewSQSConsumer creates a consumer. visibility is the time a received
// message stays hidden while it is processed.
func NewSQSConsumer(client SQSConsumerAPI, queueURL string, visibility time.Duration) *SQSConsumer {
	return &SQSConsumer{
		client:     client,
		queueURL:   queueURL,
		visibility: visibility,
		wait:       maxWaitTimeSeconds * time.Second,
		now:        time.Now,
	}
}

// Receive long-polls for up to ten messages.
func (c *SQSConsumer) Receive(ctx context.Context) ([]*Delivery, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxReceiveBatch,
		WaitTimeSeconds:     int32(c.wait / time.Second),
		VisibilityTimeout:   visibilitySeconds(c.visibility),
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqsTypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeQueueUnavailable, "failed to receive messages", err)
	}

	batch := make([]*Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		receipt := aws.ToString(msg.ReceiptHandle)
		batch = append(batch, NewDelivery(
			aws.ToString(msg.MessageId),
			[]byte(aws.ToString(msg.Body)),
			attemptFromAttributes(msg.Attributes),
			sentAt(msg.Attributes, c.now),
			func(ctx context.Context) error {
				_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(c.queueURL),
					ReceiptHandle: aws.String(receipt),
				})
				return wrapSettleErr("delete", err)
			},
			func(ctx context.Context, delay time.Duration) error {
				return changeVisibility(ctx, c.client, c.queueURL, receipt, delay)
			},
		))
	}
	return batch, nil
}

func changeVisibility(ctx context.Context, client SQSVisibilityChanger, queueURL, receipt string, delay time.Duration) error {
	_, err := client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: visibilitySeconds(delay),
	})
	return wrapSettleErr("change visibility", err)
}

func wrapSettleErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return types.NewAppError(types.ErrCodeQueueUnavailable, "failed to "+op+" message", err)
}

// visibilitySeconds rounds d up to whole seconds within the SQS limit.
func visibilitySeconds(d time.Duration) int32 {
	secs := math.Ceil(d.Seconds())
	return int32(min(max(secs, 0), maxVisibilitySeconds))
}

// attemptFromAttributes derives the zero-based attempt from
// ApproximateReceiveCount.
func attemptFromAttributes(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 0
	}
	return n - 1
}

// sentAt reads SentTimestamp (epoch milliseconds), falling back to now.
func sentAt(attrs map[string]string, now func() time.Time) time.Time {
	ms, err := strconv.ParseInt(attrs[string(sqsTypes.MessageSystemAttributeNameSentTimestamp)], 10, 64)
	if err != nil {
		return now()
	}
	return time.UnixMilli(ms)
}
