// Package queue ships usage records over SQS and drains them into a
// durable recorder.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/llm-gateway/internal/cost"
)

// Message is a received usage record and the handle needed to delete it.
type Message struct {
	Record        cost.UsageRecord
	ReceiptHandle string
}

type Queue interface {
	cost.Recorder
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   SQSAPI
	queueURL string
	wait     int32
}

var _ Queue = (*SQSQueue)(nil)

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func NewSQSQueueWithClient(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		wait:     20,
	}
}

// Record publishes one usage record.
func (q *SQSQueue) Record(ctx context.Context, record cost.UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Bucket": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.Bucket),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.RequestID),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.Provider),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.wait,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var record cost.UsageRecord
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &record); err != nil {
			slog.Warn("failed to unmarshal usage message", "error", err)
			continue
		}
		messages = append(messages, Message{
			Record:        record,
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}

	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := q.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

var idleDelay = 200 * time.Millisecond

// Drain moves records from q into dst until ctx is done. A message is
// deleted only after dst accepted it, so failed writes are redelivered.
func Drain(ctx context.Context, q Queue, dst cost.Recorder, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		messages, err := q.Receive(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("receive usage records", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if len(messages) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idleDelay):
			}
			continue
		}

		for _, msg := range messages {
			if err := dst.Record(ctx, msg.Record); err != nil {
				logger.Error("store usage record", "request_id", msg.Record.RequestID, "error", err)
				continue
			}
			if err := q.Delete(ctx, msg.ReceiptHandle); err != nil {
				logger.Warn("delete usage message", "request_id", msg.Record.RequestID, "error", err)
			}
		}
	}
}

type InMemoryQueue struct {
	mu       sync.Mutex
	messages []Message
	deleted  []string
	seq      int
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) Record(ctx context.Context, record cost.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.messages = append(q.messages, Message{Record: record, ReceiptHandle: fmt.Sprintf("rh-%d", q.seq)})
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.messages) {
		count = len(q.messages)
	}

	result := make([]Message, count)
	copy(result, q.messages[:count])
	q.messages = q.messages[count:]

	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *InMemoryQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]string, len(q.deleted))
	copy(result, q.deleted)
	return result
}
