package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

type messageBody struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
}

// SQSQueue is the production Queue backed by Amazon SQS.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	log      zerolog.Logger
}

// NewSQSQueue wraps an already-configured *sqs.Client.
func NewSQSQueue(client *sqs.Client, queueURL string, logger zerolog.Logger) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL, log: logger.With().Str("component", "queue").Logger()}
}

func (q *SQSQueue) Enqueue(ctx context.Context, runID, tenantID string) error {
	raw, err := json.Marshal(messageBody{RunID: runID, TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("sqs enqueue marshal: %w", err)
	}
	body := string(raw)
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"run_id": {DataType: aws.String("String"), StringValue: &runID},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs enqueue: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              &q.queueURL,
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       int32(waitTime.Seconds()),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		var body messageBody
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &body); err != nil {
			q.log.Warn().Err(err).Msg("dropping unparseable sqs message")
			continue
		}
		msgs = append(msgs, Message{
			RunID:         body.RunID,
			TenantID:      body.TenantID,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.queueURL,
		ReceiptHandle: &receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

func (q *SQSQueue) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.queueURL,
		ReceiptHandle:     &receiptHandle,
		VisibilityTimeout: int32(timeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("sqs extend visibility: %w", err)
	}
	return nil
}
