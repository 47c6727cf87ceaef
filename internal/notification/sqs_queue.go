package notification

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsMaxBatch is the SQS limit for receive and delete batches.
const sqsMaxBatch = 10

type SQSClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

type SQSQueue struct {
	client      SQSClient
	url         string
	waitSeconds int32
}

// NewSQSQueue resolves the queue url by name.
func NewSQSQueue(ctx context.Context, client SQSClient, name string, waitSeconds int32) (*SQSQueue, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("resolve queue %s: %w", name, err)
	}
	return &SQSQueue{client: client, url: aws.ToString(out.QueueUrl), waitSeconds: waitSeconds}, nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Envelope, error) {
	if max <= 0 || max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     q.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	envelopes := make([]Envelope, 0, len(out.Messages))
	for _, m := range out.Messages {
		envelopes = append(envelopes, Envelope{
			ID:      aws.ToString(m.MessageId),
			Receipt: aws.ToString(m.ReceiptHandle),
			Body:    []byte(aws.ToString(m.Body)),
		})
	}
	return envelopes, nil
}

// DeleteBatch removes the envelopes in chunks of ten. Entries are keyed by
// position because SQS only requires ids to be unique within one call.
func (q *SQSQueue) DeleteBatch(ctx context.Context, envelopes []Envelope) (DeleteReport, error) {
	report := DeleteReport{Requested: len(envelopes)}
	for start := 0; start < len(envelopes); start += sqsMaxBatch {
		end := start + sqsMaxBatch
		if end > len(envelopes) {
			end = len(envelopes)
		}
		chunk := envelopes[start:end]

		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, env := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(env.Receipt),
			}
		}
		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(q.url),
			Entries:  entries,
		})
		if err != nil {
			for _, env := range envelopes[start:] {
				report.Failed = append(report.Failed, env.ID)
			}
			return report, fmt.Errorf("sqs delete batch: %w", err)
		}
		report.Deleted += len(out.Successful)
		for _, f := range out.Failed {
			i, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || i < 0 || i >= len(chunk) {
				continue
			}
			report.Failed = append(report.Failed, chunk[i].ID)
		}
	}
	return report, nil
}
