package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue drains the topic the webhook publishes SNS deliveries to.
// Deleting an envelope commits its offset. If a received batch is not fully
// committed before the next Receive, the reader is rebuilt so delivery
// resumes from the last committed offset.
type KafkaQueue struct {
	newReader  func() KafkaReader
	pollWindow time.Duration
	reader     KafkaReader
	pending    map[string]kafka.Message
}

func NewKafkaQueue(newReader func() KafkaReader, pollWindow time.Duration) *KafkaQueue {
	if pollWindow <= 0 {
		pollWindow = 2 * time.Second
	}
	return &KafkaQueue{newReader: newReader, pollWindow: pollWindow, pending: map[string]kafka.Message{}}
}

func envelopeID(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

// Receive returns up to max messages fetched within the poll window. An empty
// result means the topic is drained for now.
func (q *KafkaQueue) Receive(ctx context.Context, max int) ([]Envelope, error) {
	if len(q.pending) > 0 && q.reader != nil {
		if err := q.reader.Close(); err != nil {
			return nil, fmt.Errorf("close kafka reader: %w", err)
		}
		q.reader = nil
		q.pending = map[string]kafka.Message{}
	}
	if q.reader == nil {
		q.reader = q.newReader()
	}

	pollCtx, cancel := context.WithTimeout(ctx, q.pollWindow)
	defer cancel()

	var envelopes []Envelope
	for len(envelopes) < max {
		msg, err := q.reader.FetchMessage(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return envelopes, fmt.Errorf("fetch kafka message: %w", err)
		}
		id := envelopeID(msg)
		q.pending[id] = msg
		envelopes = append(envelopes, Envelope{ID: id, Receipt: id, Body: msg.Value})
	}
	return envelopes, nil
}

func (q *KafkaQueue) DeleteBatch(ctx context.Context, envelopes []Envelope) (DeleteReport, error) {
	report := DeleteReport{Requested: len(envelopes)}
	msgs := make([]kafka.Message, 0, len(envelopes))
	for _, env := range envelopes {
		msg, ok := q.pending[env.Receipt]
		if !ok {
			report.Failed = append(report.Failed, env.ID)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 || q.reader == nil {
		return report, nil
	}
	if err := q.reader.CommitMessages(ctx, msgs...); err != nil {
		for _, m := range msgs {
			report.Failed = append(report.Failed, envelopeID(m))
		}
		return report, fmt.Errorf("commit kafka messages: %w", err)
	}
	for _, m := range msgs {
		delete(q.pending, envelopeID(m))
	}
	report.Deleted = len(msgs)
	return report, nil
}

func (q *KafkaQueue) Close() error {
	if q.reader == nil {
		return nil
	}
	err := q.reader.Close()
	q.reader = nil
	return err
}
