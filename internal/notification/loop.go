package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ingestedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_notifications_ingested_total",
		Help: "Notifications stored, by notification type",
	}, []string{"type"})
	batchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_notification_batches_total",
		Help: "Notification batches handled, by outcome",
	}, []string{"status"})
	ackFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailer_notification_ack_failures_total",
		Help: "Batches whose queue messages were stored but not fully acknowledged",
	})
)

const defaultMaxPolls = 1000

type Report struct {
	Polls         int
	Received      int
	Persisted     int
	Acknowledged  int
	ParseFailures int
	BatchFailures int
	AckFailures   int
}

// Loop drains the queue until a poll comes back empty or MaxPolls is hit.
// A message is acknowledged only after its notification was stored.
type Loop struct {
	Queue     Queue
	Store     Store
	BatchSize int
	MaxPolls  int
	Location  *time.Location
	Logger    zerolog.Logger
}

func (l *Loop) Run(ctx context.Context) (Report, error) {
	var report Report
	logger := l.Logger.With().Str("run_id", uuid.NewString()).Logger()
	maxPolls := l.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}

	logger.Info().Msg("started processing notifications")
	for report.Polls < maxPolls {
		if ctx.Err() != nil {
			logger.Warn().Msg("notification run interrupted")
			return report, nil
		}
		envelopes, err := l.Queue.Receive(ctx, l.BatchSize)
		report.Polls++
		if err != nil {
			return report, fmt.Errorf("receive notifications: %w", err)
		}
		if len(envelopes) == 0 {
			break
		}
		report.Received += len(envelopes)
		l.handleBatch(ctx, logger, envelopes, &report)
	}
	if report.Polls >= maxPolls {
		logger.Warn().Int("max_polls", maxPolls).Msg("poll limit reached before the queue was drained")
	}

	logger.Info().
		Int("polls", report.Polls).
		Int("received", report.Received).
		Int("persisted", report.Persisted).
		Int("acknowledged", report.Acknowledged).
		Int("parse_failures", report.ParseFailures).
		Int("batch_failures", report.BatchFailures).
		Int("ack_failures", report.AckFailures).
		Msg("no more notifications found")
	return report, nil
}

func (l *Loop) handleBatch(ctx context.Context, logger zerolog.Logger, envelopes []Envelope, report *Report) {
	ctx, span := otel.Tracer("notification-loop").Start(ctx, "ingest_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(envelopes)))

	parsed := make([]Notification, 0, len(envelopes))
	accepted := make([]Envelope, 0, len(envelopes))
	for _, env := range envelopes {
		n, err := Parse(env.Body, l.Location)
		if err != nil {
			report.ParseFailures++
			ingestErr := &IngestionError{Stage: "parse", MessageIDs: []string{env.ID}, Err: err}
			logger.Error().Err(ingestErr).Str("message_id", env.ID).Msg("skipping unparseable notification")
			continue
		}
		parsed = append(parsed, n)
		accepted = append(accepted, env)
	}
	if len(parsed) == 0 {
		batchCounter.WithLabelValues("empty").Inc()
		return
	}

	if err := l.Store.InsertBatch(ctx, parsed); err != nil {
		span.RecordError(err)
		report.BatchFailures++
		batchCounter.WithLabelValues("failed").Inc()
		ingestErr := &IngestionError{Stage: "store", MessageIDs: ids(accepted), Err: err}
		logger.Error().Err(ingestErr).Int("batch", len(parsed)).Msg("notification batch not stored, leaving messages on the queue")
		return
	}
	report.Persisted += len(parsed)
	batchCounter.WithLabelValues("stored").Inc()
	for _, n := range parsed {
		ingestedCounter.WithLabelValues(n.NotificationType).Inc()
	}

	deleted, err := l.Queue.DeleteBatch(ctx, accepted)
	report.Acknowledged += deleted.Deleted
	if err != nil || deleted.Deleted != len(accepted) {
		report.AckFailures++
		ackFailureCounter.Inc()
		ackErr := &AcknowledgmentError{Requested: len(accepted), Failed: len(accepted) - deleted.Deleted, Err: err}
		span.RecordError(ackErr)
		logger.Warn().Err(ackErr).Strs("failed_ids", deleted.Failed).Msg("stored notifications may be delivered again")
	}
	if report.Persisted%100 < len(parsed) {
		logger.Info().Int("persisted", report.Persisted).Msg("notifications processed so far")
	}
}

func ids(envelopes []Envelope) []string {
	out := make([]string, len(envelopes))
	for i, env := range envelopes {
		out[i] = env.ID
	}
	return out
}
