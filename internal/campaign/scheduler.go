package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	campaignCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_campaigns_processed_total",
		Help: "Campaigns driven to a terminal status",
	}, []string{"status"})
	campaignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailer_campaign_processing_duration_seconds",
		Help:    "Time spent processing one campaign",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

type Store interface {
	ListDue(ctx context.Context, now time.Time) ([]int64, error)
	MarkSending(ctx context.Context, ids []int64) ([]int64, error)
	MarkClosed(ctx context.Context, id int64) error
	MarkError(ctx context.Context, id int64) error
}

type CampaignProcessor interface {
	Process(ctx context.Context, id int64) (Result, error)
}

// RunReport counts what one scheduler run did. Stuck campaigns were processed
// but their terminal status could not be written.
type RunReport struct {
	Due       int
	Triggered int
	Closed    int
	Failed    int
	Stuck     int
}

type Scheduler struct {
	Store     Store
	Processor CampaignProcessor
	Logger    zerolog.Logger
	Now       func() time.Time
	// Location is the zone scheduled dates are stored in. Due campaigns are
	// selected against the wall clock of that zone.
	Location *time.Location
	// RetryWindow bounds retries of terminal status writes.
	RetryWindow time.Duration
}

// Run triggers every due campaign. The whole due set moves to sending before
// any campaign is processed; afterwards each campaign is processed on its own
// and ends closed or error. Once triggered, campaigns are finished even if
// ctx is cancelled so none is left in sending.
func (s *Scheduler) Run(ctx context.Context) (RunReport, error) {
	var report RunReport
	logger := s.Logger.With().Str("run_id", uuid.NewString()).Logger()
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	at := now()
	if s.Location != nil {
		at = at.In(s.Location)
	}
	due, err := s.Store.ListDue(ctx, at)
	if err != nil {
		return report, err
	}
	report.Due = len(due)
	if len(due) == 0 {
		logger.Info().Msg("no campaigns due")
		return report, nil
	}

	triggered, err := s.Store.MarkSending(ctx, due)
	if err != nil {
		return report, err
	}
	report.Triggered = len(triggered)
	if len(triggered) < len(due) {
		logger.Warn().Int("due", len(due)).Int("triggered", len(triggered)).Msg("some due campaigns were taken by another run")
	}

	work := context.WithoutCancel(ctx)
	for _, id := range triggered {
		s.runOne(work, logger, id, &report)
	}

	logger.Info().
		Int("due", report.Due).
		Int("triggered", report.Triggered).
		Int("closed", report.Closed).
		Int("failed", report.Failed).
		Int("stuck", report.Stuck).
		Msg("scheduler run finished")
	return report, nil
}

func (s *Scheduler) runOne(ctx context.Context, logger zerolog.Logger, id int64, report *RunReport) {
	ctx, span := otel.Tracer("campaign-scheduler").Start(ctx, "process_campaign")
	defer span.End()
	span.SetAttributes(attribute.Int64("campaign.id", id))
	logger = logger.With().Int64("campaign_id", id).Logger()

	start := time.Now()
	res, err := s.process(ctx, id)
	campaignLatency.Observe(time.Since(start).Seconds())

	status := StatusClosed
	mark := s.Store.MarkClosed
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "campaign failed")
		logger.Error().Err(err).Bool("invalid_definition", IsValidation(err)).Msg("campaign processing failed")
		status = StatusError
		mark = s.Store.MarkError
	} else {
		span.SetAttributes(attribute.Int("campaign.sent", res.Sent), attribute.Int("campaign.failed", res.Failed))
		logger.Info().Int("audience", res.Audience).Int("sent", res.Sent).Int("failed", res.Failed).Msg("campaign processed")
	}

	if err := s.persist(ctx, id, mark); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("status", string(status)).Msg("could not persist campaign status")
		campaignCounter.WithLabelValues("stuck").Inc()
		report.Stuck++
		return
	}
	campaignCounter.WithLabelValues(string(status)).Inc()
	if status == StatusClosed {
		report.Closed++
	} else {
		report.Failed++
	}
}

func (s *Scheduler) process(ctx context.Context, id int64) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("campaign %d panicked: %v", id, p)
		}
	}()
	return s.Processor.Process(ctx, id)
}

func (s *Scheduler) persist(ctx context.Context, id int64, mark func(context.Context, int64) error) error {
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = s.RetryWindow
	if op.MaxElapsedTime == 0 {
		op.MaxElapsedTime = 10 * time.Second
	}
	return backoff.Retry(func() error {
		err := mark(ctx, id)
		if errors.Is(err, ErrTransitionRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(op, ctx))
}
