package email

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/campaign-mailer/internal/audience"
)

var (
	sentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_emails_sent_total",
		Help: "Emails handed to the provider, by outcome",
	}, []string{"provider", "status"})
	sendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailer_email_send_duration_seconds",
		Help:    "Latency of a single provider send",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

const defaultWorkers = 8

type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// MessageFactory renders the message for one recipient.
type MessageFactory func(r audience.Recipient) (Message, error)

type Outcome struct {
	RecipientID int64
	Address     string
	MessageID   string
	Err         error
}

type Outcomes []Outcome

func (o Outcomes) Failed() Outcomes {
	var failed Outcomes
	for _, out := range o {
		if out.Err != nil {
			failed = append(failed, out)
		}
	}
	return failed
}

func (o Outcomes) Succeeded() Outcomes {
	var ok Outcomes
	for _, out := range o {
		if out.Err == nil {
			ok = append(ok, out)
		}
	}
	return ok
}

type DispatchError struct {
	RecipientID int64
	Stage       string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to end user %d failed at %s: %v", e.RecipientID, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Engine fans a campaign batch out to the provider. Workers bounds
// concurrency, BatchCap bounds how many recipients one call handles and
// Limiter, when set, bounds the send rate.
type Engine struct {
	Provider Provider
	Workers  int
	BatchCap int
	Limiter  *rate.Limiter
	Logger   zerolog.Logger
}

// Dispatch sends one message per recipient in the capped prefix and returns
// one outcome per recipient, in recipient order. Once started, sends run to
// completion even if ctx is cancelled.
func (e *Engine) Dispatch(ctx context.Context, recipients []audience.Recipient, factory MessageFactory) Outcomes {
	batch := recipients
	if e.BatchCap > 0 && len(batch) > e.BatchCap {
		e.Logger.Warn().Int("audience", len(recipients)).Int("batch_cap", e.BatchCap).Msg("audience truncated to batch cap")
		batch = batch[:e.BatchCap]
	}
	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	ctx, span := otel.Tracer("email-dispatch").Start(ctx, "dispatch_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", e.Provider.Name()),
		attribute.Int("dispatch.recipients", len(batch)),
	)

	unitCtx := context.WithoutCancel(ctx)
	outcomes := make(Outcomes, len(batch))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, r := range batch {
		i, r := i, r
		g.Go(func() error {
			outcomes[i] = e.deliver(unitCtx, r, factory)
			return nil
		})
	}
	_ = g.Wait()

	failed := len(outcomes.Failed())
	span.SetAttributes(attribute.Int("dispatch.failed", failed))
	e.Logger.Info().Int("recipients", len(batch)).Int("failed", failed).Msg("dispatch finished")
	return outcomes
}

func (e *Engine) deliver(ctx context.Context, r audience.Recipient, factory MessageFactory) (out Outcome) {
	out = Outcome{RecipientID: r.ID, Address: r.Email}
	stage := "render"
	defer func() {
		if p := recover(); p != nil {
			out.MessageID = ""
			out.Err = &DispatchError{RecipientID: r.ID, Stage: stage, Err: fmt.Errorf("panic: %v", p)}
		}
		if out.Err != nil {
			e.Logger.Warn().Err(out.Err).Int64("end_user_id", r.ID).Msg("recipient dispatch failed")
		}
	}()

	msg, err := factory(r)
	if err != nil {
		out.Err = &DispatchError{RecipientID: r.ID, Stage: stage, Err: err}
		return out
	}
	out.Address = msg.To

	if e.Limiter != nil {
		stage = "throttle"
		if err := e.Limiter.Wait(ctx); err != nil {
			out.Err = &DispatchError{RecipientID: r.ID, Stage: stage, Err: err}
			return out
		}
	}

	stage = "send"
	provider := e.Provider.Name()
	start := time.Now()
	id, err := e.Provider.Send(ctx, msg)
	sendLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		sentCounter.WithLabelValues(provider, "failed").Inc()
		out.Err = &DispatchError{RecipientID: r.ID, Stage: stage, Err: err}
		return out
	}
	sentCounter.WithLabelValues(provider, "sent").Inc()
	out.MessageID = id
	return out
}
