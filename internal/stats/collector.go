package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type CampaignStore interface {
	ListForStats(ctx context.Context, from, to time.Time) ([]int64, error)
	UpdateStats(ctx context.Context, id int64, stats map[string]float64) error
}

type Report struct {
	From      time.Time
	To        time.Time
	Campaigns int
	Updated   int
	Failed    int
}

// Collector copies per-campaign delivery metrics onto the campaign rows.
// The window starts StartDayOffset days ago at midnight UTC and ends
// EndDayOffset days before now.
type Collector struct {
	Source         MetricsSource
	Store          CampaignStore
	StartDayOffset int
	EndDayOffset   int
	Now            func() time.Time
	RetryWindow    time.Duration
	Logger         zerolog.Logger
}

func (c *Collector) window() (time.Time, time.Time) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now().UTC()
	start := t.AddDate(0, 0, -c.StartDayOffset)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	return start, t.AddDate(0, 0, -c.EndDayOffset)
}

// Run refreshes stats for campaignIDs, or for every campaign sent inside the
// window when none are given.
func (c *Collector) Run(ctx context.Context, campaignIDs ...int64) (Report, error) {
	start, end := c.window()
	report := Report{From: start, To: end}
	logger := c.Logger.With().Str("run_id", uuid.NewString()).Time("from", start).Time("to", end).Logger()

	ids := campaignIDs
	if len(ids) == 0 {
		var err error
		ids, err = c.Store.ListForStats(ctx, start, end)
		if err != nil {
			return report, err
		}
	}
	report.Campaigns = len(ids)
	logger.Info().Int("campaigns", len(ids)).Msg("started retrieving campaign stats")

	for _, id := range ids {
		stats, err := c.fetch(ctx, id, start, end)
		if err == nil {
			err = c.Store.UpdateStats(ctx, id, stats)
		}
		if err != nil {
			report.Failed++
			logger.Error().Err(err).Int64("campaign_id", id).Msg("campaign stats not updated")
			continue
		}
		report.Updated++
	}

	logger.Info().Int("updated", report.Updated).Int("failed", report.Failed).Msg("ended retrieving campaign stats")
	return report, nil
}

func (c *Collector) fetch(ctx context.Context, id int64, start, end time.Time) (map[string]float64, error) {
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = c.RetryWindow
	if op.MaxElapsedTime == 0 {
		op.MaxElapsedTime = 30 * time.Second
	}

	var stats map[string]float64
	err := backoff.Retry(func() error {
		var err error
		stats, err = c.Source.CampaignMetrics(ctx, id, start, end)
		return err
	}, backoff.WithContext(op, ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch stats for campaign %d: %w", id, err)
	}
	return stats, nil
}
