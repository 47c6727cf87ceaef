package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/example/campaign-mailer/internal/common"
)

type MetricsSource interface {
	CampaignMetrics(ctx context.Context, campaignID int64, start, end time.Time) (map[string]float64, error)
}

// CloudWatchSource sums SES event metrics published per campaign. Each
// configured metric is filtered on its dimension with the campaign id.
type CloudWatchSource struct {
	Client  cloudwatch.GetMetricDataAPIClient
	Metrics []common.MetricConfig
}

func (s *CloudWatchSource) CampaignMetrics(ctx context.Context, campaignID int64, start, end time.Time) (map[string]float64, error) {
	id := strconv.FormatInt(campaignID, 10)
	queries := make([]types.MetricDataQuery, len(s.Metrics))
	for i, m := range s.Metrics {
		stat := &types.MetricStat{
			Metric: &types.Metric{
				Namespace:  aws.String(m.Namespace),
				MetricName: aws.String(m.MetricName),
				Dimensions: []types.Dimension{{Name: aws.String(m.DimensionName), Value: aws.String(id)}},
			},
			Period: aws.Int32(m.Period),
			Stat:   aws.String(m.Stat),
		}
		if m.Unit != "" {
			stat.Unit = types.StandardUnit(m.Unit)
		}
		queries[i] = types.MetricDataQuery{Id: aws.String(m.ID), MetricStat: stat}
	}

	paginator := cloudwatch.NewGetMetricDataPaginator(s.Client, &cloudwatch.GetMetricDataInput{
		MetricDataQueries: queries,
		StartTime:         aws.Time(start),
		EndTime:           aws.Time(end),
	})

	totals := make(map[string]float64, len(s.Metrics))
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get metric data for campaign %d: %w", campaignID, err)
		}
		for _, result := range page.MetricDataResults {
			key := aws.ToString(result.Id)
			sum := totals[key]
			for _, v := range result.Values {
				sum += v
			}
			totals[key] = sum
		}
	}
	return totals, nil
}
