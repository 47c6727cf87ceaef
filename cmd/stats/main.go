package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"github.com/example/campaign-mailer/internal/campaign"
	"github.com/example/campaign-mailer/internal/common"
	"github.com/example/campaign-mailer/internal/stats"
)

// Campaign ids given as arguments are refreshed regardless of the window.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("stats")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	var ids []int64
	for _, arg := range os.Args[1:] {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			logger.Fatal().Err(err).Str("arg", arg).Msg("campaign ids must be integers")
		}
		ids = append(ids, id)
	}
	if len(cfg.Stats.Metrics) == 0 {
		logger.Fatal().Msg("stats.metrics must list at least one metric")
	}

	pool, err := common.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	repo, err := campaign.NewPostgresRepository(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("campaign repository")
	}

	awsCfg, err := common.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		logger.Fatal().Err(err).Msg("aws config")
	}

	collector := &stats.Collector{
		Source: &stats.CloudWatchSource{
			Client:  cloudwatch.NewFromConfig(awsCfg),
			Metrics: cfg.Stats.Metrics,
		},
		Store:          repo,
		StartDayOffset: cfg.Stats.StartDayOffset,
		EndDayOffset:   cfg.Stats.EndDayOffset,
		Logger:         logger,
	}

	if err := common.RunSchedule(ctx, cfg.Schedule, logger, func(ctx context.Context) error {
		_, err := collector.Run(ctx, ids...)
		return err
	}); err != nil {
		logger.Fatal().Err(err).Msg("stats collection failed")
	}
	if cfg.Schedule == "" {
		if err := common.PushMetrics(cfg.PushgatewayURL, cfg.ServiceName); err != nil {
			logger.Warn().Err(err).Msg("metrics not pushed")
		}
	}
}
