package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-mailer/internal/common"
	"github.com/example/campaign-mailer/internal/notification"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("notifications")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	if cfg.Schedule != "" {
		metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
		defer metricsSrv.Shutdown(context.Background())
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("store timezone")
	}

	pool, err := common.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	store, err := notification.NewPostgresStore(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("notification store")
	}

	queue, closeQueue, err := newQueue(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Ingest.Backend).Msg("notification queue")
	}
	defer closeQueue()

	loop := &notification.Loop{
		Queue:     queue,
		Store:     store,
		BatchSize: cfg.Ingest.BatchSize,
		MaxPolls:  cfg.Ingest.MaxPolls,
		Location:  loc,
		Logger:    logger,
	}

	if err := common.RunSchedule(ctx, cfg.Schedule, logger, func(ctx context.Context) error {
		return runOnce(ctx, cfg, logger, loop)
	}); err != nil {
		logger.Fatal().Err(err).Msg("notification ingestion stopped")
	}
}

func runOnce(ctx context.Context, cfg *common.Config, logger zerolog.Logger, loop *notification.Loop) error {
	report, err := loop.Run(ctx)
	if cfg.Schedule == "" {
		if perr := common.PushMetrics(cfg.PushgatewayURL, cfg.ServiceName); perr != nil {
			logger.Warn().Err(perr).Msg("metrics not pushed")
		}
	}
	if err != nil {
		return err
	}
	logger.Info().
		Int("polls", report.Polls).
		Int("received", report.Received).
		Int("persisted", report.Persisted).
		Int("acknowledged", report.Acknowledged).
		Int("parse_failures", report.ParseFailures).
		Msg("notification run finished")
	return nil
}

func newQueue(ctx context.Context, cfg *common.Config) (notification.Queue, func(), error) {
	switch cfg.Ingest.Backend {
	case "sqs":
		awsCfg, err := common.LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		q, err := notification.NewSQSQueue(ctx, sqs.NewFromConfig(awsCfg), cfg.Ingest.QueueName, int32(cfg.Ingest.WaitSeconds))
		if err != nil {
			return nil, nil, err
		}
		return q, func() {}, nil
	case "kafka":
		q := notification.NewKafkaQueue(func() notification.KafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.Kafka.Brokers,
				GroupID: cfg.Kafka.GroupID,
				Topic:   cfg.Kafka.NotificationTopic,
			})
		}, cfg.Kafka.PollWindow)
		return q, func() { _ = q.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ingest backend %q", cfg.Ingest.Backend)
	}
}
