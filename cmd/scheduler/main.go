package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/campaign-mailer/internal/audience"
	"github.com/example/campaign-mailer/internal/campaign"
	"github.com/example/campaign-mailer/internal/common"
	"github.com/example/campaign-mailer/internal/email"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("scheduler")
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

	repo, err := campaign.NewPostgresRepository(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("campaign repository")
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("email provider")
	}

	engine := &email.Engine{
		Provider: provider,
		Workers:  cfg.Dispatch.Workers,
		BatchCap: cfg.Dispatch.BatchCap,
		Logger:   logger,
	}
	if cfg.Dispatch.RatePerSec > 0 {
		engine.Limiter = rate.NewLimiter(rate.Limit(cfg.Dispatch.RatePerSec), 1)
	}

	scheduler := &campaign.Scheduler{
		Store: repo,
		Processor: &campaign.Processor{
			Campaigns:     repo,
			Templates:     campaign.FileTemplateSource{BaseDir: cfg.Email.TemplateDir},
			Audience:      audience.NewResolver(pool),
			Dispatcher:    engine,
			FromEmail:     cfg.Email.FromEmail,
			ImageBaseURL:  cfg.Email.ImageBaseURL,
			Production:    cfg.Production(),
			TestRecipient: cfg.Email.TestRecipient,
			Logger:        logger,
		},
		Location: loc,
		Logger:   logger,
	}

	if err := common.RunSchedule(ctx, cfg.Schedule, logger, func(ctx context.Context) error {
		return runOnce(ctx, cfg, logger, scheduler)
	}); err != nil {
		logger.Fatal().Err(err).Msg("campaign scheduler stopped")
	}
}

func runOnce(ctx context.Context, cfg *common.Config, logger zerolog.Logger, scheduler *campaign.Scheduler) error {
	report, err := scheduler.Run(ctx)
	if cfg.Schedule == "" {
		if perr := common.PushMetrics(cfg.PushgatewayURL, cfg.ServiceName); perr != nil {
			logger.Warn().Err(perr).Msg("metrics not pushed")
		}
	}
	if err != nil {
		return err
	}
	logger.Info().
		Int("due", report.Due).
		Int("triggered", report.Triggered).
		Int("closed", report.Closed).
		Int("failed", report.Failed).
		Int("stuck", report.Stuck).
		Msg("campaign run finished")
	return nil
}

func newProvider(ctx context.Context, cfg *common.Config) (email.Provider, error) {
	switch cfg.Email.Provider {
	case "ses":
		awsCfg, err := common.LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return &email.SESProvider{
			Client:           ses.NewFromConfig(awsCfg),
			MessageTag:       cfg.Email.MessageTag,
			ConfigurationSet: cfg.Email.ConfigurationSet,
		}, nil
	case "sendgrid":
		return &email.SendGridProvider{
			Endpoint: cfg.Email.SendGridEndpoint,
			APIKey:   cfg.Email.SendGridAPIKey,
			Client:   http.DefaultClient,
		}, nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}
}
