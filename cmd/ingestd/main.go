package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/config"
	"github.com/glqstrauss/cityjobs/internal/events"
	"github.com/glqstrauss/cityjobs/internal/history"
	"github.com/glqstrauss/cityjobs/internal/messaging"
	"github.com/glqstrauss/cityjobs/internal/pipeline"
	"github.com/glqstrauss/cityjobs/internal/scheduler"
	"github.com/glqstrauss/cityjobs/internal/source"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return zap.NewProduction()
}

func newNATSConnection(cfg *config.Config) (*nats.Conn, error) {
	return messaging.Connect(cfg.NATSURL, cfg.NATSConnTimeout, "ingest-service")
}

func newSourceClient(cfg *config.Config, logger *zap.Logger) source.Client {
	return source.NewClient(logger, source.Options{
		BaseURL:   cfg.SocrataBaseURL,
		DatasetID: cfg.DatasetID,
		KeyID:     cfg.SocrataKeyID,
		KeySecret: cfg.SocrataSecret,
		PageSize:  cfg.PageSize,
		Timeout:   cfg.SocrataTimeout,
	})
}

func newBlobStore(cfg *config.Config, logger *zap.Logger) (blob.Store, error) {
	return blob.NewS3Store(context.Background(), blob.S3Options{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathType,
	}, logger)
}

func newTriggerHandler(cfg *config.Config, logger *zap.Logger, nc *nats.Conn, p *pipeline.Pipeline) *events.TriggerHandler {
	return events.NewTriggerHandler(logger, nc, p, cfg.RunTimeout)
}

func newScheduler(cfg *config.Config, logger *zap.Logger, p *pipeline.Pipeline) *scheduler.Scheduler {
	return scheduler.New(p, logger, cfg.PollingInterval, cfg.RunTimeout)
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			newLogger,
			newNATSConnection,
			newSourceClient,
			newBlobStore,
			history.NewAggregator,
			messaging.NewPublisher,
			pipeline.New,
			newTriggerHandler,
			newScheduler,
		),
		fx.Invoke(
			func(cfg *config.Config, lc fx.Lifecycle) {
				var shutdown func()
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						s, err := telemetry.InitTracer(ctx, "ingest-service", cfg.OTELCollectorURL)
						if err != nil {
							return err
						}
						shutdown = s
						return nil
					},
					OnStop: func(context.Context) error {
						if shutdown != nil {
							shutdown()
						}
						return nil
					},
				})
			},
			func(handler *events.TriggerHandler, lc fx.Lifecycle) error {
				return handler.RegisterSubscriptions(lc)
			},
			func(s *scheduler.Scheduler, logger *zap.Logger, lc fx.Lifecycle) {
				runCtx, cancel := context.WithCancel(context.Background())
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						go func() {
							if err := s.Start(runCtx); err != nil && err != context.Canceled {
								logger.Error("scheduler stopped", zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						cancel()
						s.Stop()
						return nil
					},
				})
			},
		),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	if err := app.Stop(context.Background()); err != nil {
		log.Fatal(err)
	}
}
