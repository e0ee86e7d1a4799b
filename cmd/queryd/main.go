package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/glqstrauss/cityjobs/internal/api"
	"github.com/glqstrauss/cityjobs/internal/blob"
	"github.com/glqstrauss/cityjobs/internal/cache"
	cacheredis "github.com/glqstrauss/cityjobs/internal/cache/redis"
	"github.com/glqstrauss/cityjobs/internal/config"
	"github.com/glqstrauss/cityjobs/internal/database"
	"github.com/glqstrauss/cityjobs/internal/errors"
	"github.com/glqstrauss/cityjobs/internal/events"
	"github.com/glqstrauss/cityjobs/internal/messaging"
	"github.com/glqstrauss/cityjobs/internal/query"
	"github.com/glqstrauss/cityjobs/internal/telemetry"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return zap.NewProduction()
}

func newNATSConnection(cfg *config.Config) (*nats.Conn, error) {
	return messaging.Connect(cfg.NATSURL, cfg.NATSConnTimeout, "query-service")
}

func newClickHouseConnection(cfg *config.Config, logger *zap.Logger) (clickhouse.Conn, error) {
	db, err := database.New(context.Background(), database.Options{
		Addr:            cfg.ClickHouseAddr,
		MaxOpenConns:    cfg.ClickHouseMaxOpenConns,
		MaxIdleConns:    cfg.ClickHouseMaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouseConnMaxLife,
		Username:        cfg.ClickHouseUsername,
		Password:        cfg.ClickHousePassword,
		Database:        cfg.ClickHouseDatabase,
	}, logger)
	if err != nil {
		return nil, err
	}
	return db.Conn(), nil
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

func newCache(cfg *config.Config) cache.Cache {
	return cacheredis.New(cache.Options{
		DefaultTTL:    cfg.CacheTTL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
}

func newEngine(conn clickhouse.Conn, store blob.Store, c cache.Cache, cfg *config.Config, logger *zap.Logger) *query.Engine {
	return query.NewEngine(conn, store, c, cfg.CacheTTL, logger)
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			newLogger,
			newNATSConnection,
			newClickHouseConnection,
			newBlobStore,
			newCache,
			newEngine,
			events.NewSnapshotHandler,
			api.NewHandler,
		),
		fx.Invoke(
			func(cfg *config.Config, lc fx.Lifecycle) {
				var shutdown func()
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						s, err := telemetry.InitTracer(ctx, "query-service", cfg.OTELCollectorURL)
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
			func(engine *query.Engine, logger *zap.Logger, lc fx.Lifecycle) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						engine.EnsureSearchIndex(ctx)
						if err := engine.LoadLatest(ctx); err != nil {
							if errors.IsType(err, errors.ErrTypeNotFound) {
								logger.Warn("no snapshot committed yet, serving 503 until first ingestion run")
								return nil
							}
							return err
						}
						return nil
					},
				})
			},
			func(handler *events.SnapshotHandler, lc fx.Lifecycle) error {
				return handler.RegisterSubscriptions(lc)
			},
			func(cfg *config.Config, handler *api.Handler, logger *zap.Logger, lc fx.Lifecycle) {
				e := echo.New()
				e.HideBanner = true
				handler.Register(e)

				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						go func() {
							if err := e.Start(cfg.HTTPAddr); err != nil {
								logger.Info("http server stopped", zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						return e.Shutdown(ctx)
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
