package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"renderd/pkg/bus"
	"renderd/pkg/db"
	rds3 "renderd/pkg/s3"
	"renderd/pkg/telemetry"
	"renderd/services/api"
	"renderd/services/api/internal/config"
	"renderd/services/cleaner"
)

func main() {
	if err := run("renderd-api"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	shutdownTelemetry, otelMiddleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("shutdown telemetry")
			}
		}
	}()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := gorm.Open(gormpg.Open(cfg.DBDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	s3Client, err := rds3.NewClientFromEnv()
	if err != nil {
		logger.Warn().Err(err).Msg("object storage unavailable; uploads disabled")
		s3Client = nil
	}

	var natsBus *bus.Bus
	if cfg.NATSURL != "" {
		natsBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer natsBus.Close()
	}

	urls, err := api.NewURLResolver(cfg.Endpoint, cfg.CDNEndpoint, cfg.Bucket, cfg.CDNMode)
	if err != nil {
		return fmt.Errorf("url resolver: %w", err)
	}

	store := &api.Store{DB: pool, ORM: orm, S3: s3Client, Bus: natsBus}
	service, err := api.New(store, urls, api.Config{
		PublicOrigin:        cfg.PublicOrigin,
		Bucket:              cfg.Bucket,
		PresignTTL:          cfg.PresignTTL,
		CleanupDelay:        cfg.CleanupDelay,
		AllowedOrigins:      cfg.AllowedOrigins,
		StatusRatePerMinute: cfg.StatusRatePerMinute,
	}, logger, nil)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	// Without a bus there is no orchestrator; deferred cleanup runs in
	// process instead.
	if natsBus == nil {
		service.WithCleaner(cleaner.New(pool, s3Client, cfg.Bucket, logger))
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelMiddleware(service.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
