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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"

	"renderd/pkg/bus"
	"renderd/pkg/db"
	rds3 "renderd/pkg/s3"
	"renderd/pkg/telemetry"
	"renderd/services/cleaner"
	"renderd/services/orchestrator"
)

type appConfig struct {
	Addr         string        `env:"ADDR,default=:8081"`
	DBDSN        string        `env:"DB_DSN,required"`
	NATSURL      string        `env:"NATS_URL,required"`
	Bucket       string        `env:"SPACES_BUCKET"`
	CleanupDelay time.Duration `env:"CLEANUP_DELAY,default=60s"`
}

func main() {
	if err := run("renderd-orchestrator"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	shutdownTelemetry, _, logger, err := telemetry.Init(ctx, serviceName)
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

	var cfg appConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	natsBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer natsBus.Close()

	var s3Client *rds3.Client
	if cfg.Bucket != "" {
		s3Client, err = rds3.NewClientFromEnv()
		if err != nil {
			logger.Warn().Err(err).Msg("object storage unavailable")
			s3Client = nil
		}
	}

	sched, err := orchestrator.NewScheduler(
		natsBus,
		cleaner.New(pool, s3Client, cfg.Bucket, logger),
		cfg.CleanupDelay,
		logger,
		nil,
	)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	defer sched.Close()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
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
