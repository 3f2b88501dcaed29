package api

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultCleanupDelay   = 60 * time.Second
	defaultStatusRateRPM  = 120
	defaultOutputPageSize = 5
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// PublicOrigin is the externally reachable base URL of this service,
	// used to build callback endpoints handed to machines.
	PublicOrigin string
	// Bucket is the object storage bucket holding run outputs and uploads.
	Bucket string
	// PresignTTL bounds presigned upload URL validity.
	PresignTTL time.Duration
	// CleanupDelay is the default wait before deferred single-run cleanup.
	CleanupDelay time.Duration
	// AllowedOrigins configures CORS for browser clients.
	AllowedOrigins []string
	// StatusRatePerMinute rate-limits the public status endpoint.
	StatusRatePerMinute int
}

// API wires dependencies, URL derivation, and configuration for HTTP handlers.
type API struct {
	store    *Store
	urls     *URLResolver
	config   Config
	policies map[string]DispatchPolicy
	metrics  *metrics
	log      zerolog.Logger
	cleaner  RunCleaner
}

// New initialises the API layer with sane defaults applied to the provided
// configuration.
func New(store *Store, urls *URLResolver, cfg Config, logger zerolog.Logger, reg prometheus.Registerer) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if store.DB == nil {
		return nil, errors.New("store DB pool is required")
	}
	if urls == nil {
		return nil, errors.New("url resolver is required")
	}
	if cfg.PublicOrigin == "" {
		return nil, errors.New("public origin is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = defaultCleanupDelay
	}
	if cfg.StatusRatePerMinute <= 0 {
		cfg.StatusRatePerMinute = defaultStatusRateRPM
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &API{
		store:    store,
		urls:     urls,
		config:   cfg,
		policies: defaultPolicies(),
		metrics:  newMetrics(reg),
		log:      logger,
	}, nil
}
