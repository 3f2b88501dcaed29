package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the run control-plane service.
type Config struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN,required"`
	PublicOrigin string `env:"PUBLIC_ORIGIN,required"`

	Bucket      string `env:"SPACES_BUCKET,required"`
	CDNEndpoint string `env:"SPACES_CDN_ENDPOINT,required"`
	CDNMode     string `env:"SPACES_CDN_MODE,default=path-style"`
	Endpoint    string `env:"SPACES_ENDPOINT"`

	NATSURL string `env:"NATS_URL"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	AllowedOrigins      []string      `env:"CORS_ALLOWED_ORIGINS"`
	PresignTTL          time.Duration `env:"PRESIGN_TTL,default=15m"`
	CleanupDelay        time.Duration `env:"CLEANUP_DELAY,default=60s"`
	StatusRatePerMinute int           `env:"STATUS_RATE_PER_MINUTE,default=120"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
