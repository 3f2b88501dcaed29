package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func loadFrom(t *testing.T, env map[string]string) (Config, error) {
	t.Helper()
	var cfg Config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(env),
	})
	return cfg, err
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{
		"DB_DSN":              "postgres://localhost/renderd",
		"PUBLIC_ORIGIN":       "https://api.example.com",
		"SPACES_BUCKET":       "renderd",
		"SPACES_CDN_ENDPOINT": "https://cdn.example.com",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.CDNMode != "path-style" {
		t.Errorf("CDNMode = %q, want path-style", cfg.CDNMode)
	}
	if cfg.PresignTTL != 15*time.Minute {
		t.Errorf("PresignTTL = %v, want 15m", cfg.PresignTTL)
	}
	if cfg.CleanupDelay != 60*time.Second {
		t.Errorf("CleanupDelay = %v, want 60s", cfg.CleanupDelay)
	}
	if cfg.StatusRatePerMinute != 120 {
		t.Errorf("StatusRatePerMinute = %d, want 120", cfg.StatusRatePerMinute)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	cases := []map[string]string{
		{"PUBLIC_ORIGIN": "https://api.example.com", "SPACES_BUCKET": "b", "SPACES_CDN_ENDPOINT": "https://cdn"},
		{"DB_DSN": "postgres://localhost/renderd", "SPACES_BUCKET": "b", "SPACES_CDN_ENDPOINT": "https://cdn"},
		{"DB_DSN": "postgres://localhost/renderd", "PUBLIC_ORIGIN": "https://api.example.com"},
	}
	for i, env := range cases {
		if _, err := loadFrom(t, env); err == nil {
			t.Errorf("case %d: expected error for missing required variable", i)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{
		"ADDR":                   ":9090",
		"DB_DSN":                 "postgres://localhost/renderd",
		"PUBLIC_ORIGIN":          "https://api.example.com",
		"SPACES_BUCKET":          "renderd",
		"SPACES_CDN_ENDPOINT":    "https://cdn.example.com",
		"SPACES_CDN_MODE":        "virtual-host",
		"CORS_ALLOWED_ORIGINS":   "https://a.example.com,https://b.example.com",
		"CLEANUP_DELAY":          "5m",
		"STATUS_RATE_PER_MINUTE": "30",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Addr)
	}
	if cfg.CDNMode != "virtual-host" {
		t.Errorf("CDNMode = %q, want virtual-host", cfg.CDNMode)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
	if cfg.CleanupDelay != 5*time.Minute {
		t.Errorf("CleanupDelay = %v, want 5m", cfg.CleanupDelay)
	}
	if cfg.StatusRatePerMinute != 30 {
		t.Errorf("StatusRatePerMinute = %d, want 30", cfg.StatusRatePerMinute)
	}
}
