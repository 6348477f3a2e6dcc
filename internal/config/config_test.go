package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Fatalf("port = %d, want default 8787", cfg.Server.Port)
	}
	if len(cfg.Queues) != 0 {
		t.Fatalf("expected no queues by default, got %d", len(cfg.Queues))
	}
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
queues:
  - name: orders
    max_batch_size: 10
    max_batch_timeout_ms: 0
    dead_letter_queue: orders-dlq
    target: http://localhost:9999/consume
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("host = %q, want default preserved", cfg.Server.Host)
	}
	if len(cfg.Queues) != 1 {
		t.Fatalf("queues = %d, want 1", len(cfg.Queues))
	}
	q := cfg.Queues[0]
	if q.MaxBatchSize == nil || *q.MaxBatchSize != 10 {
		t.Fatalf("max_batch_size = %v, want 10", q.MaxBatchSize)
	}
	// Explicit zero must stay distinguishable from absent.
	if q.MaxBatchTimeoutMs == nil || *q.MaxBatchTimeoutMs != 0 {
		t.Fatalf("max_batch_timeout_ms = %v, want explicit 0", q.MaxBatchTimeoutMs)
	}
	if q.MaxRetries != nil {
		t.Fatalf("max_retries = %v, want absent (nil)", q.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MINIFLARE_PORT", "9100")
	t.Setenv("MINIFLARE_DATA_DIR", "/tmp/mf-data")
	t.Setenv("MINIFLARE_AUTH_API_KEY", "sekret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Server.DataDir != "/tmp/mf-data" {
		t.Fatalf("data_dir = %q", cfg.Server.DataDir)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "sekret" {
		t.Fatalf("auth = %+v, want enabled with env key", cfg.Auth)
	}
}

func TestValidate_Rejections(t *testing.T) {
	ptr := func(n int) *int { return &n }
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }},
		{"bad queue name", func(c *Config) {
			c.Queues = []QueueConfig{{Name: "spaces not allowed"}}
		}},
		{"duplicate queue", func(c *Config) {
			c.Queues = []QueueConfig{{Name: "q"}, {Name: "q"}}
		}},
		{"batch size over limit", func(c *Config) {
			c.Queues = []QueueConfig{{Name: "q", MaxBatchSize: ptr(101)}}
		}},
		{"timeout over limit", func(c *Config) {
			c.Queues = []QueueConfig{{Name: "q", MaxBatchTimeoutMs: ptr(int(31 * time.Second / time.Millisecond))}}
		}},
		{"retries over limit", func(c *Config) {
			c.Queues = []QueueConfig{{Name: "q", MaxRetries: ptr(101)}}
		}},
		{"self dead letter", func(c *Config) {
			c.Queues = []QueueConfig{{Name: "q", DeadLetterQueue: "q"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"orders", "orders-dlq", "A_1"} {
		if !ValidName(ok) {
			t.Errorf("ValidName(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "has space", "slash/name", "x1234567890123456789012345678901234567890123456789012345678901234"} {
		if ValidName(bad) {
			t.Errorf("ValidName(%q) = true, want false", bad)
		}
	}
}
