// Package config holds all configuration types and loading logic for the
// simulator. Config structure never shrinks — fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a simulator instance.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Auth      AuthConfig     `yaml:"auth"`
	Producers ProducerConfig `yaml:"producers"`
	Queues    []QueueConfig  `yaml:"queues"`
}

// ServerConfig holds network and storage settings for the HTTP server.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// ProducerConfig sets rate limiting applied per producer address.
type ProducerConfig struct {
	// MaxRate is requests per second per producer. Zero disables limiting.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// QueueConfig declares one queue and its consumer. Queues referenced only as
// a dead_letter_queue (or hit at runtime by a producer) need no entry here;
// they come into existence on first use.
//
// The consumer fields are pointers so "absent" and "explicit zero" stay
// distinguishable: max_batch_timeout_ms: 0 means flush on the next tick,
// while an omitted field means the 1s default. max_batch_size is the
// exception — a batch of zero messages is meaningless, so an explicit 0
// falls back to the default of 5 just like an omitted field.
type QueueConfig struct {
	Name string `yaml:"name"`

	MaxBatchSize      *int `yaml:"max_batch_size"`
	MaxBatchTimeoutMs *int `yaml:"max_batch_timeout_ms"`
	MaxRetries        *int `yaml:"max_retries"`

	DeadLetterQueue string `yaml:"dead_letter_queue"`

	// Target is the consumer endpoint batches are POSTed to. A queue with no
	// target accepts and discards ingress.
	Target string `yaml:"target"`
	// Secret, when set, signs each delivery so the consumer can authenticate it.
	Secret string `yaml:"secret"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8787,
			DataDir: "./data",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Producers: ProducerConfig{
			MaxRate: 1_000,
			Burst:   5_000,
		},
		Queues: []QueueConfig{},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run the simulator with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	MINIFLARE_AUTH_API_KEY — sets auth.api_key and enables auth (auth.enabled = true)
//	MINIFLARE_DATA_DIR     — sets server.data_dir
//	MINIFLARE_PORT         — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MINIFLARE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("MINIFLARE_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("MINIFLARE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// queueNameRe matches the names accepted for queues and KV namespaces.
var queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidName reports whether s is an acceptable queue or namespace name.
func ValidName(s string) bool { return queueNameRe.MatchString(s) }

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth.enabled is true")
	}
	if c.Producers.MaxRate < 0 {
		return errors.New("producers.max_rate must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Queues))
	for i, q := range c.Queues {
		if !ValidName(q.Name) {
			return fmt.Errorf("queues[%d].name %q must match %s", i, q.Name, queueNameRe)
		}
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("queues[%d].name %q declared twice", i, q.Name)
		}
		seen[q.Name] = struct{}{}

		if q.MaxBatchSize != nil && (*q.MaxBatchSize < 0 || *q.MaxBatchSize > 100) {
			return fmt.Errorf("queues[%d].max_batch_size must be between 0 and 100", i)
		}
		if q.MaxBatchTimeoutMs != nil && (*q.MaxBatchTimeoutMs < 0 || *q.MaxBatchTimeoutMs > 30_000) {
			return fmt.Errorf("queues[%d].max_batch_timeout_ms must be between 0 and 30000", i)
		}
		if q.MaxRetries != nil && (*q.MaxRetries < 0 || *q.MaxRetries > 100) {
			return fmt.Errorf("queues[%d].max_retries must be between 0 and 100", i)
		}
		if q.DeadLetterQueue != "" {
			if q.DeadLetterQueue == q.Name {
				return fmt.Errorf("queues[%d]: a queue cannot be its own dead letter queue", i)
			}
			if !ValidName(q.DeadLetterQueue) {
				return fmt.Errorf("queues[%d].dead_letter_queue %q must match %s", i, q.DeadLetterQueue, queueNameRe)
			}
		}
	}
	return nil
}
