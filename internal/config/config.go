// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
type Config struct {
	Environment    string   `env:"APP_ENV" envDefault:"development"`
	Port           string   `env:"PORT" envDefault:"8080"`
	GRPCHealthPort string   `env:"GRPC_HEALTH_PORT"`
	DBPath         string   `env:"DB_PATH" envDefault:"./data/relay.db"`
	AllowedOrigins []string `env:"ALLOWED_ORIGIN" envSeparator:"," envDefault:"*"`
	PromptsFile    string   `env:"PROMPTS_FILE"`

	HandleCacheSize     int           `env:"HANDLE_CACHE_SIZE" envDefault:"4096"`
	HealthProbeInterval time.Duration `env:"HEALTH_PROBE_INTERVAL" envDefault:"15s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	OpenAI OpenAIConfig
	Poll   PollConfig
	TTS    TTSConfig
}

// OpenAIConfig addresses the hosted assistant service.
type OpenAIConfig struct {
	APIKey         string        `env:"OPENAI_API_KEY"`
	AssistantID    string        `env:"OPENAI_ASSISTANT_ID"`
	BaseURL        string        `env:"OPENAI_BASE_URL"`
	RequestTimeout time.Duration `env:"OPENAI_REQUEST_TIMEOUT" envDefault:"30s"`
}

// PollConfig bounds the job poll loop.
type PollConfig struct {
	Interval    time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	MaxAttempts int           `env:"POLL_MAX_ATTEMPTS" envDefault:"10"`
	Timeout     time.Duration `env:"POLL_TIMEOUT" envDefault:"10s"`
	Budget      time.Duration `env:"POLL_BUDGET" envDefault:"60s"`
}

// TTSConfig controls speech synthesis.
type TTSConfig struct {
	Model       string        `env:"TTS_MODEL" envDefault:"tts-1"`
	Voice       string        `env:"TTS_VOICE" envDefault:"alloy"`
	MaxAttempts int           `env:"TTS_MAX_ATTEMPTS" envDefault:"3"`
	Backoff     time.Duration `env:"TTS_BACKOFF" envDefault:"2500ms"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.OpenAI.APIKey = strings.TrimSpace(cfg.OpenAI.APIKey)
	cfg.OpenAI.AssistantID = strings.TrimSpace(cfg.OpenAI.AssistantID)
	cfg.OpenAI.BaseURL = strings.TrimSpace(cfg.OpenAI.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("POLL_INTERVAL must be > 0")
	}
	if c.Poll.MaxAttempts <= 0 {
		return errors.New("POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.Poll.Timeout <= 0 {
		return errors.New("POLL_TIMEOUT must be > 0")
	}
	if c.TTS.MaxAttempts <= 0 {
		return errors.New("TTS_MAX_ATTEMPTS must be > 0")
	}
	if c.TTS.Backoff < 0 {
		return errors.New("TTS_BACKOFF cannot be negative")
	}
	if c.HandleCacheSize <= 0 {
		return errors.New("HANDLE_CACHE_SIZE must be > 0")
	}
	return nil
}

// RequireRemote checks the settings needed to reach the assistant service.
// Commands that only read the local store skip it.
func (c *Config) RequireRemote() error {
	var missing []string
	if c.OpenAI.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.OpenAI.AssistantID == "" {
		missing = append(missing, "OPENAI_ASSISTANT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case "", "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Origins returns the trimmed, non-empty CORS origins.
func (c *Config) Origins() []string {
	out := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
