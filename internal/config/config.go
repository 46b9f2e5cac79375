// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting of the service and the CLI.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	ClassifierAddr            string        `envconfig:"CLASSIFIER_ADDR" default:"classifier:50051"`
	ClassifierTimeout         time.Duration `envconfig:"CLASSIFIER_TIMEOUT" default:"10s"`
	ClassifierDialTimeout     time.Duration `envconfig:"CLASSIFIER_DIAL_TIMEOUT" default:"5s"`
	ClassifierBreakerFailures uint32        `envconfig:"CLASSIFIER_BREAKER_FAILURES" default:"5"`
	ClassifierBreakerTimeout  time.Duration `envconfig:"CLASSIFIER_BREAKER_TIMEOUT" default:"30s"`

	AdvisoryThreshold float64 `envconfig:"DIAGNOSIS_ADVISORY_THRESHOLD" default:"85"`

	// RedisAddr empty disables status tracking.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"2"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"5"`
	MaxUploadBytes int64   `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the process environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ClassifierAddr == "":
		return errors.New("CLASSIFIER_ADDR must not be empty")
	case c.ClassifierTimeout <= 0:
		return errors.New("CLASSIFIER_TIMEOUT must be positive")
	case c.AdvisoryThreshold <= 0 || c.AdvisoryThreshold > 100:
		return fmt.Errorf("DIAGNOSIS_ADVISORY_THRESHOLD must be in (0, 100], got %v", c.AdvisoryThreshold)
	case c.RateLimitRPS <= 0 || c.RateLimitBurst < 1:
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	case c.MaxUploadBytes <= 0:
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}
