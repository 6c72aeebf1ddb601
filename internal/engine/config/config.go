// Package config decodes the engine's recognized environment options
// (spec §6) via struct tags, grounded on pkg/config.Load's
// godotenv+envdecode idiom.
package config

import (
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every environment option spec §6 names, plus the process
// wiring (listen address, auth secrets) needed to run cmd/engineserver.
type Config struct {
	Addr string `env:"HTTP_ADDR,default=:8080"`

	DatabaseURL string `env:"DATABASE_URL"`
	RunMigrate  bool   `env:"RUN_MIGRATIONS,default=true"`

	JWTSecret      string `env:"JWT_SIGNING_KEY"`
	CronSecretsCSV string `env:"TICK_AUTH_SECRET"`

	MaxStepsPerTick         int     `env:"MAX_STEPS_PER_TICK,default=10"`
	MaxConcurrency          int     `env:"MAX_CONCURRENCY,default=5"`
	PollIntervalMs          int     `env:"POLL_INTERVAL_MS,default=2000"`
	PingIntervalMs          int     `env:"PING_INTERVAL_MS,default=30000"`
	StallThresholdMs        int     `env:"STALL_THRESHOLD_MS,default=300000"`
	DefaultRetryCap         int     `env:"DEFAULT_RETRY_CAP,default=3"`
	BackoffBaseMs           int     `env:"BACKOFF_BASE_MS,default=1000"`
	BackoffMaxMs            int     `env:"BACKOFF_MAX_MS,default=60000"`
	JitterFraction          float64 `env:"JITTER_FRACTION,default=0.1"`
	DefaultPaymentMaxAtomic string  `env:"DEFAULT_PAYMENT_MAX_ATOMIC,default=1000000"`
	DefaultNetwork          string  `env:"DEFAULT_NETWORK,default=eip155:84532"`

	TickIntervalMs int `env:"TICK_INTERVAL_MS,default=10000"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads a .env file if present (ignored when absent, matching
// pkg/config.Load's "no overrides required for local runs" convention)
// then decodes the environment into a Config with the spec's §6 defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, err
		}
		*cfg = defaults()
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Addr:                    ":8080",
		RunMigrate:              true,
		MaxStepsPerTick:         10,
		MaxConcurrency:          5,
		PollIntervalMs:          2000,
		PingIntervalMs:          30000,
		StallThresholdMs:        300000,
		DefaultRetryCap:         3,
		BackoffBaseMs:           1000,
		BackoffMaxMs:            60000,
		JitterFraction:          0.1,
		DefaultPaymentMaxAtomic: "1000000",
		DefaultNetwork:          "eip155:84532",
		TickIntervalMs:          10000,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// CronSecrets splits the comma-separated TICK_AUTH_SECRET value into a set
// suitable for the Boundary's bearer-secret check.
func (c *Config) CronSecrets() map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range strings.Split(c.CronSecretsCSV, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// StallThreshold returns the configured stall window as a time.Duration.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdMs) * time.Millisecond
}

// TickInterval returns the configured scheduled-tick cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}
