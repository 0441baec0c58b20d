package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Store: StoreConfig{
			EventBuffer:    64,
			ConnectTimeout: Duration{Duration: 10 * time.Second},
		},
		Ledger: LedgerConfig{
			Timeout: Duration{Duration: 10 * time.Second},
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 2 * time.Minute},
				Multiplier:      2.0,
			},
		},
		Catalog: CatalogConfig{
			CacheTTL: Duration{Duration: 15 * time.Minute},
		},
		Pricing: PricingConfig{
			Products: map[string]int64{},
		},
		Journal: JournalConfig{
			Backend: "memory",
		},
		Debug: DebugConfig{
			Enabled:         false,
			Address:         ":9464",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 15 * time.Second},
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			RateLimit:       120,
			RateLimitWindow: Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			LedgerAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			StoreAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
