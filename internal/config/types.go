package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or
// numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits
// human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and
// environment variables.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Store          StoreConfig          `yaml:"store"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Journal        JournalConfig        `yaml:"journal"`
	Debug          DebugConfig          `yaml:"debug"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // development, production
}

// StoreConfig holds platform store configuration.
type StoreConfig struct {
	// PackageName is the application package/bundle identifier attached to
	// every receipt submission.
	PackageName string `yaml:"package_name"`

	// EventBuffer is the per-subscriber buffer size on the purchase event
	// stream. Events beyond this are delivered once a consumer catches up;
	// they are never dropped.
	EventBuffer int `yaml:"event_buffer"`

	// ConnectTimeout bounds the initial store session handshake.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// LedgerConfig holds backend ledger client configuration.
type LedgerConfig struct {
	BaseURL string      `yaml:"base_url"`
	APIKey  string      `yaml:"api_key"`
	Timeout Duration    `yaml:"timeout"`
	Retry   RetryConfig `yaml:"retry"`
}

// RetryConfig holds bounded exponential backoff settings for transient
// ledger failures.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// CatalogConfig holds product catalog caching configuration.
type CatalogConfig struct {
	// CacheTTL controls how long fetched product definitions stay valid.
	// Zero disables caching (every lookup is a store round trip).
	CacheTTL Duration `yaml:"cache_ttl"`
}

// PricingConfig holds the fixed productId -> credited amount mapping.
// This mirrors the backend's authoritative table; it is configuration, never
// user input, so a tampered client UI cannot inflate a credit.
type PricingConfig struct {
	Products map[string]int64 `yaml:"products"`
}

// JournalConfig selects the reconciliation transition journal backend.
type JournalConfig struct {
	Backend           string `yaml:"backend"` // memory, postgres, mongodb
	PostgresURL       string `yaml:"postgres_url"`
	PostgresTableName string `yaml:"postgres_table_name"`
	MongoDBURL        string `yaml:"mongodb_url"`
	MongoDBDatabase   string `yaml:"mongodb_database"`
	MongoDBCollection string `yaml:"mongodb_collection"`
}

// DebugConfig holds the operational HTTP surface configuration.
type DebugConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	MetricsAPIKey      string   `yaml:"metrics_api_key"` // optional protection for /metrics
	RateLimit          int      `yaml:"rate_limit"`      // requests per window per IP
	RateLimitWindow    Duration `yaml:"rate_limit_window"`
}

// CircuitBreakerConfig holds per-service breaker settings.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	LedgerAPI BreakerServiceConfig `yaml:"ledger_api"`
	StoreAPI  BreakerServiceConfig `yaml:"store_api"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
