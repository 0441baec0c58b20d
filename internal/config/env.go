package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. All env
// vars use the VOX_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Logging config
	setIfEnv(&c.Logging.Level, "VOX_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "VOX_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "VOX_ENVIRONMENT")

	// Store config
	setIfEnv(&c.Store.PackageName, "VOX_STORE_PACKAGE_NAME")
	setIntIfEnv(&c.Store.EventBuffer, "VOX_STORE_EVENT_BUFFER")
	setDurationIfEnv(&c.Store.ConnectTimeout, "VOX_STORE_CONNECT_TIMEOUT")

	// Ledger config
	setIfEnv(&c.Ledger.BaseURL, "VOX_LEDGER_BASE_URL")
	setIfEnv(&c.Ledger.APIKey, "VOX_LEDGER_API_KEY")
	setDurationIfEnv(&c.Ledger.Timeout, "VOX_LEDGER_TIMEOUT")
	setIntIfEnv(&c.Ledger.Retry.MaxAttempts, "VOX_LEDGER_RETRY_MAX_ATTEMPTS")
	setDurationIfEnv(&c.Ledger.Retry.InitialInterval, "VOX_LEDGER_RETRY_INITIAL_INTERVAL")
	setDurationIfEnv(&c.Ledger.Retry.MaxInterval, "VOX_LEDGER_RETRY_MAX_INTERVAL")

	// Catalog config
	setDurationIfEnv(&c.Catalog.CacheTTL, "VOX_CATALOG_CACHE_TTL")

	// Journal config
	setIfEnv(&c.Journal.Backend, "VOX_JOURNAL_BACKEND")
	setIfEnv(&c.Journal.PostgresURL, "VOX_JOURNAL_POSTGRES_URL")
	setIfEnv(&c.Journal.PostgresTableName, "VOX_JOURNAL_POSTGRES_TABLE_NAME")
	setIfEnv(&c.Journal.MongoDBURL, "VOX_JOURNAL_MONGODB_URL")
	setIfEnv(&c.Journal.MongoDBDatabase, "VOX_JOURNAL_MONGODB_DATABASE")
	setIfEnv(&c.Journal.MongoDBCollection, "VOX_JOURNAL_MONGODB_COLLECTION")

	// Debug server config
	setBoolIfEnv(&c.Debug.Enabled, "VOX_DEBUG_ENABLED")
	setIfEnv(&c.Debug.Address, "VOX_DEBUG_ADDRESS")
	setIfEnv(&c.Debug.MetricsAPIKey, "VOX_DEBUG_METRICS_API_KEY")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "VOX_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv assigns the env var value to target when the variable is set and
// non-empty.
func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setBoolIfEnv assigns a parsed boolean env var value to target.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

// setIntIfEnv assigns a parsed integer env var value to target.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

// setDurationIfEnv assigns a parsed duration env var value to target.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: parsed}
		}
	}
}
