package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Store.EventBuffer <= 0 {
		c.Store.EventBuffer = 64
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = "memory"
	}

	return c.validate()
}

// validate checks configuration invariants that would otherwise surface as
// runtime failures deep inside a reconciliation.
func (c *Config) validate() error {
	var errs []error

	if c.Ledger.BaseURL == "" {
		errs = append(errs, errors.New("ledger.base_url is required"))
	} else if u, err := url.Parse(c.Ledger.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("ledger.base_url %q is not a valid URL", c.Ledger.BaseURL))
	}

	if c.Store.PackageName == "" {
		errs = append(errs, errors.New("store.package_name is required"))
	}

	if c.Ledger.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ledger.retry.max_attempts must be >= 1, got %d", c.Ledger.Retry.MaxAttempts))
	}
	if c.Ledger.Retry.Multiplier < 1.0 {
		errs = append(errs, fmt.Errorf("ledger.retry.multiplier must be >= 1.0, got %v", c.Ledger.Retry.Multiplier))
	}

	for id, amount := range c.Pricing.Products {
		if amount <= 0 {
			errs = append(errs, fmt.Errorf("pricing.products[%s]: amount must be positive, got %d", id, amount))
		}
	}

	switch c.Journal.Backend {
	case "memory":
	case "postgres":
		if c.Journal.PostgresURL == "" {
			errs = append(errs, errors.New("journal.postgres_url required when journal.backend is 'postgres'"))
		}
	case "mongodb":
		if c.Journal.MongoDBURL == "" {
			errs = append(errs, errors.New("journal.mongodb_url required when journal.backend is 'mongodb'"))
		}
		if c.Journal.MongoDBDatabase == "" {
			errs = append(errs, errors.New("journal.mongodb_database required when journal.backend is 'mongodb'"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.backend must be 'memory', 'postgres', or 'mongodb', got %q", c.Journal.Backend))
	}

	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
