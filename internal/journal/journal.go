package journal

import (
	"context"
	"errors"
	"time"

	"github.com/voxjournal/purchases/internal/config"
)

// Entry records one reconciliation state transition. The journal is an audit
// trail for operators; durability for recovery comes from the store's pending
// queue and the ledger's idempotency, never from here.
type Entry struct {
	PurchaseToken string    `json:"purchaseToken"`
	ProductID     string    `json:"productId"`
	FromState     string    `json:"fromState"`
	ToState       string    `json:"toState"`
	Reason        string    `json:"reason,omitempty"`
	Attempt       int       `json:"attempt"`
	At            time.Time `json:"at"`
}

// Journal persists reconciliation transitions.
type Journal interface {
	// Append records a transition. Failures are logged and swallowed by the
	// caller; a journal outage must never block a reconciliation.
	Append(ctx context.Context, entry Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases backend connections.
	Close() error
}

// New creates a journal based on config.
func New(cfg config.JournalConfig) (Journal, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "memory"
	}

	switch backend {
	case "memory":
		return NewMemoryJournal(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, errors.New("postgres_url required when journal backend is 'postgres'")
		}
		pg, err := NewPostgresJournal(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresTableName != "" {
			pg = pg.WithTableName(cfg.PostgresTableName)
		}
		return pg, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, errors.New("mongodb_url required when journal backend is 'mongodb'")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, errors.New("mongodb_database required when journal backend is 'mongodb'")
		}
		collection := cfg.MongoDBCollection
		if collection == "" {
			collection = "reconciliation_journal"
		}
		return NewMongoDBJournal(cfg.MongoDBURL, cfg.MongoDBDatabase, collection)
	default:
		return nil, errors.New("invalid journal backend: must be 'memory', 'postgres', or 'mongodb'")
	}
}
