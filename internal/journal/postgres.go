package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const defaultPostgresTable = "vox_reconciliation_journal"

// PostgresJournal persists transitions to PostgreSQL.
type PostgresJournal struct {
	db        *sql.DB
	tableName string
}

// NewPostgresJournal connects to PostgreSQL and ensures the journal table
// exists.
func NewPostgresJournal(connectionString string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	j := &PostgresJournal{db: db, tableName: defaultPostgresTable}
	if err := j.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// WithTableName overrides the journal table name for schema mapping.
func (j *PostgresJournal) WithTableName(name string) *PostgresJournal {
	j.tableName = name
	return j
}

func (j *PostgresJournal) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			purchase_token TEXT NOT NULL,
			product_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT,
			attempt INT NOT NULL DEFAULT 0,
			at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s_token_idx ON %s (purchase_token);
		CREATE INDEX IF NOT EXISTS %s_at_idx ON %s (at DESC);
	`, j.tableName, j.tableName, j.tableName, j.tableName, j.tableName)

	if _, err := j.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Append records a transition.
func (j *PostgresJournal) Append(ctx context.Context, entry Entry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (purchase_token, product_id, from_state, to_state, reason, attempt, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, j.tableName)

	_, err := j.db.ExecContext(ctx, query,
		entry.PurchaseToken,
		entry.ProductID,
		entry.FromState,
		entry.ToState,
		entry.Reason,
		entry.Attempt,
		entry.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT purchase_token, product_id, from_state, to_state, COALESCE(reason, ''), attempt, at
		FROM %s
		ORDER BY at DESC, id DESC
		LIMIT $1
	`, j.tableName)

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PurchaseToken, &e.ProductID, &e.FromState, &e.ToState, &e.Reason, &e.Attempt, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database connection.
func (j *PostgresJournal) Close() error {
	return j.db.Close()
}
