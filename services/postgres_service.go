package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const createStructuredDataTable = `
    CREATE TABLE IF NOT EXISTS structured_data (
        conversation_id TEXT NOT NULL,
        category        TEXT NOT NULL,
        payload         JSONB NOT NULL,
        updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (conversation_id, category)
    )
`

// PostgresStructuredStore keeps the latest structured payload per
// (conversation, category).
type PostgresStructuredStore struct {
	db *sql.DB
}

// OpenPostgres connects and pings, defaulting sslmode to disable.
func OpenPostgres(ctx context.Context, postgresURI string) (*sql.DB, error) {
	connStr := postgresURI
	if !strings.Contains(postgresURI, "sslmode=") {
		if strings.Contains(postgresURI, "?") {
			connStr += "&sslmode=disable"
		} else if strings.Contains(postgresURI, "://") {
			connStr += "?sslmode=disable"
		} else {
			connStr += " sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStructuredStore(ctx context.Context, db *sql.DB) (*PostgresStructuredStore, error) {
	if _, err := db.ExecContext(ctx, createStructuredDataTable); err != nil {
		return nil, fmt.Errorf("create structured_data table: %w", err)
	}
	return &PostgresStructuredStore{db: db}, nil
}

func (s *PostgresStructuredStore) Upsert(ctx context.Context, conversationID, category string, payload json.RawMessage) error {
	query := `
        INSERT INTO structured_data
        (conversation_id, category, payload, updated_at)
        VALUES ($1, $2, $3::jsonb, NOW())
        ON CONFLICT (conversation_id, category)
        DO UPDATE SET
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at
    `
	if _, err := s.db.ExecContext(ctx, query, conversationID, category, string(payload)); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", category, describePQError(err))
	}
	return nil
}

func (s *PostgresStructuredStore) Get(ctx context.Context, conversationID, category string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
        SELECT payload
        FROM structured_data
        WHERE conversation_id = $1 AND category = $2
    `, conversationID, category).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStructuredDataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", category, describePQError(err))
	}
	return json.RawMessage(payload), nil
}

// describePQError folds the Postgres error code into the message so logs show
// which constraint or type failed.
func describePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (code %s: %s)", err, pqErr.Code, pqErr.Code.Name())
	}
	return err
}
