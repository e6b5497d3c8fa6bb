package services

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// StoreOptions selects and configures the storage backends.
type StoreOptions struct {
	Backend            string
	Dynamo             DynamoOptions
	MessagesTable      string
	ConversationsTable string
	PostgresURI        string
	PostgresAttempts   int
}

// Stores bundles the three stores an application needs.
type Stores struct {
	Messages      MessageStore
	Conversations ConversationStore
	Structured    StructuredDataStore

	db *sql.DB
}

func (s *Stores) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// OpenStores builds the message and conversation stores for the chosen
// backend and, when a Postgres URI is given, a Postgres structured store.
// Postgres connects are retried PostgresAttempts times.
func OpenStores(ctx context.Context, opts StoreOptions, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stores := &Stores{}

	switch opts.Backend {
	case "dynamodb":
		client, err := NewDynamoDBClient(ctx, opts.Dynamo)
		if err != nil {
			return nil, err
		}
		EnsureTables(ctx, client, opts.MessagesTable, opts.ConversationsTable)
		stores.Messages = NewDynamoMessageStore(client, opts.MessagesTable)
		stores.Conversations = NewDynamoConversationStore(client, opts.ConversationsTable)
	case "memory", "":
		stores.Messages = NewMemoryMessageStore()
		stores.Conversations = NewMemoryConversationStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}

	if opts.PostgresURI == "" {
		logger.Info("no postgres configured, keeping structured data in memory")
		stores.Structured = NewMemoryStructuredStore()
		return stores, nil
	}

	attempts := opts.PostgresAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		db  *sql.DB
		err error
	)
	for i := 0; i < attempts; i++ {
		db, err = OpenPostgres(ctx, opts.PostgresURI)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to postgres", "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres unavailable after %d attempts: %w", attempts, err)
	}

	structured, err := NewPostgresStructuredStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	stores.Structured = structured
	stores.db = db
	return stores, nil
}
