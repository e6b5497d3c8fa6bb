package services

import (
	"context"
	"encoding/json"
	"time"

	"chatstream/models"
)

// MessageStore is the durable message table. Append must reject a message whose
// (conversation, sequence number) already exists with ErrSequenceConflict.
// List returns messages ordered by sequence number.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, msg models.Message) (models.Message, error)
	List(ctx context.Context, conversationID string) ([]models.Message, error)
	UpdateFlag(ctx context.Context, conversationID string, sequenceNumber int64, isLiked, isDisliked *bool) error
}

type ConversationStore interface {
	Create(ctx context.Context, conv models.Conversation) error
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]models.Conversation, error)
	ListUpdatedSince(ctx context.Context, since time.Time) ([]models.Conversation, error)
	Touch(ctx context.Context, conversationID string, at time.Time) error
	Close(ctx context.Context, conversationID string, at time.Time) error
}

// StructuredDataStore keeps one payload per (conversation, category). Upsert
// replaces, so repeated forwards of the same data are harmless.
type StructuredDataStore interface {
	Upsert(ctx context.Context, conversationID, category string, payload json.RawMessage) error
	Get(ctx context.Context, conversationID, category string) (json.RawMessage, error)
}
