package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatstream/models"
	"chatstream/observability"

	"github.com/google/uuid"
)

type ConversationService struct {
	conversations ConversationStore
	messages      MessageStore
	structured    StructuredDataStore
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewConversationService(conversations ConversationStore, messages MessageStore, structured StructuredDataStore, metrics *observability.Metrics) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		structured:    structured,
		metrics:       metrics,
		now:           time.Now,
	}
}

// GetOrCreate returns the conversation, creating it on first use. An empty
// conversationID always creates a new conversation.
func (s *ConversationService) GetOrCreate(ctx context.Context, userID, conversationID string) (models.Conversation, error) {
	if conversationID != "" {
		conv, err := s.conversations.Get(ctx, conversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return models.Conversation{}, err
		}
	} else {
		conversationID = uuid.New().String()
	}

	now := s.now()
	conv := models.Conversation{
		ID:        conversationID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationService) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	return s.conversations.Get(ctx, conversationID)
}

func (s *ConversationService) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.conversations.ListByUser(ctx, userID)
}

func (s *ConversationService) Close(ctx context.Context, conversationID string) error {
	return s.conversations.Close(ctx, conversationID, s.now())
}

func (s *ConversationService) Touch(ctx context.Context, conversationID string) error {
	return s.conversations.Touch(ctx, conversationID, s.now())
}

// History returns one page of the grouped display view. Grouping always runs
// over the complete message list before the page is cut.
func (s *ConversationService) History(ctx context.Context, conversationID string, skip, limit int) ([]models.DisplayGroup, error) {
	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	start := time.Now()
	groups := GroupPage(msgs, skip, limit)
	s.metrics.ObserveGroup(time.Since(start).Seconds())
	return groups, nil
}

func (s *ConversationService) UpdateMessageFlag(ctx context.Context, conversationID string, sequenceNumber int64, isLiked, isDisliked *bool) error {
	return s.messages.UpdateFlag(ctx, conversationID, sequenceNumber, isLiked, isDisliked)
}

func (s *ConversationService) StructuredData(ctx context.Context, conversationID, category string) ([]byte, error) {
	return s.structured.Get(ctx, conversationID, category)
}
