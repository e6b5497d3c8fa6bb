package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatstream/models"
)

// FeedbackService records a user's answer to a mid-stream feedback request
// and relays it to the agent.
type FeedbackService struct {
	messages  MessageStore
	persister *Persister
	relay     FeedbackRelay
	logger    *slog.Logger
	now       func() time.Time
	locks     keyedMutex
}

func NewFeedbackService(messages MessageStore, persister *Persister, relay FeedbackRelay, logger *slog.Logger) *FeedbackService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackService{
		messages:  messages,
		persister: persister,
		relay:     relay,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *FeedbackService) Submit(ctx context.Context, conversationID, feedbackID, content string) (*models.Message, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	msgs, err := s.messages.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	request, payload, found := findFeedbackRequest(msgs, feedbackID)
	if !found {
		return nil, ErrFeedbackNotFound
	}
	for _, m := range msgs {
		if p, ok := m.Payload.(models.UserFeedbackPayload); ok && p.OriginalFeedbackID == feedbackID {
			return nil, ErrFeedbackAlreadyAnswered
		}
	}
	if payload.TimeoutSeconds > 0 && s.now().After(payload.Deadline(request.CreatedAt)) {
		return nil, ErrFeedbackExpired
	}

	parentID := request.ParentID
	if parentID == "" {
		parentID = request.ID
	}
	stored := s.persister.Persist(ctx, Candidate{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Kind:           models.KindUserFeedback,
		ParentID:       parentID,
		Content:        content,
		Payload:        models.UserFeedbackPayload{OriginalFeedbackID: feedbackID},
	})
	if stored == nil {
		return nil, errors.New("failed to save feedback")
	}

	if s.relay != nil {
		if err := s.relay.SubmitFeedback(ctx, conversationID, feedbackID, content); err != nil {
			s.logger.Error("error relaying feedback to agent",
				"conversation_id", conversationID, "feedback_id", feedbackID, "error", err)
		}
	}
	return stored, nil
}

func findFeedbackRequest(msgs []models.Message, feedbackID string) (models.Message, models.FeedbackRequestPayload, bool) {
	for _, m := range msgs {
		if m.Kind != models.KindFeedbackRequest {
			continue
		}
		if p, ok := m.Payload.(models.FeedbackRequestPayload); ok && p.FeedbackID == feedbackID {
			return m, p, true
		}
	}
	return models.Message{}, models.FeedbackRequestPayload{}, false
}
