package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"chatstream/models"
)

// MemoryMessageStore keeps messages in process memory. It is used for local
// runs (STORE_BACKEND=memory) and as the store in tests.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message

	// FailAppend, when set, is returned by Append before anything is stored.
	FailAppend error
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]models.Message)}
}

func (s *MemoryMessageStore) Append(_ context.Context, conversationID string, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppend != nil {
		return models.Message{}, s.FailAppend
	}
	for _, existing := range s.messages[conversationID] {
		if existing.SequenceNumber == msg.SequenceNumber {
			return models.Message{}, ErrSequenceConflict
		}
	}
	msg.ConversationID = conversationID
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *MemoryMessageStore) List(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *MemoryMessageStore) UpdateFlag(_ context.Context, conversationID string, sequenceNumber int64, isLiked, isDisliked *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SequenceNumber != sequenceNumber {
			continue
		}
		if isLiked != nil {
			v := *isLiked
			msgs[i].IsLiked = &v
		}
		if isDisliked != nil {
			v := *isDisliked
			msgs[i].IsDisliked = &v
		}
		return nil
	}
	return ErrMessageNotFound
}

type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{conversations: make(map[string]models.Conversation)}
}

func (s *MemoryConversationStore) Create(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryConversationStore) Get(_ context.Context, conversationID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryConversationStore) ListByUser(_ context.Context, userID string) ([]models.Conversation, error) {
	return s.filter(func(c models.Conversation) bool { return c.UserID == userID }), nil
}

func (s *MemoryConversationStore) ListUpdatedSince(_ context.Context, since time.Time) ([]models.Conversation, error) {
	return s.filter(func(c models.Conversation) bool { return !c.UpdatedAt.Before(since) }), nil
}

func (s *MemoryConversationStore) filter(keep func(models.Conversation) bool) []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0)
	for _, c := range s.conversations {
		if keep(c) {
			out = append(out, c)
		}
	}
	sortConversations(out)
	return out
}

func (s *MemoryConversationStore) Touch(_ context.Context, conversationID string, at time.Time) error {
	return s.update(conversationID, func(c *models.Conversation) { c.UpdatedAt = at })
}

func (s *MemoryConversationStore) Close(_ context.Context, conversationID string, at time.Time) error {
	return s.update(conversationID, func(c *models.Conversation) {
		c.Closed = true
		c.UpdatedAt = at
	})
}

func (s *MemoryConversationStore) update(conversationID string, fn func(*models.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	fn(&conv)
	s.conversations[conversationID] = conv
	return nil
}

// sortConversations orders most recently updated first.
func sortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

type MemoryStructuredStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

func NewMemoryStructuredStore() *MemoryStructuredStore {
	return &MemoryStructuredStore{data: make(map[string]map[string]json.RawMessage)}
}

func (s *MemoryStructuredStore) Upsert(_ context.Context, conversationID, category string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[conversationID] == nil {
		s.data[conversationID] = make(map[string]json.RawMessage)
	}
	s.data[conversationID][category] = append(json.RawMessage(nil), payload...)
	return nil
}

func (s *MemoryStructuredStore) Get(_ context.Context, conversationID, category string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.data[conversationID][category]
	if !ok {
		return nil, ErrStructuredDataNotFound
	}
	return payload, nil
}
