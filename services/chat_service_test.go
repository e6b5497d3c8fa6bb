package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstream/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu       sync.Mutex
	body     string
	err      error
	requests []AgentRequest
}

func (a *fakeAgent) Stream(_ context.Context, req AgentRequest) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	return io.NopCloser(strings.NewReader(a.body)), nil
}

type chatFixture struct {
	messages      *MemoryMessageStore
	conversations *ConversationService
	chat          *ChatService
	agent         *fakeAgent
	exchanges     *ExchangeRegistry
}

func newChatFixture(t *testing.T, body string) *chatFixture {
	t.Helper()
	messages := NewMemoryMessageStore()
	structured := NewMemoryStructuredStore()
	persister := newTestPersister(messages, WithStructuredStore(structured, DefaultStructuredCategories))
	conversations := NewConversationService(NewMemoryConversationStore(), messages, structured, nil)
	agent := &fakeAgent{body: body}
	exchanges := NewExchangeRegistry(time.Minute)
	chat := NewChatService(conversations, messages, persister, NewStreamProcessor(persister, nil, nil), exchanges, agent, nil)
	return &chatFixture{messages: messages, conversations: conversations, chat: chat, agent: agent, exchanges: exchanges}
}

func readBody(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestChatService_FullExchange(t *testing.T) {
	f := newChatFixture(t, "")
	f.agent.body = readBody(t, sseBody(
		statusFrame(t, "e1", "searching"),
		chunkFrame(t, "e1", "", "Take aspirin."),
	))
	ctx := context.Background()

	ex, err := f.chat.Start(ctx, "user-1", "conv-1", "What medication?")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", ex.ConversationID)
	assert.Equal(t, ex.UserMessage.ID, ex.UserMessageID)

	sink := &recordingSink{}
	require.NoError(t, f.chat.Stream(ctx, ex, sink))
	assert.Equal(t, 1, sink.done)
	assert.Len(t, sink.frames, 2)
	assert.Equal(t, 0, f.exchanges.Active())

	require.Len(t, f.agent.requests, 1)
	req := f.agent.requests[0]
	assert.Equal(t, ex.UserMessageID, req.UserMessageID)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "What medication?", req.Messages[0].Content)

	groups, err := f.conversations.History(ctx, "conv-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Take aspirin.", groups[1].Content)
	assert.Len(t, groups[1].StatusTimeline, 1)
}

func TestChatService_RejectsConcurrentExchange(t *testing.T) {
	f := newChatFixture(t, "")
	ctx := context.Background()

	_, err := f.chat.Start(ctx, "user-1", "conv-1", "first")
	require.NoError(t, err)

	_, err = f.chat.Start(ctx, "user-1", "conv-1", "second")
	assert.ErrorIs(t, err, ErrExchangeActive)

	msgs, err := f.messages.List(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestChatService_ClosedConversation(t *testing.T) {
	f := newChatFixture(t, "")
	ctx := context.Background()

	conv, err := f.conversations.GetOrCreate(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, f.conversations.Close(ctx, conv.ID))

	_, err = f.chat.Start(ctx, "user-1", conv.ID, "hello")
	assert.ErrorIs(t, err, ErrConversationClosed)
	assert.Equal(t, 0, f.exchanges.Active())
}

func TestChatService_AgentFailureReportsAndReleases(t *testing.T) {
	f := newChatFixture(t, "")
	f.agent.err = errors.New("connection refused")
	ctx := context.Background()

	ex, err := f.chat.Start(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)

	sink := &recordingSink{}
	err = f.chat.Stream(ctx, ex, sink)
	require.Error(t, err)
	assert.Equal(t, []string{"agent unavailable"}, sink.errors)
	assert.Equal(t, 0, f.exchanges.Active())

	// The user turn survives the failed exchange.
	msgs, err := f.messages.List(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestConversationService_Lifecycle(t *testing.T) {
	f := newChatFixture(t, "")
	ctx := context.Background()

	a, err := f.conversations.GetOrCreate(ctx, "user-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	again, err := f.conversations.GetOrCreate(ctx, "user-1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	_, err = f.conversations.GetOrCreate(ctx, "user-2", "")
	require.NoError(t, err)

	list, err := f.conversations.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	_, err = f.conversations.History(ctx, "missing", 0, 10)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = f.conversations.StructuredData(ctx, a.ID, "patient_timeline")
	assert.ErrorIs(t, err, ErrStructuredDataNotFound)
}

func TestConversationService_UpdateMessageFlag(t *testing.T) {
	f := newChatFixture(t, "")
	ctx := context.Background()

	ex, err := f.chat.Start(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)

	liked := true
	require.NoError(t, f.conversations.UpdateMessageFlag(ctx, "conv-1", ex.UserMessage.SequenceNumber, &liked, nil))

	msgs, err := f.messages.List(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, msgs[0].IsLiked)
	assert.True(t, *msgs[0].IsLiked)
	assert.Nil(t, msgs[0].IsDisliked)

	err = f.conversations.UpdateMessageFlag(ctx, "conv-1", 99, &liked, nil)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
