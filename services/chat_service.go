package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatstream/models"

	"github.com/google/uuid"
)

// ChatService runs exchanges: it owns the per-conversation lease, stores the
// user turn, and streams the agent's answer through the StreamProcessor.
type ChatService struct {
	conversations *ConversationService
	messages      MessageStore
	persister     *Persister
	processor     *StreamProcessor
	exchanges     *ExchangeRegistry
	agent         AgentStreamer
	logger        *slog.Logger
}

func NewChatService(conversations *ConversationService, messages MessageStore, persister *Persister, processor *StreamProcessor, exchanges *ExchangeRegistry, agent AgentStreamer, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		persister:     persister,
		processor:     processor,
		exchanges:     exchanges,
		agent:         agent,
		logger:        logger,
	}
}

// PendingExchange is an exchange whose user turn is stored and whose lease is
// held. Stream must be called exactly once; it releases the lease.
type PendingExchange struct {
	Exchange
	UserMessage models.Message
	release     func()
}

// Start claims the conversation and stores the user message. Errors returned
// here happen before any output is written.
func (s *ChatService) Start(ctx context.Context, userID, conversationID, content string) (*PendingExchange, error) {
	conv, err := s.conversations.GetOrCreate(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed {
		return nil, ErrConversationClosed
	}

	release, err := s.exchanges.Acquire(conv.ID)
	if err != nil {
		return nil, err
	}

	userMsg := s.persister.Persist(ctx, Candidate{
		ConversationID: conv.ID,
		ID:             "user_" + uuid.New().String(),
		Role:           models.RoleUser,
		Kind:           models.KindText,
		Content:        content,
	})
	if userMsg == nil {
		release()
		return nil, errors.New("failed to save user message")
	}

	return &PendingExchange{
		Exchange:    Exchange{ConversationID: conv.ID, UserMessageID: userMsg.ID},
		UserMessage: *userMsg,
		release:     release,
	}, nil
}

// Release gives up the lease without streaming.
func (p *PendingExchange) Release() {
	p.release()
}

// Stream opens the agent stream and processes it into sink. Whatever happens,
// buffered content is flushed, the sink gets a terminal frame, and the lease
// is released.
func (s *ChatService) Stream(ctx context.Context, ex *PendingExchange, sink FrameSink) error {
	defer ex.Release()
	log := s.logger.With("conversation_id", ex.ConversationID)

	defer func() {
		if err := s.conversations.Touch(context.WithoutCancel(ctx), ex.ConversationID); err != nil {
			log.Warn("could not update conversation timestamp", "error", err)
		}
	}()

	msgs, err := s.messages.List(ctx, ex.ConversationID)
	if err != nil {
		_ = sink.WriteError("failed to load conversation history")
		return fmt.Errorf("list messages: %w", err)
	}

	body, err := s.agent.Stream(ctx, AgentRequest{
		ConversationID: ex.ConversationID,
		UserMessageID:  ex.UserMessageID,
		Messages:       BuildAgentHistory(msgs),
	})
	if err != nil {
		log.Error("error calling agent", "error", err)
		_ = sink.WriteError("agent unavailable")
		return err
	}
	defer body.Close()

	runErr := s.processor.Run(ctx, ex.Exchange, NewFrameReader(body), sink)
	if runErr != nil {
		_ = sink.WriteError("agent stream interrupted")
	}
	_ = sink.WriteDone()
	return runErr
}
