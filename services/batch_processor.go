package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatstream/models"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

const (
	SummaryCategory      = "conversation_summary"
	defaultBatchLookback = 3 * time.Hour
	defaultBatchWorkers  = 4
	summaryPrompt        = "Summarise the following conversation so that its concrete content is clear."
)

// Summarizer turns a conversation history into a short text summary.
type Summarizer interface {
	Summarize(ctx context.Context, history []openai.ChatCompletionMessage) (string, error)
}

type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	if model == "" {
		model = openai.GPT4TurboPreview
	}
	return &OpenAISummarizer{client: openai.NewClient(apiKey), model: model}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, history []openai.ChatCompletionMessage) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: summaryPrompt})
	msgs = append(msgs, history...)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in OpenAI response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ConversationSummary is the structured payload stored per conversation.
type ConversationSummary struct {
	Summary            string    `json:"summary"`
	MessageCount       int       `json:"message_count"`
	LastSequenceNumber int64     `json:"last_sequence_number"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// BatchProcessor periodically summarises recently active conversations into
// the structured data store.
type BatchProcessor struct {
	conversations ConversationStore
	messages      MessageStore
	structured    StructuredDataStore
	summarizer    Summarizer
	lookback      time.Duration
	workers       int
	logger        *slog.Logger
	now           func() time.Time
}

func NewBatchProcessor(conversations ConversationStore, messages MessageStore, structured StructuredDataStore, summarizer Summarizer, lookback time.Duration, logger *slog.Logger) *BatchProcessor {
	if lookback <= 0 {
		lookback = defaultBatchLookback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{
		conversations: conversations,
		messages:      messages,
		structured:    structured,
		summarizer:    summarizer,
		lookback:      lookback,
		workers:       defaultBatchWorkers,
		logger:        logger,
		now:           time.Now,
	}
}

// ProcessConversations summarises every conversation updated within the
// lookback window. Per-conversation failures are logged and skipped.
func (bp *BatchProcessor) ProcessConversations(ctx context.Context) (int, error) {
	since := bp.now().Add(-bp.lookback)
	convs, err := bp.conversations.ListUpdatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list active conversations: %w", err)
	}

	results := make([]bool, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.workers)
	for i, conv := range convs {
		i, conv := i, conv
		g.Go(func() error {
			ok, err := bp.processConversation(gctx, conv)
			if err != nil {
				bp.logger.Error("error summarising conversation", "conversation_id", conv.ID, "error", err)
				return nil
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	processed := 0
	for _, ok := range results {
		if ok {
			processed++
		}
	}
	return processed, ctx.Err()
}

func (bp *BatchProcessor) processConversation(ctx context.Context, conv models.Conversation) (bool, error) {
	msgs, err := bp.messages.List(ctx, conv.ID)
	if err != nil {
		return false, fmt.Errorf("list messages: %w", err)
	}
	history := BuildAgentHistory(msgs)
	if len(history) == 0 {
		return false, nil
	}

	last := NextSequence(msgs) - 1
	if prev, ok := bp.previousSummary(ctx, conv.ID); ok && prev.LastSequenceNumber >= last {
		return false, nil
	}

	text, err := bp.summarizer.Summarize(ctx, history)
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(ConversationSummary{
		Summary:            text,
		MessageCount:       len(msgs),
		LastSequenceNumber: last,
		GeneratedAt:        bp.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := bp.structured.Upsert(ctx, conv.ID, SummaryCategory, payload); err != nil {
		return false, fmt.Errorf("save summary: %w", err)
	}
	bp.logger.Info("saved conversation summary", "conversation_id", conv.ID, "messages", len(msgs))
	return true, nil
}

func (bp *BatchProcessor) previousSummary(ctx context.Context, conversationID string) (ConversationSummary, bool) {
	raw, err := bp.structured.Get(ctx, conversationID, SummaryCategory)
	if err != nil {
		return ConversationSummary{}, false
	}
	var prev ConversationSummary
	if err := json.Unmarshal(raw, &prev); err != nil {
		return ConversationSummary{}, false
	}
	return prev, true
}
