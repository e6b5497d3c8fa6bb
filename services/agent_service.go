package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatstream/models"

	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"
)

// AgentRequest starts one exchange on the upstream agent.
type AgentRequest struct {
	ConversationID string                         `json:"conversation_id"`
	UserMessageID  string                         `json:"user_message_id"`
	Messages       []openai.ChatCompletionMessage `json:"messages"`
	Stream         bool                           `json:"stream"`
}

// AgentStreamer opens the upstream event stream for an exchange.
type AgentStreamer interface {
	Stream(ctx context.Context, req AgentRequest) (io.ReadCloser, error)
}

// FeedbackRelay hands a user's answer to the agent that asked for it.
type FeedbackRelay interface {
	SubmitFeedback(ctx context.Context, conversationID, feedbackID, content string) error
}

// AgentClient talks to the upstream agent service over HTTP.
type AgentClient struct {
	client  *resty.Client
	baseURL string
	apiKey  string
	timeout time.Duration
}

// NewAgentClient bounds connection setup and response headers by timeout;
// the stream body itself is only bounded by the caller's context.
func NewAgentClient(baseURL, apiKey string, timeout time.Duration) *AgentClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	client := resty.New().
		SetTransport(transport).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &AgentClient{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	}
}

func (a *AgentClient) Stream(ctx context.Context, req AgentRequest) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post(a.baseURL + "/v1/chat/stream")
	if err != nil {
		return nil, fmt.Errorf("open agent stream: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(body, 1024))
		body.Close()
		return nil, fmt.Errorf("agent stream status %d: %s", resp.StatusCode(), strings.TrimSpace(string(detail)))
	}
	return body, nil
}

func (a *AgentClient) SubmitFeedback(ctx context.Context, conversationID, feedbackID, content string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"conversation_id": conversationID,
			"feedback_id":     feedbackID,
			"content":         content,
		}).
		Post(a.baseURL + "/v1/feedback")
	if err != nil {
		return fmt.Errorf("relay feedback: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("relay feedback status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// BuildAgentHistory converts stored messages into the chat history sent with
// a new exchange. Thinking, status and feedback bookkeeping stay out of it.
func BuildAgentHistory(msgs []models.Message) []openai.ChatCompletionMessage {
	history := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == models.RoleUser && m.Content != "":
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case m.Role == models.RoleAssistant && (m.Kind == models.KindReply || m.Kind == models.KindText) && m.Content != "":
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			})
		case m.Role == models.RoleAssistant && m.Kind == models.KindToolOutput:
			p, _ := m.Payload.(models.ToolOutputPayload)
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: fmt.Sprintf("agent:%s \n result: %s", m.AgentName, string(p.Body)),
			})
		}
	}
	return history
}
