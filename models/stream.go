package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Object tags of the upstream agent stream.
const (
	ObjectStatus          = "medical.status"
	ObjectFeedbackRequest = "medical.user_feedback_request"
	ObjectToolOutput      = "medical.tool.output"
	ObjectCompletionChunk = "medical.completion.chunk"
	ObjectCompletion      = "medical.completion"
)

// DoneSentinel terminates an SSE stream.
const DoneSentinel = "[DONE]"

// Frame is the decoded JSON object of one "data:" line.
type Frame struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Type   string `json:"type,omitempty"`

	AgentName      string `json:"agent_name,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	UserMessageID  string `json:"user_message_id,omitempty"`

	Status       string `json:"status,omitempty"`
	StatusMsg    string `json:"status_msg,omitempty"`
	NeedFeedback bool   `json:"need_feedback,omitempty"`

	FeedbackID string          `json:"feedback_id,omitempty"`
	Question   string          `json:"question,omitempty"`
	Timeout    json.RawMessage `json:"timeout,omitempty"`

	// Tool output body: {"tool_name": ..., "content": {...}}.
	Content json.RawMessage `json:"content,omitempty"`

	Choices []FrameChoice `json:"choices,omitempty"`
}

type FrameChoice struct {
	Index   int                                     `json:"index"`
	Delta   *openai.ChatCompletionStreamChoiceDelta `json:"delta,omitempty"`
	Message *openai.ChatCompletionMessage           `json:"message,omitempty"`
}

// DeltaContent returns choices[0].delta.content, or "".
func (f Frame) DeltaContent() string {
	if len(f.Choices) == 0 || f.Choices[0].Delta == nil {
		return ""
	}
	return f.Choices[0].Delta.Content
}

// MessageContent returns choices[0].message.content, or "".
func (f Frame) MessageContent() string {
	if len(f.Choices) == 0 || f.Choices[0].Message == nil {
		return ""
	}
	return f.Choices[0].Message.Content
}

// TimeoutSeconds reads the feedback timeout as a JSON number or numeric
// string. ok is false when the field is absent or not a usable number.
func (f Frame) TimeoutSeconds() (secs int, ok bool) {
	raw := strings.TrimSpace(string(f.Timeout))
	if raw == "" || raw == "null" {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(f.Timeout, &v); err != nil {
		var str string
		if err := json.Unmarshal(f.Timeout, &str); err != nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}
