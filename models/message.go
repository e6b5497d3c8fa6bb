package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Kind string

const (
	KindText            Kind = "text"
	KindStatus          Kind = "status"
	KindThinking        Kind = "thinking"
	KindReply           Kind = "reply"
	KindToolOutput      Kind = "tool_output"
	KindFeedbackRequest Kind = "feedback_request"
	KindUserFeedback    Kind = "user_feedback"
)

// TextBearing reports whether messages of this kind carry their payload in Content.
func (k Kind) TextBearing() bool {
	switch k {
	case KindText, KindThinking, KindReply, KindUserFeedback:
		return true
	}
	return false
}

// Message is one persisted unit of a conversation. SequenceNumber is the only
// ordering key; CreatedAt is informational.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Role           Role      `json:"role"`
	Kind           Kind      `json:"type"`
	ParentID       string    `json:"parent_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	Payload        Payload   `json:"payload,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	IsLiked        *bool     `json:"is_liked,omitempty"`
	IsDisliked     *bool     `json:"is_disliked,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Payload is the kind-specific structured data of a message. Exactly one
// variant exists per kind that carries structured data.
type Payload interface {
	PayloadKind() Kind
}

type StatusPayload struct {
	Status         string `json:"status"`
	StatusMsg      string `json:"status_msg,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	NeedFeedback   bool   `json:"need_feedback,omitempty"`
}

func (StatusPayload) PayloadKind() Kind { return KindStatus }

type FeedbackRequestPayload struct {
	FeedbackID     string `json:"feedback_id"`
	Question       string `json:"question"`
	TimeoutSeconds int    `json:"timeout"`
	AgentName      string `json:"agent_name,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

func (FeedbackRequestPayload) PayloadKind() Kind { return KindFeedbackRequest }

// Deadline is when the agent stops waiting for an answer.
func (p FeedbackRequestPayload) Deadline(createdAt time.Time) time.Time {
	return createdAt.Add(time.Duration(p.TimeoutSeconds) * time.Second)
}

type ToolOutputPayload struct {
	ToolName string          `json:"tool_name,omitempty"`
	Body     json.RawMessage `json:"content,omitempty"`
}

func (ToolOutputPayload) PayloadKind() Kind { return KindToolOutput }

// Categories returns the top-level object fields of the tool body. A body
// that is not a JSON object yields nil.
func (p ToolOutputPayload) Categories() map[string]json.RawMessage {
	if len(p.Body) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Body, &fields); err != nil {
		return nil
	}
	return fields
}

type UserFeedbackPayload struct {
	OriginalFeedbackID string `json:"original_feedback_id"`
}

func (UserFeedbackPayload) PayloadKind() Kind { return KindUserFeedback }

// EncodePayload serializes a payload for storage. A nil payload encodes to "".
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.PayloadKind(), err)
	}
	return string(data), nil
}

// DecodePayload is the inverse of EncodePayload; the variant is chosen by kind.
func DecodePayload(kind Kind, data string) (Payload, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindStatus:
		var v StatusPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case KindFeedbackRequest:
		var v FeedbackRequestPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case KindToolOutput:
		var v ToolOutputPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	case KindUserFeedback:
		var v UserFeedbackPayload
		err = json.Unmarshal([]byte(data), &v)
		p = v
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
