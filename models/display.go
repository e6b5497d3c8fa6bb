package models

import (
	"encoding/json"
	"time"
)

// DisplayGroup is one top-level message of the read view with the ancillary
// records nested under it. It is derived on every read and never stored.
type DisplayGroup struct {
	Message

	StatusTimeline    []TimelineEntry   `json:"grouped_status_data"`
	Feedback          []TimelineEntry   `json:"user_mid_feedback"`
	ToolOutputs       []ToolOutputEntry `json:"tool_outputs"`
	ThinkingContent   string            `json:"thinking_content,omitempty"`
	ThinkingMessageID string            `json:"thinking_message_id,omitempty"`
}

// TimelineEntry is a status, feedback request, or user feedback nested under an anchor.
type TimelineEntry struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"type"`
	SequenceNumber int64     `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`

	Status          *StatusPayload          `json:"status,omitempty"`
	FeedbackRequest *FeedbackRequestPayload `json:"feedback_request,omitempty"`

	// Set on feedback requests only.
	Submitted            *bool      `json:"submitted,omitempty"`
	UserSubmittedContent string     `json:"user_submitted_content,omitempty"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`

	// Set on user feedback only.
	Content            string `json:"content,omitempty"`
	OriginalFeedbackID string `json:"original_feedback_id,omitempty"`
}

type ToolOutputEntry struct {
	MessageID      string          `json:"original_message_id"`
	SequenceNumber int64           `json:"sequence_number"`
	CreatedAt      time.Time       `json:"created_at"`
	ToolName       string          `json:"tool_name,omitempty"`
	Body           json.RawMessage `json:"content,omitempty"`
}
