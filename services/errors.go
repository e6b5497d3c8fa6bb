package services

import "errors"

var (
	ErrSequenceConflict        = errors.New("sequence number already taken")
	ErrMalformedFrame          = errors.New("malformed stream frame")
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrConversationClosed      = errors.New("conversation is closed")
	ErrExchangeActive          = errors.New("conversation already has an active exchange")
	ErrMessageNotFound         = errors.New("message not found")
	ErrFeedbackNotFound        = errors.New("feedback request not found")
	ErrFeedbackAlreadyAnswered = errors.New("feedback request already answered")
	ErrFeedbackExpired         = errors.New("feedback request expired")
	ErrStructuredDataNotFound  = errors.New("structured data not found")
)
