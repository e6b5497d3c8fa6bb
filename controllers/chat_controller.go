package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"chatstream/services"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

type ChatController struct {
	chat          *services.ChatService
	conversations *services.ConversationService
	feedback      *services.FeedbackService
	logger        *slog.Logger
}

func NewChatController(chat *services.ChatService, conversations *services.ConversationService, feedback *services.FeedbackService, logger *slog.Logger) *ChatController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatController{
		chat:          chat,
		conversations: conversations,
		feedback:      feedback,
		logger:        logger,
	}
}

// HandleChat stores the user's message and streams the agent's answer back as
// SSE. Errors before the stream starts are plain JSON responses.
func (ctl *ChatController) HandleChat(c *gin.Context) {
	var request struct {
		Message string `json:"message" binding:"required"`
		UserID  string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		ctl.logger.Warn("error binding chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "message and user_id are required"})
		return
	}

	ex, err := ctl.chat.Start(c.Request.Context(), request.UserID, c.Param("conversationId"), request.Message)
	if err != nil {
		ctl.respondError(c, err, "Failed to start exchange")
		return
	}

	services.SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	sink, err := services.NewSSEWriter(c.Writer)
	if err != nil {
		ex.Release()
		ctl.logger.Error("streaming unsupported", "error", err)
		return
	}
	if err := ctl.chat.Stream(c.Request.Context(), ex, sink); err != nil {
		ctl.logger.Warn("exchange ended with error",
			"conversation_id", ex.ConversationID, "user_message_id", ex.UserMessageID, "error", err)
	}
}

func (ctl *ChatController) CreateConversation(c *gin.Context) {
	var request struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	conv, err := ctl.conversations.GetOrCreate(c.Request.Context(), request.UserID, "")
	if err != nil {
		ctl.respondError(c, err, "Failed to create conversation")
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (ctl *ChatController) GetConversations(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	conversations, err := ctl.conversations.List(c.Request.Context(), userID)
	if err != nil {
		ctl.respondError(c, err, "Failed to fetch conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (ctl *ChatController) CloseConversation(c *gin.Context) {
	if err := ctl.conversations.Close(c.Request.Context(), c.Param("conversationId")); err != nil {
		ctl.respondError(c, err, "Failed to close conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation closed"})
}

func (ctl *ChatController) GetMessages(c *gin.Context) {
	skip, err := queryInt(c, "skip", 0)
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "skip must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	groups, err := ctl.conversations.History(c.Request.Context(), c.Param("conversationId"), skip, limit)
	if err != nil {
		ctl.respondError(c, err, "Failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": groups, "skip": skip, "limit": limit})
}

func (ctl *ChatController) SubmitFeedback(c *gin.Context) {
	var request struct {
		FeedbackID string `json:"feedback_id" binding:"required"`
		Content    string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feedback_id and content are required"})
		return
	}

	msg, err := ctl.feedback.Submit(c.Request.Context(), c.Param("conversationId"), request.FeedbackID, request.Content)
	if err != nil {
		ctl.respondError(c, err, "Failed to submit feedback")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (ctl *ChatController) UpdateMessageFlag(c *gin.Context) {
	var request struct {
		ConversationID string `json:"conversation_id" binding:"required"`
		SequenceNumber *int64 `json:"sequence_number" binding:"required"`
		IsLiked        *bool  `json:"is_liked"`
		IsDisliked     *bool  `json:"is_disliked"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := ctl.conversations.UpdateMessageFlag(c.Request.Context(), request.ConversationID, *request.SequenceNumber, request.IsLiked, request.IsDisliked)
	if err != nil {
		ctl.respondError(c, err, "Failed to update message flag")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message updated successfully"})
}

func (ctl *ChatController) GetStructuredData(c *gin.Context) {
	payload, err := ctl.conversations.StructuredData(c.Request.Context(), c.Param("conversationId"), c.Param("category"))
	if err != nil {
		ctl.respondError(c, err, "Failed to fetch structured data")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

func (ctl *ChatController) respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ctl.logger.Error(fallback, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, services.ErrMessageNotFound),
		errors.Is(err, services.ErrFeedbackNotFound),
		errors.Is(err, services.ErrStructuredDataNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrExchangeActive),
		errors.Is(err, services.ErrConversationClosed),
		errors.Is(err, services.ErrFeedbackAlreadyAnswered):
		return http.StatusConflict
	case errors.Is(err, services.ErrFeedbackExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
