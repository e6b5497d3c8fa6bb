package routes

import (
	"log/slog"
	"net/http"

	"chatstream/controllers"
	"chatstream/middlewares"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(ctl *controllers.ChatController, gatherer prometheus.Gatherer, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.CORS())
	r.Use(middlewares.Logger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("", ctl.GetConversations)
			conversations.POST("", ctl.CreateConversation)
			conversations.POST("/:conversationId/chat", ctl.HandleChat)
			conversations.POST("/:conversationId/close", ctl.CloseConversation)
			conversations.GET("/:conversationId/messages", ctl.GetMessages)
			conversations.POST("/:conversationId/feedback", ctl.SubmitFeedback)
			conversations.GET("/:conversationId/data/:category", ctl.GetStructuredData)
		}
		v1.POST("/messages/flag", ctl.UpdateMessageFlag)
	}
	return r
}
