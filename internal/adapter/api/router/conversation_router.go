package router

import (
	"github.com/labstack/echo/v4"

	"fanlink/internal/adapter/api/handler"
	"fanlink/internal/adapter/api/middleware"
)

// SetupConversationRouter wires the REST surface for conversations. Live
// traffic goes over the WebSocket route instead.
func SetupConversationRouter(e *echo.Echo, authMiddleware *middleware.AuthMiddleware) {
	conversationHandler := handler.GetConversationHandler()

	group := e.Group("/v1/conversations")
	group.Use(authMiddleware.Authenticate)

	group.POST("", conversationHandler.CreateConversation)
	group.GET("", conversationHandler.GetUserConversations)
	group.GET("/:id/messages", conversationHandler.GetConversationMessages)
	group.PUT("/:id/read", conversationHandler.MarkConversationRead)
	group.DELETE("/:id", conversationHandler.DeleteConversation)
}
