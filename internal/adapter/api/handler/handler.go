package handler

import (
	"fanlink/internal/usecase"
)

var (
	conversationHandler *ConversationHandler
)

func Setup(
	conversationUseCase *usecase.ConversationUseCase,
) {
	conversationHandler = NewConversationHandler(conversationUseCase)
}

func GetConversationHandler() *ConversationHandler {
	return conversationHandler
}
