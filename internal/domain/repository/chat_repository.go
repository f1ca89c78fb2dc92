package repository

import (
	"context"

	"fanlink/internal/domain/entity"
)

type ChatRepository interface {
	Create(ctx context.Context, conversation *entity.Conversation) error
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Conversation, int64, error)
	Update(ctx context.Context, conversation *entity.Conversation) error
	// Delete removes the conversation and cascades to its messages and
	// participants.
	Delete(ctx context.Context, id string) error

	// Participant methods
	AddParticipant(ctx context.Context, participant *entity.Participant) error
	GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error)

	// Message methods
	CreateMessage(ctx context.Context, message *entity.Message) error
	GetMessageByID(ctx context.Context, conversationID, messageID string) (*entity.Message, error)
	// GetMessagesByConversation returns messages ordered ascending by
	// creation time.
	GetMessagesByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error)
	UpdateMessage(ctx context.Context, conversationID string, message *entity.Message) error
	UpdateMessageReadStatus(ctx context.Context, conversationID, messageID, userID string) error
}
