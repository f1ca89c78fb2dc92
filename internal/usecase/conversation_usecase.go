package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fanlink/internal/domain/entity"
	"fanlink/internal/domain/repository"
	"fanlink/internal/infrastructure/ratelimit"
	"fanlink/pkg/errors"
	"fanlink/pkg/logger"
)

// ConversationUseCase backs the REST surface: conversation lifecycle and
// history pages. Live traffic (sends, typing, receipts, presence) goes
// through engine sessions over the websocket, not through here.
type ConversationUseCase struct {
	chatRepo    repository.ChatRepository
	userRepo    repository.UserRepository
	rateLimiter *ratelimit.RateLimiter
}

func NewConversationUseCase(
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
) *ConversationUseCase {
	rateLimiter := ratelimit.NewRateLimiter()
	rateLimiter.StartCleanupRoutine()

	return &ConversationUseCase{
		chatRepo:    chatRepo,
		userRepo:    userRepo,
		rateLimiter: rateLimiter,
	}
}

type CreateConversationInput struct {
	RecipientID string
	Type        string
}

type ConversationResponse struct {
	*entity.Conversation
	OtherUser *entity.User `json:"other_user,omitempty"`
}

// CreateConversation opens a direct conversation with the recipient. Direct
// conversations are deduplicated: if one already exists between the pair it
// is returned instead of creating a second thread.
func (uc *ConversationUseCase) CreateConversation(ctx context.Context, userID string, input CreateConversationInput) (*ConversationResponse, error) {
	allowed, waitTime := uc.rateLimiter.Allow(userID, "create_conversation")
	if !allowed {
		logger.Info("CreateConversation rate limited: user %s must wait %v", userID, waitTime)
		return nil, errors.TooManyRequests("Rate limit exceeded", waitTime)
	}

	if input.Type == "" {
		input.Type = entity.ConversationTypeDirect
	}
	if input.Type != entity.ConversationTypeDirect {
		return nil, errors.BadRequest("Only direct conversations can be created here", nil)
	}
	if input.RecipientID == "" {
		return nil, errors.BadRequest("Recipient is required", nil)
	}
	if input.RecipientID == userID {
		return nil, errors.BadRequest("Cannot start a conversation with yourself", nil)
	}

	recipient, err := uc.userRepo.GetByID(ctx, input.RecipientID)
	if err != nil {
		return nil, errors.NotFound("Recipient", err)
	}

	if existing, err := uc.findDirectConversation(ctx, userID, input.RecipientID); err == nil && existing != nil {
		return &ConversationResponse{Conversation: existing, OtherUser: recipient}, nil
	}

	now := time.Now()
	conversation := &entity.Conversation{
		ID:            uuid.New().String(),
		Participants:  []string{userID, input.RecipientID},
		Type:          entity.ConversationTypeDirect,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
		UnreadCount:   map[string]int{userID: 0, input.RecipientID: 0},
	}

	if err := uc.chatRepo.Create(ctx, conversation); err != nil {
		return nil, err
	}

	self, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		logger.Debug("CreateConversation: sender profile lookup failed: %v", err)
		self = &entity.User{ID: userID}
	}

	for _, u := range []*entity.User{self, recipient} {
		participant := &entity.Participant{
			ConversationID: conversation.ID,
			UserID:         u.ID,
			DisplayName:    u.DisplayName,
			AvatarURL:      u.AvatarURL,
			LastActiveAt:   u.LastActiveAt,
			JoinedAt:       now,
		}
		if err := uc.chatRepo.AddParticipant(ctx, participant); err != nil {
			logger.Error("CreateConversation: failed to add participant %s: %v", u.ID, err)
		}
	}

	return &ConversationResponse{Conversation: conversation, OtherUser: recipient}, nil
}

func (uc *ConversationUseCase) findDirectConversation(ctx context.Context, userID, recipientID string) (*entity.Conversation, error) {
	conversations, _, err := uc.chatRepo.ListByUserID(ctx, userID, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range conversations {
		if c.Type != entity.ConversationTypeDirect || len(c.Participants) != 2 {
			continue
		}
		for _, p := range c.Participants {
			if p == recipientID {
				return c, nil
			}
		}
	}
	return nil, nil
}

// GetUserConversations lists the caller's conversations newest-activity
// first, paginated.
func (uc *ConversationUseCase) GetUserConversations(ctx context.Context, userID string, limit, offset int) ([]*entity.ConversationSummary, int64, error) {
	conversations, total, err := uc.chatRepo.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]*entity.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		summaries = append(summaries, &entity.ConversationSummary{
			ID:            c.ID,
			Type:          c.Type,
			Participants:  c.Participants,
			LastMessage:   c.LastMessage,
			LastMessageAt: c.LastMessageAt,
			UnreadCount:   c.UnreadCount[userID],
		})
	}
	return summaries, total, nil
}

// GetConversationMessages returns a history page in ascending creation
// order. The caller must be a participant.
func (uc *ConversationUseCase) GetConversationMessages(ctx context.Context, userID, conversationID string, limit, offset int) ([]*entity.Message, int64, error) {
	if _, err := uc.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, 0, err
	}
	return uc.chatRepo.GetMessagesByConversation(ctx, conversationID, limit, offset)
}

// MarkConversationRead stamps the caller's receipt on every listed message
// and clears their unread counter. Receipts are idempotent at the
// repository level, so retries and duplicates are safe.
func (uc *ConversationUseCase) MarkConversationRead(ctx context.Context, userID, conversationID string, messageIDs []string) error {
	conversation, err := uc.requireParticipant(ctx, userID, conversationID)
	if err != nil {
		return err
	}

	for _, id := range messageIDs {
		if err := uc.chatRepo.UpdateMessageReadStatus(ctx, conversationID, id, userID); err != nil {
			return err
		}
	}

	if conversation.UnreadCount[userID] != 0 {
		conversation.UnreadCount[userID] = 0
		conversation.UpdatedAt = time.Now()
		if err := uc.chatRepo.Update(ctx, conversation); err != nil {
			logger.Error("MarkConversationRead: failed to clear unread counter: %v", err)
		}
	}
	return nil
}

// DeleteConversation removes the conversation with its messages and
// participant records. Only a participant may delete it.
func (uc *ConversationUseCase) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := uc.requireParticipant(ctx, userID, conversationID); err != nil {
		return err
	}
	return uc.chatRepo.Delete(ctx, conversationID)
}

func (uc *ConversationUseCase) requireParticipant(ctx context.Context, userID, conversationID string) (*entity.Conversation, error) {
	conversation, err := uc.chatRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, p := range conversation.Participants {
		if p == userID {
			return conversation, nil
		}
	}
	return nil, errors.Forbidden("You are not a participant in this conversation", nil)
}
