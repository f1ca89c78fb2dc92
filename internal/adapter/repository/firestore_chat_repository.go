package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fanlink/internal/domain/entity"
	"fanlink/internal/domain/repository"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/errors"
	"fanlink/pkg/logger"
)

type firestoreChatRepository struct {
	client *firestore.Client
	bus    realtime.Bus
}

// NewFirestoreChatRepository stores conversations under
// conversations/{id} with messages and participants subcollections. Every
// successful write also publishes the matching change-feed event on the
// bus, so live clients hear about rows they did not write themselves.
func NewFirestoreChatRepository(client *firestore.Client, bus realtime.Bus) repository.ChatRepository {
	return &firestoreChatRepository{
		client: client,
		bus:    bus,
	}
}

func (r *firestoreChatRepository) conversations() *firestore.CollectionRef {
	return r.client.Collection("conversations")
}

func (r *firestoreChatRepository) publish(ctx context.Context, topic realtime.Topic, filter string, payload interface{}) {
	if err := r.bus.Publish(ctx, topic, filter, payload); err != nil {
		// The durable write already succeeded; a lost feed event only
		// delays clients until their next full load.
		logger.Warn("Failed to publish %s event for %s: %v", topic, filter, err)
	}
}

func (r *firestoreChatRepository) Create(ctx context.Context, conv *entity.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.UnreadCount == nil {
		conv.UnreadCount = make(map[string]int)
	}

	if _, err := r.conversations().Doc(conv.ID).Set(ctx, conv); err != nil {
		return errors.Persistence("Failed to create conversation", err)
	}

	for _, userID := range conv.Participants {
		r.publish(ctx, realtime.TopicParticipantChanged, userID, realtime.ParticipantEvent{
			ConversationID: conv.ID,
			UserID:         userID,
			Change:         realtime.ParticipantAdded,
		})
	}
	return nil
}

func (r *firestoreChatRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	doc, err := r.conversations().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Conversation", err)
		}
		return nil, errors.Internal("Failed to get conversation", err)
	}

	var conv entity.Conversation
	if err := doc.DataTo(&conv); err != nil {
		return nil, errors.Internal("Failed to parse conversation data", err)
	}
	return &conv, nil
}

func (r *firestoreChatRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Conversation, int64, error) {
	query := r.conversations().Where("participants", "array-contains", userID).OrderBy("lastMessageAt", firestore.Desc)

	allDocs, err := query.Documents(ctx).GetAll()
	if err != nil {
		logger.Error("Firestore error while fetching conversations for user %s: %v", userID, err)
		return nil, 0, errors.Internal("Failed to fetch conversations", err)
	}

	total := int64(len(allDocs))

	start := offset
	if start > len(allDocs) {
		start = len(allDocs)
	}
	end := len(allDocs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var conversations []*entity.Conversation
	for i := start; i < end; i++ {
		var conv entity.Conversation
		if err := allDocs[i].DataTo(&conv); err != nil {
			logger.Warn("Skipping malformed conversation for user %s: %v", userID, err)
			continue
		}
		conversations = append(conversations, &conv)
	}

	return conversations, total, nil
}

func (r *firestoreChatRepository) Update(ctx context.Context, conv *entity.Conversation) error {
	conv.UpdatedAt = time.Now()

	if _, err := r.conversations().Doc(conv.ID).Set(ctx, conv); err != nil {
		return errors.Persistence("Failed to update conversation", err)
	}
	return nil
}

// Delete cascades to the messages and participants subcollections, then
// notifies every participant so their directories drop the row.
func (r *firestoreChatRepository) Delete(ctx context.Context, id string) error {
	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	for _, sub := range []string{"messages", "participants"} {
		if err := r.deleteSubcollection(ctx, id, sub); err != nil {
			return err
		}
	}

	if _, err := r.conversations().Doc(id).Delete(ctx); err != nil {
		return errors.Persistence("Failed to delete conversation", err)
	}

	for _, userID := range conv.Participants {
		r.publish(ctx, realtime.TopicParticipantChanged, userID, realtime.ParticipantEvent{
			ConversationID: id,
			UserID:         userID,
			Change:         realtime.ConversationDeleted,
		})
	}
	return nil
}

func (r *firestoreChatRepository) deleteSubcollection(ctx context.Context, conversationID, name string) error {
	iter := r.conversations().Doc(conversationID).Collection(name).Documents(ctx)
	batch := r.client.Batch()
	count := 0

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return errors.Internal("Failed to iterate "+name, err)
		}
		batch.Delete(doc.Ref)
		count++
	}

	if count == 0 {
		return nil
	}
	if _, err := batch.Commit(ctx); err != nil {
		return errors.Persistence("Failed to delete "+name, err)
	}
	return nil
}

func (r *firestoreChatRepository) AddParticipant(ctx context.Context, p *entity.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	_, err := r.conversations().Doc(p.ConversationID).Collection("participants").Doc(p.UserID).Set(ctx, p)
	if err != nil {
		return errors.Persistence("Failed to add participant", err)
	}

	r.publish(ctx, realtime.TopicParticipantChanged, p.UserID, realtime.ParticipantEvent{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		Change:         realtime.ParticipantAdded,
	})
	return nil
}

func (r *firestoreChatRepository) GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error) {
	docs, err := r.conversations().Doc(conversationID).Collection("participants").Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Internal("Failed to fetch participants", err)
	}

	var participants []*entity.Participant
	for _, doc := range docs {
		var p entity.Participant
		if err := doc.DataTo(&p); err != nil {
			logger.Warn("Skipping malformed participant in %s: %v", conversationID, err)
			continue
		}
		participants = append(participants, &p)
	}
	return participants, nil
}

func (r *firestoreChatRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	// The id is usually pre-assigned by the sending client so the
	// optimistic entry and this record share one identity.
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if message.ReadBy == nil {
		message.ReadBy = []string{}
	}

	stored := *message
	stored.State = ""

	_, err := r.conversations().Doc(message.ConversationID).Collection("messages").Doc(message.ID).Set(ctx, &stored)
	if err != nil {
		if isTransientCode(status.Code(err)) {
			return errors.Transient("Failed to persist message", err)
		}
		return errors.Persistence("Failed to persist message", err)
	}

	conv := r.bumpConversation(ctx, &stored)
	r.publish(ctx, realtime.TopicMessageInserted, message.ConversationID, realtime.MessageEvent{Message: stored})

	// Per-participant activity events keep directories current for users
	// who do not have the conversation open and so hold no subscription on
	// the message feed.
	if conv != nil {
		for _, participantID := range conv.Participants {
			r.publish(ctx, realtime.TopicParticipantChanged, participantID, realtime.ParticipantEvent{
				ConversationID: message.ConversationID,
				UserID:         participantID,
				Change:         realtime.ConversationActivity,
				Message:        &stored,
			})
		}
	}
	return nil
}

// bumpConversation refreshes the cached preview and unread counters.
func (r *firestoreChatRepository) bumpConversation(ctx context.Context, message *entity.Message) *entity.Conversation {
	conv, err := r.GetByID(ctx, message.ConversationID)
	if err != nil {
		logger.Warn("Failed to load conversation %s for preview bump: %v", message.ConversationID, err)
		return nil
	}

	conv.LastMessage = message.Content
	conv.LastMessageAt = message.CreatedAt
	if conv.UnreadCount == nil {
		conv.UnreadCount = make(map[string]int)
	}
	for _, participantID := range conv.Participants {
		if participantID != message.SenderID {
			conv.UnreadCount[participantID]++
		}
	}

	if err := r.Update(ctx, conv); err != nil {
		logger.Warn("Failed to bump conversation %s: %v", conv.ID, err)
	}
	return conv
}

func (r *firestoreChatRepository) GetMessageByID(ctx context.Context, conversationID, messageID string) (*entity.Message, error) {
	doc, err := r.conversations().Doc(conversationID).Collection("messages").Doc(messageID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Message", err)
		}
		return nil, errors.Internal("Failed to get message", err)
	}

	var message entity.Message
	if err := doc.DataTo(&message); err != nil {
		return nil, errors.Internal("Failed to parse message data", err)
	}
	return &message, nil
}

func (r *firestoreChatRepository) GetMessagesByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error) {
	query := r.conversations().Doc(conversationID).Collection("messages").OrderBy("createdAt", firestore.Asc)

	countDocs, err := query.Documents(ctx).GetAll()
	if err != nil {
		logger.Error("Firestore error while counting messages for %s: %v", conversationID, err)
		return nil, 0, errors.Internal("Failed to count messages", err)
	}
	total := int64(len(countDocs))

	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	var messages []*entity.Message

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			logger.Error("Firestore error while iterating messages for %s: %v", conversationID, err)
			return nil, 0, errors.Internal("Failed to iterate messages", err)
		}

		var message entity.Message
		if err := doc.DataTo(&message); err != nil {
			logger.Warn("Skipping malformed message in %s: %v", conversationID, err)
			continue
		}
		messages = append(messages, &message)
	}

	return messages, total, nil
}

func (r *firestoreChatRepository) UpdateMessage(ctx context.Context, conversationID string, message *entity.Message) error {
	stored := *message
	stored.State = ""

	_, err := r.conversations().Doc(conversationID).Collection("messages").Doc(message.ID).Set(ctx, &stored)
	if err != nil {
		return errors.Persistence("Failed to update message", err)
	}

	r.publish(ctx, realtime.TopicMessageUpdated, conversationID, realtime.MessageEvent{Message: stored})
	return nil
}

func (r *firestoreChatRepository) UpdateMessageReadStatus(ctx context.Context, conversationID, messageID, userID string) error {
	docRef := r.conversations().Doc(conversationID).Collection("messages").Doc(messageID)
	doc, err := docRef.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Deleted concurrently; a receipt for it is meaningless.
			logger.Debug("Read mark for missing message %s in %s skipped", messageID, conversationID)
			return nil
		}
		return errors.Internal("Failed to get message", err)
	}

	var message entity.Message
	if err := doc.DataTo(&message); err != nil {
		return errors.Internal("Failed to parse message data", err)
	}

	if message.ReadByUser(userID) {
		return nil
	}
	message.ReadBy = append(message.ReadBy, userID)

	if _, err := docRef.Set(ctx, &message); err != nil {
		return errors.Persistence("Failed to update message read status", err)
	}

	r.publish(ctx, realtime.TopicMessageUpdated, conversationID, realtime.MessageEvent{Message: message})
	return nil
}

func isTransientCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
