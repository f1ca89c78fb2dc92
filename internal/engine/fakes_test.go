package engine_test

import (
	"context"
	"sync"
	"time"

	"fanlink/internal/domain/entity"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/errors"
)

// fakeChatRepo is an in-memory ChatRepository with failure injection. When
// wired with a bus it mirrors the production adapter's save-then-publish
// behavior, so change-feed echoes arrive the way they do against the real
// backend.
type fakeChatRepo struct {
	mu            sync.Mutex
	conversations map[string]*entity.Conversation
	messages      map[string]map[string]*entity.Message

	bus realtime.Bus

	createMessageErr   error
	createMessageCalls int
	createMessageGate  chan struct{} // when set, CreateMessage blocks until closed

	readStatusErr   error
	readStatusCalls map[string]int // "messageID/userID" -> count
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{
		conversations: make(map[string]*entity.Conversation),
		messages:      make(map[string]map[string]*entity.Message),
		readStatusCalls: make(map[string]int),
	}
}

func (f *fakeChatRepo) addConversation(conv *entity.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[conv.ID] = conv
	if f.messages[conv.ID] == nil {
		f.messages[conv.ID] = make(map[string]*entity.Message)
	}
}

func (f *fakeChatRepo) Create(ctx context.Context, conv *entity.Conversation) error {
	f.addConversation(conv)
	return nil
}

func (f *fakeChatRepo) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	c := *conv
	return &c, nil
}

func (f *fakeChatRepo) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Conversation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Conversation
	for _, conv := range f.conversations {
		for _, p := range conv.Participants {
			if p == userID {
				c := *conv
				out = append(out, &c)
				break
			}
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeChatRepo) Update(ctx context.Context, conv *entity.Conversation) error {
	f.addConversation(conv)
	return nil
}

func (f *fakeChatRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeChatRepo) AddParticipant(ctx context.Context, p *entity.Participant) error {
	return nil
}

func (f *fakeChatRepo) GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error) {
	return nil, nil
}

func (f *fakeChatRepo) CreateMessage(ctx context.Context, msg *entity.Message) error {
	f.mu.Lock()
	f.createMessageCalls++
	gate := f.createMessageGate
	err := f.createMessageErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}

	stored := *msg
	stored.State = ""
	f.mu.Lock()
	if f.messages[msg.ConversationID] == nil {
		f.messages[msg.ConversationID] = make(map[string]*entity.Message)
	}
	f.messages[msg.ConversationID][msg.ID] = &stored

	var participants []string
	if conv, ok := f.conversations[msg.ConversationID]; ok {
		conv.LastMessage = stored.Content
		conv.LastMessageAt = stored.CreatedAt
		if conv.UnreadCount == nil {
			conv.UnreadCount = make(map[string]int)
		}
		for _, participantID := range conv.Participants {
			if participantID != stored.SenderID {
				conv.UnreadCount[participantID]++
			}
		}
		participants = append(participants, conv.Participants...)
	}
	bus := f.bus
	f.mu.Unlock()

	if bus != nil {
		bus.Publish(context.Background(), realtime.TopicMessageInserted, msg.ConversationID, realtime.MessageEvent{Message: stored})
		for _, participantID := range participants {
			bus.Publish(context.Background(), realtime.TopicParticipantChanged, participantID, realtime.ParticipantEvent{
				ConversationID: msg.ConversationID,
				UserID:         participantID,
				Change:         realtime.ConversationActivity,
				Message:        &stored,
			})
		}
	}
	return nil
}

func (f *fakeChatRepo) GetMessageByID(ctx context.Context, conversationID, messageID string) (*entity.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[conversationID][messageID]
	if !ok {
		return nil, errors.NotFound("Message", nil)
	}
	m := *msg
	return &m, nil
}

func (f *fakeChatRepo) GetMessagesByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Message
	for _, msg := range f.messages[conversationID] {
		m := *msg
		out = append(out, &m)
	}
	return out, int64(len(out)), nil
}

func (f *fakeChatRepo) UpdateMessage(ctx context.Context, conversationID string, msg *entity.Message) error {
	stored := *msg
	f.mu.Lock()
	f.messages[conversationID][msg.ID] = &stored
	f.mu.Unlock()
	return nil
}

func (f *fakeChatRepo) UpdateMessageReadStatus(ctx context.Context, conversationID, messageID, userID string) error {
	f.mu.Lock()
	f.readStatusCalls[messageID+"/"+userID]++
	err := f.readStatusErr
	msg, ok := f.messages[conversationID][messageID]
	if err == nil && ok && !msg.ReadByUser(userID) {
		msg.ReadBy = append(msg.ReadBy, userID)
	}
	f.mu.Unlock()
	return err
}

func (f *fakeChatRepo) readStatusCount(messageID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readStatusCalls[messageID+"/"+userID]
}

type fakeUserRepo struct {
	mu         sync.Mutex
	users      map[string]*entity.User
	touchCalls map[string]int
	touchErr   error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:      make(map[string]*entity.User),
		touchCalls: make(map[string]int),
	}
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, errors.NotFound("User", nil)
	}
	u := *user
	return &u, nil
}

func (f *fakeUserRepo) TouchLastActive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchCalls[id]++
	if f.touchErr != nil {
		return f.touchErr
	}
	if user, ok := f.users[id]; ok {
		user.LastActiveAt = time.Now()
	}
	return nil
}
