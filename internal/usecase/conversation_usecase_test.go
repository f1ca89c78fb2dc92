package usecase

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanlink/internal/domain/entity"
	"fanlink/pkg/errors"
)

type fakeChatRepo struct {
	conversations map[string]*entity.Conversation
	messages      map[string][]*entity.Message
	participants  map[string][]*entity.Participant
	readCalls     map[string]int
	deleted       []string
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{
		conversations: make(map[string]*entity.Conversation),
		messages:      make(map[string][]*entity.Message),
		participants:  make(map[string][]*entity.Participant),
		readCalls:     make(map[string]int),
	}
}

func (f *fakeChatRepo) Create(ctx context.Context, conv *entity.Conversation) error {
	f.conversations[conv.ID] = conv
	return nil
}

func (f *fakeChatRepo) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	return conv, nil
}

func (f *fakeChatRepo) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Conversation, int64, error) {
	var out []*entity.Conversation
	for _, conv := range f.conversations {
		for _, p := range conv.Participants {
			if p == userID {
				out = append(out, conv)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, int64(len(out)), nil
}

func (f *fakeChatRepo) Update(ctx context.Context, conv *entity.Conversation) error {
	f.conversations[conv.ID] = conv
	return nil
}

func (f *fakeChatRepo) Delete(ctx context.Context, id string) error {
	delete(f.conversations, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeChatRepo) AddParticipant(ctx context.Context, p *entity.Participant) error {
	f.participants[p.ConversationID] = append(f.participants[p.ConversationID], p)
	return nil
}

func (f *fakeChatRepo) GetParticipants(ctx context.Context, conversationID string) ([]*entity.Participant, error) {
	return f.participants[conversationID], nil
}

func (f *fakeChatRepo) CreateMessage(ctx context.Context, msg *entity.Message) error {
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
	return nil
}

func (f *fakeChatRepo) GetMessageByID(ctx context.Context, conversationID, messageID string) (*entity.Message, error) {
	for _, msg := range f.messages[conversationID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, errors.NotFound("Message", nil)
}

func (f *fakeChatRepo) GetMessagesByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, int64, error) {
	msgs := f.messages[conversationID]
	return msgs, int64(len(msgs)), nil
}

func (f *fakeChatRepo) UpdateMessage(ctx context.Context, conversationID string, msg *entity.Message) error {
	return nil
}

func (f *fakeChatRepo) UpdateMessageReadStatus(ctx context.Context, conversationID, messageID, userID string) error {
	f.readCalls[messageID+"/"+userID]++
	return nil
}

type fakeUserRepo struct {
	users map[string]*entity.User
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, errors.NotFound("User", nil)
	}
	return user, nil
}

func (f *fakeUserRepo) TouchLastActive(ctx context.Context, id string) error {
	return nil
}

func newTestUseCase() (*ConversationUseCase, *fakeChatRepo) {
	chatRepo := newFakeChatRepo()
	userRepo := &fakeUserRepo{users: map[string]*entity.User{
		"alice": {ID: "alice", DisplayName: "Alice"},
		"bob":   {ID: "bob", DisplayName: "Bob"},
	}}
	return NewConversationUseCase(chatRepo, userRepo), chatRepo
}

func TestCreateConversation_Direct(t *testing.T) {
	uc, repo := newTestUseCase()

	resp, err := uc.CreateConversation(context.Background(), "alice", CreateConversationInput{RecipientID: "bob"})
	require.NoError(t, err)

	assert.Equal(t, entity.ConversationTypeDirect, resp.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, resp.Participants)
	assert.Equal(t, "Bob", resp.OtherUser.DisplayName)
	assert.Len(t, repo.participants[resp.ID], 2)
}

func TestCreateConversation_ReusesExistingThread(t *testing.T) {
	uc, _ := newTestUseCase()

	first, err := uc.CreateConversation(context.Background(), "alice", CreateConversationInput{RecipientID: "bob"})
	require.NoError(t, err)

	second, err := uc.CreateConversation(context.Background(), "alice", CreateConversationInput{RecipientID: "bob"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestCreateConversation_RejectsSelf(t *testing.T) {
	uc, _ := newTestUseCase()

	_, err := uc.CreateConversation(context.Background(), "alice", CreateConversationInput{RecipientID: "alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, "BAD_REQUEST"))
}

func TestCreateConversation_UnknownRecipient(t *testing.T) {
	uc, _ := newTestUseCase()

	_, err := uc.CreateConversation(context.Background(), "alice", CreateConversationInput{RecipientID: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, "NOT_FOUND"))
}

func TestGetConversationMessages_RequiresParticipant(t *testing.T) {
	uc, repo := newTestUseCase()

	repo.conversations["c1"] = &entity.Conversation{
		ID:           "c1",
		Type:         entity.ConversationTypeDirect,
		Participants: []string{"bob", "carol"},
	}

	_, _, err := uc.GetConversationMessages(context.Background(), "alice", "c1", 50, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, "FORBIDDEN"))
}

func TestMarkConversationRead_StampsReceiptsAndClearsUnread(t *testing.T) {
	uc, repo := newTestUseCase()

	repo.conversations["c1"] = &entity.Conversation{
		ID:           "c1",
		Type:         entity.ConversationTypeDirect,
		Participants: []string{"alice", "bob"},
		UnreadCount:  map[string]int{"alice": 2},
	}

	err := uc.MarkConversationRead(context.Background(), "alice", "c1", []string{"m1", "m2"})
	require.NoError(t, err)

	assert.Equal(t, 1, repo.readCalls["m1/alice"])
	assert.Equal(t, 1, repo.readCalls["m2/alice"])
	assert.Equal(t, 0, repo.conversations["c1"].UnreadCount["alice"])
}

func TestDeleteConversation_RequiresParticipant(t *testing.T) {
	uc, repo := newTestUseCase()

	repo.conversations["c1"] = &entity.Conversation{
		ID:            "c1",
		Type:          entity.ConversationTypeDirect,
		Participants:  []string{"bob", "carol"},
		LastMessageAt: time.Now(),
	}

	err := uc.DeleteConversation(context.Background(), "alice", "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, "FORBIDDEN"))

	require.NoError(t, uc.DeleteConversation(context.Background(), "bob", "c1"))
	assert.Equal(t, []string{"c1"}, repo.deleted)
}
