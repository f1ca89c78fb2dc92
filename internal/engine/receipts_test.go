package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanlink/internal/domain/entity"
	"fanlink/internal/engine"
	"fanlink/internal/infrastructure/realtime"
)

func newTestReceipts(repo *fakeChatRepo, bus realtime.Bus) (*engine.ReadReceiptPropagator, *engine.MessageStore) {
	store := newTestStore(repo)
	return engine.NewReadReceiptPropagator("c1", "alice", repo, bus, store), store
}

func seedMessage(repo *fakeChatRepo, store *engine.MessageStore, id, sender string) {
	msg := entity.Message{ID: id, ConversationID: "c1", SenderID: sender, CreatedAt: time.Now()}
	repo.CreateMessage(context.Background(), &msg)
	store.OnRemoteInsert(msg)
}

func TestReceipts_MarkReadIsIdempotent(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addConversation(&entity.Conversation{ID: "c1", Participants: []string{"alice", "bob"}})
	bus := realtime.NewMemoryBus(time.Minute)
	receipts, store := newTestReceipts(repo, bus)
	seedMessage(repo, store, "m1", "bob")

	// The message scrolls in and out of view repeatedly.
	for i := 0; i < 5; i++ {
		require.NoError(t, receipts.MarkRead(context.Background(), "m1"))
	}

	assert.Equal(t, 1, repo.readStatusCount("m1", "alice"), "N calls must yield exactly one durable receipt")

	m, ok := store.Get("m1")
	require.True(t, ok)
	assert.True(t, m.ReadByUser("alice"))
}

func TestReceipts_FailedMarkQueuedAndRetried(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addConversation(&entity.Conversation{ID: "c1", Participants: []string{"alice", "bob"}})
	bus := realtime.NewMemoryBus(time.Minute)
	receipts, store := newTestReceipts(repo, bus)
	seedMessage(repo, store, "m1", "bob")

	repo.mu.Lock()
	repo.readStatusErr = assert.AnError
	repo.mu.Unlock()

	// The failure is swallowed, not surfaced.
	require.NoError(t, receipts.MarkRead(context.Background(), "m1"))

	repo.mu.Lock()
	repo.readStatusErr = nil
	repo.mu.Unlock()

	// Next visibility event replays the queued mark.
	receipts.RetryPending(context.Background())
	assert.Equal(t, 2, repo.readStatusCount("m1", "alice"))

	m, _ := store.Get("m1")
	assert.True(t, m.ReadByUser("alice"))
}

func TestReceipts_SignalForUnloadedMessageIsBuffered(t *testing.T) {
	repo := newFakeChatRepo()
	bus := realtime.NewMemoryBus(time.Minute)
	receipts, store := newTestReceipts(repo, bus)

	// The receipt arrives before its message; it must not be lost and must
	// not crash anything.
	receipts.HandleSignal(realtime.BroadcastSignal{
		Kind:      realtime.SignalReadReceipt,
		RoomID:    "c1",
		UserID:    "bob",
		MessageID: "m1",
		SentAt:    time.Now(),
	})
	assert.Empty(t, store.Messages())

	store.OnRemoteInsert(entity.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", CreatedAt: time.Now()})
	receipts.FlushBuffered("m1")

	m, ok := store.Get("m1")
	require.True(t, ok)
	assert.True(t, m.ReadByUser("bob"))
}

func TestReceipts_OwnSignalIgnored(t *testing.T) {
	repo := newFakeChatRepo()
	bus := realtime.NewMemoryBus(time.Minute)
	receipts, store := newTestReceipts(repo, bus)
	store.OnRemoteInsert(entity.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", CreatedAt: time.Now()})

	receipts.HandleSignal(realtime.BroadcastSignal{
		Kind:      realtime.SignalReadReceipt,
		RoomID:    "c1",
		UserID:    "alice", // our own echo
		MessageID: "m1",
		SentAt:    time.Now(),
	})

	m, _ := store.Get("m1")
	assert.False(t, m.ReadByUser("alice"))
}

func TestReceipts_SeenByExcludesSender(t *testing.T) {
	repo := newFakeChatRepo()
	bus := realtime.NewMemoryBus(time.Minute)
	receipts, store := newTestReceipts(repo, bus)
	store.OnRemoteInsert(entity.Message{
		ID: "m1", ConversationID: "c1", SenderID: "bob",
		ReadBy: []string{"bob", "carol"}, CreatedAt: time.Now(),
	})

	receipts.HandleSignal(realtime.BroadcastSignal{
		Kind:      realtime.SignalReadReceipt,
		RoomID:    "c1",
		UserID:    "dave",
		MessageID: "m1",
		SentAt:    time.Now(),
	})

	assert.Equal(t, []string{"carol", "dave"}, receipts.SeenBy("m1"))
}

func TestReceipts_MarkReadPublishesSignal(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addConversation(&entity.Conversation{ID: "c1", Participants: []string{"alice", "bob"}})
	bus := realtime.NewMemoryBus(time.Minute)
	receipts, store := newTestReceipts(repo, bus)
	seedMessage(repo, store, "m1", "bob")

	src, err := bus.Subscribe(context.Background(), realtime.TopicBroadcast, "c1")
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, receipts.MarkRead(context.Background(), "m1"))

	select {
	case evt := <-src.Events():
		assert.Equal(t, realtime.TopicBroadcast, evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected a read receipt broadcast")
	}
}
