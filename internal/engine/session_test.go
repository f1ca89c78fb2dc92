package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanlink/internal/domain/entity"
	"fanlink/internal/engine"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/errors"
)

func testSettings() engine.Settings {
	return engine.Settings{
		TypingTimeout:     80 * time.Millisecond,
		TypingDebounce:    20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		SendRetryBudget:   1,
		SendRetryBackoff:  5 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, userID string, repo *fakeChatRepo, bus realtime.Bus) *engine.Session {
	t.Helper()
	s, err := engine.NewSession(context.Background(), userID, engine.Deps{
		Repo:  repo,
		Users: newFakeUserRepo(),
		Bus:   bus,
	}, testSettings())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func directConversation(repo *fakeChatRepo) {
	repo.addConversation(&entity.Conversation{
		ID:           "c1",
		Type:         entity.ConversationTypeDirect,
		Participants: []string{"alice", "bob"},
		UnreadCount:  map[string]int{},
	})
}

func TestSession_CloseViewReleasesEverySubscription(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "alice", repo, bus)

	base := s.Multiplexer().ActiveCount() // the session's own participant feed

	view, err := s.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Greater(t, s.Multiplexer().ActiveCount(), base)

	view.Close()
	assert.Equal(t, base, s.Multiplexer().ActiveCount(), "a dangling subscription after close is a leak")

	s.Close()
	assert.Equal(t, 0, s.Multiplexer().ActiveCount())
}

func TestSession_OpenUnknownConversation(t *testing.T) {
	repo := newFakeChatRepo()
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "alice", repo, bus)

	_, err := s.OpenConversation(context.Background(), "c-missing")
	assert.True(t, errors.Is(err, "NOT_FOUND"))
}

func TestSession_OpenForeignConversationForbidden(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addConversation(&entity.Conversation{
		ID:           "c-private",
		Type:         entity.ConversationTypeDirect,
		Participants: []string{"bob", "carol"},
	})
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "alice", repo, bus)

	_, err := s.OpenConversation(context.Background(), "c-private")
	assert.True(t, errors.Is(err, "FORBIDDEN"))
}

func TestSession_SendEchoKeepsSingleEntry(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	repo.bus = bus // save-then-publish, as the production adapter does
	s := newTestSession(t, "alice", repo, bus)

	view, err := s.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	sent, err := s.SendMessage(context.Background(), "c1", "hello", "", "")
	require.NoError(t, err)

	// Pending immediately, confirmed after persist + echo, always one row.
	require.Len(t, view.Store.Messages(), 1)
	assert.Eventually(t, func() bool {
		msgs := view.Store.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID &&
			msgs[0].State == entity.MessageStateConfirmed
	}, time.Second, 5*time.Millisecond)
}

func TestSession_TypingAcrossTwoClients(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)

	alice := newTestSession(t, "alice", repo, bus)
	bob := newTestSession(t, "bob", repo, bus)

	_, err := alice.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	bobView, err := bob.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, alice.SetTyping(context.Background(), "c1", true))

	assert.Eventually(t, func() bool {
		users := bobView.Typing.TypingUsers()
		return len(users) == 1 && users[0] == "alice"
	}, time.Second, 5*time.Millisecond, "bob must see alice typing within one debounce interval")

	// Alice goes silent; bob's indicator must clear after the timeout.
	assert.Eventually(t, func() bool {
		return len(bobView.Typing.TypingUsers()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSession_InFlightSendRoutesToDirectoryAfterClose(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	gate := make(chan struct{})
	repo.createMessageGate = gate
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "alice", repo, bus)

	view, err := s.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.SendMessage(context.Background(), "c1", "parting shot", "", "")
	require.NoError(t, err)

	// The view closes while the persist is still in flight.
	view.Close()
	close(gate)

	assert.Eventually(t, func() bool {
		for _, summary := range s.Directory().List() {
			if summary.ID == "c1" && summary.LastMessage == "parting shot" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "a send completing after close must land in the directory")
}

func TestSession_ExpireTearsDownAndDemandsReauth(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "alice", repo, bus)

	_, err := s.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	s.Expire()
	assert.Equal(t, 0, s.Multiplexer().ActiveCount())

	_, err = s.OpenConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, engine.ErrReauthRequired)
	err = s.SetTyping(context.Background(), "c1", true)
	assert.ErrorIs(t, err, engine.ErrReauthRequired)
}

func TestSession_CommunityRoomPresence(t *testing.T) {
	repo := newFakeChatRepo()
	repo.addConversation(&entity.Conversation{
		ID:   "community",
		Type: entity.ConversationTypeCommunity,
	})
	bus := realtime.NewMemoryBus(time.Minute)

	alice := newTestSession(t, "alice", repo, bus)
	bob := newTestSession(t, "bob", repo, bus)

	_, err := alice.JoinRoom(context.Background(), "community")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "community")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(bob.OnlineUsers("community")) == 2
	}, time.Second, 5*time.Millisecond)

	alice.Close()
	assert.Eventually(t, func() bool {
		online := bob.OnlineUsers("community")
		return len(online) == 1 && online[0].UserID == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestSession_DirectoryUpdatesWithoutOpenView(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	repo.bus = bus

	alice := newTestSession(t, "alice", repo, bus)
	bob := newTestSession(t, "bob", repo, bus)

	_, err := alice.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	_, err = alice.SendMessage(context.Background(), "c1", "see you at eight", "", "")
	require.NoError(t, err)

	// Bob never opened the conversation; his inbox row must still update.
	assert.Eventually(t, func() bool {
		for _, summary := range bob.Directory().List() {
			if summary.ID == "c1" {
				return summary.LastMessage == "see you at eight" && summary.UnreadCount == 1
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "a recipient with the conversation closed must see preview and unread move")
}

func TestSession_OpenConversationDoesNotAccumulateUnread(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	repo.bus = bus

	alice := newTestSession(t, "alice", repo, bus)
	bob := newTestSession(t, "bob", repo, bus)

	_, err := alice.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	_, err = bob.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	_, err = alice.SendMessage(context.Background(), "c1", "you watching this?", "", "")
	require.NoError(t, err)

	// Bob is looking at the conversation, so the preview moves but the
	// unread counter stays at zero.
	assert.Eventually(t, func() bool {
		for _, summary := range bob.Directory().List() {
			if summary.ID == "c1" {
				return summary.LastMessage == "you watching this?"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, summary := range bob.Directory().List() {
		if summary.ID == "c1" {
			assert.Equal(t, 0, summary.UnreadCount, "an open conversation must not accumulate unread")
		}
	}
}

func TestSession_MarkReadReplaysQueuedReceipts(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "bob", repo, bus)

	_, err := s.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	repo.mu.Lock()
	repo.readStatusErr = assert.AnError
	repo.mu.Unlock()

	require.NoError(t, s.MarkRead(context.Background(), "c1", "m1"))
	assert.Equal(t, 1, repo.readStatusCount("m1", "bob"))

	// The next mark is a visibility event; the queued failure replays
	// before the new receipt is written.
	repo.mu.Lock()
	repo.readStatusErr = nil
	repo.mu.Unlock()

	require.NoError(t, s.MarkRead(context.Background(), "c1", "m2"))
	assert.Equal(t, 2, repo.readStatusCount("m1", "bob"))
	assert.Equal(t, 1, repo.readStatusCount("m2", "bob"))
}

func TestSession_ConcurrentOpenSharesOneView(t *testing.T) {
	repo := newFakeChatRepo()
	directConversation(repo)
	bus := realtime.NewMemoryBus(time.Minute)
	s := newTestSession(t, "alice", repo, bus)

	base := s.Multiplexer().ActiveCount()

	views := make([]*engine.ConversationView, 8)
	var wg sync.WaitGroup
	for i := range views {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view, err := s.OpenConversation(context.Background(), "c1")
			assert.NoError(t, err)
			views[i] = view
		}(i)
	}
	wg.Wait()

	for _, view := range views[1:] {
		assert.Same(t, views[0], view, "every concurrent open must land on the same view")
	}
	assert.Equal(t, base+3, s.Multiplexer().ActiveCount(), "a losing open must not leak its subscriptions")
}
