package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fanlink/internal/domain/entity"
	"fanlink/internal/domain/repository"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/errors"
	"fanlink/pkg/logger"
)

// ErrReauthRequired is returned from every operation once the session's
// identity becomes unavailable. All live subscriptions are already torn
// down by then.
var ErrReauthRequired = errors.Unauthorized("Reauthentication required", nil)

// Deps are the backend collaborators a session consumes.
type Deps struct {
	Repo  repository.ChatRepository
	Users repository.UserRepository
	Bus   realtime.Bus
}

// Settings carries the tunables from configuration.
type Settings struct {
	TypingTimeout     time.Duration
	TypingDebounce    time.Duration
	HeartbeatInterval time.Duration
	SendRetryBudget   int
	SendRetryBackoff  time.Duration
}

// Session is the per-client realtime context. One Session exists per
// authenticated connection; it owns the multiplexer, the presence tracker,
// the conversation directory and one view per open conversation, with an
// explicit NewSession/Close lifecycle instead of shared singletons.
type Session struct {
	userID   string
	deps     Deps
	settings Settings

	mux       *Multiplexer
	tracker   *PresenceTracker
	directory *Directory

	mu        sync.Mutex
	views     map[string]*ConversationView
	trackings []*Tracking
	closed    bool
	expired   bool
}

// ConversationView is one open conversation: the working message list, the
// room's typing state and its receipt propagator, plus every subscription
// the view holds.
type ConversationView struct {
	ID       string
	Store    *MessageStore
	Typing   *TypingCoordinator
	Receipts *ReadReceiptPropagator

	session       *Session
	subs          []*Subscription
	cancelHistory context.CancelFunc
	closeOnce     sync.Once
}

func NewSession(ctx context.Context, userID string, deps Deps, settings Settings) (*Session, error) {
	s := &Session{
		userID:    userID,
		deps:      deps,
		settings:  settings,
		mux:       NewMultiplexer(deps.Bus),
		directory: NewDirectory(userID, deps.Repo),
		views:     make(map[string]*ConversationView),
	}
	s.tracker = NewPresenceTracker(deps.Bus, deps.Users, s.mux, settings.HeartbeatInterval)

	// The participant feed keeps the directory current for the whole
	// session lifetime.
	_, err := s.mux.Subscribe(ctx, realtime.TopicParticipantChanged, userID, func(evt realtime.Event) {
		var pe realtime.ParticipantEvent
		if err := json.Unmarshal(evt.Payload, &pe); err != nil {
			logger.Warn("Dropping malformed participant event for user %s: %v", userID, err)
			return
		}
		if pe.Change == realtime.ConversationActivity {
			if pe.Message != nil {
				s.noteActivity(*pe.Message)
			}
			return
		}
		s.directory.HandleParticipantEvent(context.Background(), pe)
	})
	if err != nil {
		s.mux.CloseAll()
		return nil, err
	}

	if err := s.directory.Refresh(ctx); err != nil {
		logger.Warn("Initial conversation list load failed for user %s: %v", userID, err)
	}

	return s, nil
}

func (s *Session) UserID() string { return s.userID }

// Directory exposes the conversation list component.
func (s *Session) Directory() *Directory { return s.directory }

// Presence exposes the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.tracker }

// Multiplexer exposes the subscription registry, mainly so callers can
// assert the no-leak property.
func (s *Session) Multiplexer() *Multiplexer { return s.mux }

// noteActivity folds one activity event into the directory. A conversation
// the user is looking at never accumulates unread.
func (s *Session) noteActivity(msg entity.Message) {
	s.mu.Lock()
	_, open := s.views[msg.ConversationID]
	s.mu.Unlock()

	s.directory.NoteMessage(msg)
	if open {
		s.directory.ClearUnread(msg.ConversationID)
	}
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return ErrReauthRequired
	}
	if s.closed {
		return errors.Internal("Session is closed", nil)
	}
	return nil
}

// OpenConversation loads the history and attaches the live feeds for one
// conversation. The returned view must be closed when the UI leaves it.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*ConversationView, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if view, ok := s.views[conversationID]; ok {
		s.mu.Unlock()
		return view, nil
	}
	s.mu.Unlock()

	conv, err := s.deps.Repo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != entity.ConversationTypeCommunity && !containsString(conv.Participants, s.userID) {
		return nil, errors.Forbidden("You are not a participant in this conversation", nil)
	}

	store := NewMessageStore(conversationID, s.userID, s.deps.Repo, StoreConfig{
		RetryBudget:  s.settings.SendRetryBudget,
		RetryBackoff: s.settings.SendRetryBackoff,
	})
	typing := NewTypingCoordinator(conversationID, s.userID, s.deps.Bus, TypingConfig{
		Timeout:  s.settings.TypingTimeout,
		Debounce: s.settings.TypingDebounce,
	})
	receipts := NewReadReceiptPropagator(conversationID, s.userID, s.deps.Repo, s.deps.Bus, store)

	view := &ConversationView{
		ID:       conversationID,
		Store:    store,
		Typing:   typing,
		Receipts: receipts,
		session:  s,
	}

	onInserted := func(evt realtime.Event) {
		var me realtime.MessageEvent
		if err := json.Unmarshal(evt.Payload, &me); err != nil {
			logger.Warn("Dropping malformed message-inserted event in %s: %v", conversationID, err)
			return
		}
		store.OnRemoteInsert(me.Message)
		typing.NoteMessageFrom(me.Message.SenderID)
		receipts.FlushBuffered(me.Message.ID)
	}
	onUpdated := func(evt realtime.Event) {
		var me realtime.MessageEvent
		if err := json.Unmarshal(evt.Payload, &me); err != nil {
			logger.Warn("Dropping malformed message-updated event in %s: %v", conversationID, err)
			return
		}
		store.OnRemoteUpdate(me.Message)
	}
	onBroadcast := func(evt realtime.Event) {
		var sig realtime.BroadcastSignal
		if err := json.Unmarshal(evt.Payload, &sig); err != nil {
			logger.Warn("Dropping malformed broadcast signal in %s: %v", conversationID, err)
			return
		}
		switch sig.Kind {
		case realtime.SignalTyping:
			typing.HandleSignal(sig)
		case realtime.SignalReadReceipt:
			receipts.HandleSignal(sig)
		}
	}

	for _, reg := range []struct {
		topic   realtime.Topic
		handler Handler
	}{
		{realtime.TopicMessageInserted, onInserted},
		{realtime.TopicMessageUpdated, onUpdated},
		{realtime.TopicBroadcast, onBroadcast},
	} {
		sub, err := s.mux.Subscribe(ctx, reg.topic, conversationID, reg.handler)
		if err != nil {
			view.teardownSubs()
			typing.Close()
			return nil, err
		}
		view.subs = append(view.subs, sub)
	}

	historyCtx, cancel := context.WithCancel(context.Background())
	view.cancelHistory = cancel
	go func() {
		if _, err := store.LoadHistory(historyCtx); err != nil {
			if historyCtx.Err() != nil {
				return // view closed before the load finished
			}
			logger.Error("History load failed for conversation %s: %v", conversationID, err)
		}
	}()

	s.mu.Lock()
	if existing, ok := s.views[conversationID]; ok {
		// Lost a race against a concurrent open of the same conversation;
		// release everything this attempt allocated.
		s.mu.Unlock()
		view.Close()
		return existing, nil
	}
	s.views[conversationID] = view
	s.mu.Unlock()

	s.directory.ClearUnread(conversationID)
	return view, nil
}

func (v *ConversationView) teardownSubs() {
	for _, sub := range v.subs {
		v.session.mux.Unsubscribe(sub)
	}
	v.subs = nil
}

// Close releases every topic the view opened and cancels a pending history
// load. In-flight sends are not cancelled; their confirmations reroute to
// the conversation directory.
func (v *ConversationView) Close() {
	v.closeOnce.Do(func() {
		if v.cancelHistory != nil {
			v.cancelHistory()
		}
		v.teardownSubs()
		v.Typing.Close()
		v.Store.SetOnChange(nil)
		v.Store.SetOnConfirmed(v.session.directory.NoteSendConfirmed)

		v.session.mu.Lock()
		// Only remove the map entry when it is this view: the loser of a
		// concurrent open must not evict the winner.
		if v.session.views[v.ID] == v {
			delete(v.session.views, v.ID)
		}
		v.session.mu.Unlock()
	})
}

func (s *Session) view(conversationID string) (*ConversationView, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.views[conversationID]
	if !ok {
		return nil, errors.NotFound("Open conversation view", nil)
	}
	return view, nil
}

// SendMessage performs an optimistic send in an open conversation. The
// explicit stop-typing signal goes out first so remote indicators clear
// before the message echo arrives.
func (s *Session) SendMessage(ctx context.Context, conversationID, content, attachmentURL, replyToID string) (entity.Message, error) {
	view, err := s.view(conversationID)
	if err != nil {
		return entity.Message{}, err
	}

	view.Typing.StopOnSend(ctx)
	// The directory preview updates from the message-inserted echo, or via
	// the confirmation callback when the view closes first.
	return view.Store.Send(content, attachmentURL, replyToID), nil
}

// CloseConversation releases the view for a conversation, if one is open.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	view, ok := s.views[conversationID]
	s.mu.Unlock()
	if ok {
		view.Close()
	}
}

// RetrySend re-attempts a failed optimistic send.
func (s *Session) RetrySend(conversationID, messageID string) error {
	view, err := s.view(conversationID)
	if err != nil {
		return err
	}
	return view.Store.Retry(messageID)
}

// DiscardSend drops a failed optimistic send from the working copy.
func (s *Session) DiscardSend(conversationID, messageID string) error {
	view, err := s.view(conversationID)
	if err != nil {
		return err
	}
	view.Store.Discard(messageID)
	return nil
}

// SetTyping reports local compose state for an open conversation.
func (s *Session) SetTyping(ctx context.Context, conversationID string, active bool) error {
	view, err := s.view(conversationID)
	if err != nil {
		return err
	}
	view.Typing.SetTyping(ctx, active)
	return nil
}

// MarkRead records a read receipt for a message in an open conversation.
// Each call is a visibility event, so previously failed marks are replayed
// before the new one is recorded.
func (s *Session) MarkRead(ctx context.Context, conversationID, messageID string) error {
	view, err := s.view(conversationID)
	if err != nil {
		return err
	}
	view.Receipts.RetryPending(ctx)
	return view.Receipts.MarkRead(ctx, messageID)
}

// JoinRoom attaches this session's user to a room's presence set.
func (s *Session) JoinRoom(ctx context.Context, roomID string) (*Tracking, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	t, err := s.tracker.Join(ctx, roomID, s.userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.trackings = append(s.trackings, t)
	s.mu.Unlock()
	return t, nil
}

// LeaveRoom releases a presence tracking handle.
func (s *Session) LeaveRoom(t *Tracking) {
	s.tracker.Leave(t)
}

// OnlineUsers returns the deduplicated online set for a room.
func (s *Session) OnlineUsers(roomID string) []entity.UserPresence {
	return s.tracker.OnlineUsers(roomID)
}

// Expire tears the session down because its identity is no longer valid.
// Every subsequent operation returns ErrReauthRequired.
func (s *Session) Expire() {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	s.mu.Unlock()

	s.teardown()
}

// Close releases every view and subscription the session owns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	views := make([]*ConversationView, 0, len(s.views))
	for _, view := range s.views {
		views = append(views, view)
	}
	trackings := s.trackings
	s.trackings = nil
	s.mu.Unlock()

	for _, view := range views {
		view.Close()
	}
	// Leave is idempotent, so a room the caller already left is a no-op.
	for _, t := range trackings {
		s.tracker.Leave(t)
	}
	s.mux.CloseAll()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
