package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"fanlink/internal/domain/entity"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/logger"
)

// TypingConfig carries the two intervals that differ between deployments.
type TypingConfig struct {
	// Timeout clears a remote indicator that stops refreshing.
	Timeout time.Duration
	// Debounce caps how often the local "is typing" broadcast is sent.
	Debounce time.Duration
}

// TypingCoordinator tracks remote compose state for one room and throttles
// the local typing broadcast.
//
// Remote side: each user is Idle or Typing. An active signal starts (or
// resets) that user's expiry timer; the indicator clears on timer expiry,
// on an explicit stop signal, or immediately when a message from that user
// arrives. The user's own signals are ignored.
type TypingCoordinator struct {
	roomID string
	selfID string
	bus    realtime.Bus
	cfg    TypingConfig

	mu       sync.Mutex
	active   map[string]*typingEntry
	onChange func(users []string)
	closed   bool

	// Sender-side throttle state.
	lastSent   time.Time
	sentActive bool
}

type typingEntry struct {
	indicator entity.TypingIndicator
	timer     *time.Timer
}

func NewTypingCoordinator(roomID, selfID string, bus realtime.Bus, cfg TypingConfig) *TypingCoordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	return &TypingCoordinator{
		roomID: roomID,
		selfID: selfID,
		bus:    bus,
		cfg:    cfg,
		active: make(map[string]*typingEntry),
	}
}

func (t *TypingCoordinator) SetOnChange(fn func(users []string)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// HandleSignal consumes one typing broadcast from the room.
func (t *TypingCoordinator) HandleSignal(sig realtime.BroadcastSignal) {
	if sig.UserID == t.selfID {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if !sig.IsActive {
		t.clearLocked(sig.UserID)
		t.mu.Unlock()
		t.notify()
		return
	}

	if entry, ok := t.active[sig.UserID]; ok {
		entry.timer.Reset(t.cfg.Timeout)
		t.mu.Unlock()
		return
	}

	userID := sig.UserID
	t.active[userID] = &typingEntry{
		indicator: entity.TypingIndicator{
			UserID:    userID,
			RoomID:    t.roomID,
			StartedAt: sig.SentAt,
		},
		timer: time.AfterFunc(t.cfg.Timeout, func() {
			t.expire(userID)
		}),
	}
	t.mu.Unlock()
	t.notify()
}

// NoteMessageFrom clears the indicator as soon as the user's message lands:
// a sent message means they are no longer composing.
func (t *TypingCoordinator) NoteMessageFrom(userID string) {
	t.mu.Lock()
	cleared := t.clearLocked(userID)
	t.mu.Unlock()
	if cleared {
		t.notify()
	}
}

func (t *TypingCoordinator) expire(userID string) {
	t.mu.Lock()
	cleared := t.clearLocked(userID)
	t.mu.Unlock()
	if cleared {
		t.notify()
	}
}

func (t *TypingCoordinator) clearLocked(userID string) bool {
	entry, ok := t.active[userID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.active, userID)
	return true
}

// TypingUsers lists users currently composing, sorted for stable rendering.
func (t *TypingCoordinator) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.active))
	for userID := range t.active {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// SetTyping reports local keystroke state. Active signals go out at most
// once per debounce window; the stop signal goes out immediately so remote
// observers clear without waiting out their timer.
func (t *TypingCoordinator) SetTyping(ctx context.Context, active bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if !active {
		if !t.sentActive {
			t.mu.Unlock()
			return
		}
		t.sentActive = false
		t.lastSent = time.Time{}
		t.mu.Unlock()
		t.broadcast(ctx, false)
		return
	}

	if t.sentActive && time.Since(t.lastSent) < t.cfg.Debounce {
		t.mu.Unlock()
		return
	}
	t.sentActive = true
	t.lastSent = time.Now()
	t.mu.Unlock()
	t.broadcast(ctx, true)
}

// StopOnSend is called when a message goes out, so the explicit stop signal
// races ahead of the message echo.
func (t *TypingCoordinator) StopOnSend(ctx context.Context) {
	t.SetTyping(ctx, false)
}

func (t *TypingCoordinator) broadcast(ctx context.Context, active bool) {
	err := t.bus.Publish(ctx, realtime.TopicBroadcast, t.roomID, realtime.BroadcastSignal{
		Kind:     realtime.SignalTyping,
		RoomID:   t.roomID,
		UserID:   t.selfID,
		IsActive: active,
		SentAt:   time.Now(),
	})
	if err != nil {
		// Typing signals are best-effort ephemera; a lost one only delays
		// the remote indicator.
		logger.Debug("Failed to broadcast typing signal in room %s: %v", t.roomID, err)
	}
}

// Close stops every expiry timer. Late timer fires become no-ops.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	t.closed = true
	for userID, entry := range t.active {
		entry.timer.Stop()
		delete(t.active, userID)
	}
	t.mu.Unlock()
}

func (t *TypingCoordinator) notify() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(t.TypingUsers())
	}
}
