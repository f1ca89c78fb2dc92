package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fanlink/internal/domain/entity"
	"fanlink/internal/domain/repository"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/logger"
)

// PresenceTracker maintains the online user set per room. Each join tracks
// a session on the bus and heartbeats it; the backend publishes a full
// snapshot after every presence mutation and the tracker normalizes it
// immediately into a per-user set, keeping the earliest join time when a
// user has several sessions.
type PresenceTracker struct {
	bus       realtime.Bus
	users     repository.UserRepository
	mux       *Multiplexer
	heartbeat time.Duration

	mu       sync.Mutex
	rooms    map[string]*roomPresence
	onChange func(roomID string, online []entity.UserPresence)
}

type roomPresence struct {
	online []entity.UserPresence
	sub    *Subscription
	refs   int
}

// Tracking is the handle returned by Join; Leave releases it.
type Tracking struct {
	roomID    string
	sessionID string
	stop      chan struct{}
	stopped   sync.Once
}

func NewPresenceTracker(bus realtime.Bus, users repository.UserRepository, mux *Multiplexer, heartbeat time.Duration) *PresenceTracker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &PresenceTracker{
		bus:       bus,
		users:     users,
		mux:       mux,
		heartbeat: heartbeat,
		rooms:     make(map[string]*roomPresence),
	}
}

func (p *PresenceTracker) SetOnChange(fn func(roomID string, online []entity.UserPresence)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Join tracks userID in the room and starts its heartbeat loop. The first
// join for a room also opens the snapshot subscription.
func (p *PresenceTracker) Join(ctx context.Context, roomID, userID string) (*Tracking, error) {
	p.mu.Lock()
	room, ok := p.rooms[roomID]
	if !ok {
		room = &roomPresence{}
		p.rooms[roomID] = room
	}
	room.refs++
	needSub := room.sub == nil
	p.mu.Unlock()

	if needSub {
		sub, err := p.mux.Subscribe(ctx, realtime.TopicPresenceSync, roomID, func(evt realtime.Event) {
			var snapshot realtime.PresenceSnapshot
			if err := json.Unmarshal(evt.Payload, &snapshot); err != nil {
				logger.Warn("Dropping malformed presence snapshot for room %s: %v", roomID, err)
				return
			}
			p.applySnapshot(roomID, snapshot)
		})
		if err != nil {
			p.release(roomID)
			return nil, err
		}
		p.mu.Lock()
		p.rooms[roomID].sub = sub
		p.mu.Unlock()
	}

	rec := realtime.SessionRecord{
		SessionID: uuid.New().String(),
		UserID:    userID,
		JoinedAt:  time.Now(),
	}
	if err := p.bus.Track(ctx, roomID, rec); err != nil {
		p.release(roomID)
		return nil, err
	}

	// Best-effort profile bump; presence join must not fail on it.
	if err := p.users.TouchLastActive(ctx, userID); err != nil {
		logger.Warn("Failed to update last_active for user %s: %v", userID, err)
	}

	tracking := &Tracking{
		roomID:    roomID,
		sessionID: rec.SessionID,
		stop:      make(chan struct{}),
	}

	go p.heartbeatLoop(tracking)
	return tracking, nil
}

func (p *PresenceTracker) heartbeatLoop(t *Tracking) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.bus.Heartbeat(context.Background(), t.roomID, t.sessionID); err != nil {
				logger.Warn("Presence heartbeat failed for room %s: %v", t.roomID, err)
			}
		case <-t.stop:
			return
		}
	}
}

// Leave stops the heartbeat and untracks the session. The next snapshot
// reflects the absence; no explicit leaving signal is needed beyond the
// untrack itself.
func (p *PresenceTracker) Leave(t *Tracking) {
	if t == nil {
		return
	}
	t.stopped.Do(func() {
		close(t.stop)
		if err := p.bus.Untrack(context.Background(), t.roomID, t.sessionID); err != nil {
			logger.Warn("Failed to untrack session %s in room %s: %v", t.sessionID, t.roomID, err)
		}
		p.release(t.roomID)
	})
}

func (p *PresenceTracker) release(roomID string) {
	p.mu.Lock()
	room, ok := p.rooms[roomID]
	if !ok {
		p.mu.Unlock()
		return
	}
	room.refs--
	var sub *Subscription
	if room.refs <= 0 {
		sub = room.sub
		delete(p.rooms, roomID)
	}
	p.mu.Unlock()

	if sub != nil {
		p.mux.Unsubscribe(sub)
	}
}

// applySnapshot collapses the raw session list to one entry per user with
// the earliest join time, sorted for stable output.
func (p *PresenceTracker) applySnapshot(roomID string, snapshot realtime.PresenceSnapshot) {
	byUser := make(map[string]entity.UserPresence)
	for _, sess := range snapshot.Sessions {
		existing, ok := byUser[sess.UserID]
		if !ok || sess.JoinedAt.Before(existing.JoinedAt) {
			byUser[sess.UserID] = entity.UserPresence{
				UserID:   sess.UserID,
				RoomID:   roomID,
				JoinedAt: sess.JoinedAt,
			}
		}
	}

	online := make([]entity.UserPresence, 0, len(byUser))
	for _, u := range byUser {
		online = append(online, u)
	}
	sort.Slice(online, func(i, j int) bool {
		if !online[i].JoinedAt.Equal(online[j].JoinedAt) {
			return online[i].JoinedAt.Before(online[j].JoinedAt)
		}
		return online[i].UserID < online[j].UserID
	})

	p.mu.Lock()
	room, ok := p.rooms[roomID]
	if ok {
		room.online = online
	}
	fn := p.onChange
	p.mu.Unlock()

	if ok && fn != nil {
		fn(roomID, online)
	}
}

// OnlineUsers returns the current online set for a room, one entry per
// user.
func (p *PresenceTracker) OnlineUsers(roomID string) []entity.UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]entity.UserPresence, len(room.online))
	copy(out, room.online)
	return out
}

// IsOnline reports whether a user currently has at least one live session
// in the room.
func (p *PresenceTracker) IsOnline(roomID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.rooms[roomID]
	if !ok {
		return false
	}
	for _, u := range room.online {
		if u.UserID == userID {
			return true
		}
	}
	return false
}
