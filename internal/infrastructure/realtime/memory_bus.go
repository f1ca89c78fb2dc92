package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fanlink/pkg/errors"
)

// memoryBus is an in-process Bus for development mode and tests. It keeps
// the same delivery semantics as the Redis bus: per-channel ordering, no
// replay, snapshot on every presence mutation.
type memoryBus struct {
	mu       sync.Mutex
	channels map[string]map[*memoryEventSource]struct{}
	presence map[string]map[string]memorySession // roomID -> sessionID -> session
	timeout  time.Duration
	now      func() time.Time
}

type memorySession struct {
	rec      SessionRecord
	lastBeat time.Time
}

func NewMemoryBus(presenceTimeout time.Duration) Bus {
	return &memoryBus{
		channels: make(map[string]map[*memoryEventSource]struct{}),
		presence: make(map[string]map[string]memorySession),
		timeout:  presenceTimeout,
		now:      time.Now,
	}
}

type memoryEventSource struct {
	bus     *memoryBus
	channel string
	events  chan Event
	once    sync.Once
}

func (s *memoryEventSource) Events() <-chan Event {
	return s.events
}

func (s *memoryEventSource) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.channels[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.channels, s.channel)
			}
		}
		s.bus.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, topic Topic, filter string) (EventSource, error) {
	src := &memoryEventSource{
		bus:     b,
		channel: channelName(topic, filter),
		events:  make(chan Event, 64),
	}

	b.mu.Lock()
	if b.channels[src.channel] == nil {
		b.channels[src.channel] = make(map[*memoryEventSource]struct{})
	}
	b.channels[src.channel][src] = struct{}{}
	b.mu.Unlock()

	return src, nil
}

func (b *memoryBus) Publish(ctx context.Context, topic Topic, filter string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Protocol("Failed to encode event payload", err)
	}

	evt := Event{Topic: topic, Filter: filter, Payload: data}

	b.mu.Lock()
	subs := make([]*memoryEventSource, 0, len(b.channels[channelName(topic, filter)]))
	for s := range b.channels[channelName(topic, filter)] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- evt:
		default:
			// Slow consumer; drop rather than block the publisher.
		}
	}
	return nil
}

func (b *memoryBus) Track(ctx context.Context, roomID string, rec SessionRecord) error {
	b.mu.Lock()
	if b.presence[roomID] == nil {
		b.presence[roomID] = make(map[string]memorySession)
	}
	b.presence[roomID][rec.SessionID] = memorySession{rec: rec, lastBeat: b.now()}
	b.mu.Unlock()

	return b.publishSnapshot(ctx, roomID)
}

func (b *memoryBus) Heartbeat(ctx context.Context, roomID, sessionID string) error {
	b.mu.Lock()
	if s, ok := b.presence[roomID][sessionID]; ok {
		s.lastBeat = b.now()
		b.presence[roomID][sessionID] = s
	}
	b.mu.Unlock()

	return b.publishSnapshot(ctx, roomID)
}

func (b *memoryBus) Untrack(ctx context.Context, roomID, sessionID string) error {
	b.mu.Lock()
	delete(b.presence[roomID], sessionID)
	b.mu.Unlock()

	return b.publishSnapshot(ctx, roomID)
}

func (b *memoryBus) publishSnapshot(ctx context.Context, roomID string) error {
	cutoff := b.now().Add(-b.timeout)

	b.mu.Lock()
	snapshot := PresenceSnapshot{RoomID: roomID}
	for sessionID, s := range b.presence[roomID] {
		if s.lastBeat.Before(cutoff) {
			delete(b.presence[roomID], sessionID)
			continue
		}
		snapshot.Sessions = append(snapshot.Sessions, s.rec)
	}
	b.mu.Unlock()

	return b.Publish(ctx, TopicPresenceSync, roomID, snapshot)
}
