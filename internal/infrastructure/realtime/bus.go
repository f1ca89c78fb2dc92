package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Topic identifies one class of realtime event. Delivery order is only
// guaranteed within a single topic+filter pair.
type Topic string

const (
	TopicMessageInserted    Topic = "message_inserted"
	TopicMessageUpdated     Topic = "message_updated"
	TopicParticipantChanged Topic = "participant_changed"
	TopicPresenceSync       Topic = "presence_sync"
	TopicBroadcast          Topic = "broadcast"
)

// Event is one inbound realtime event. Payload stays raw until the consumer
// decodes it; a payload that fails to decode is dropped, not fatal.
type Event struct {
	Topic   Topic           `json:"topic"`
	Filter  string          `json:"filter"`
	Payload json.RawMessage `json:"payload"`
}

// EventSource is one live subscription. Events() is closed when the source
// is closed. Transient disconnects are reconnected internally and never
// replay already-delivered events.
type EventSource interface {
	Events() <-chan Event
	Close() error
}

// Bus is the realtime backend collaborator: a change-feed/broadcast
// publish-subscribe primitive plus a presence primitive.
type Bus interface {
	Subscribe(ctx context.Context, topic Topic, filter string) (EventSource, error)
	Publish(ctx context.Context, topic Topic, filter string, payload interface{}) error

	// Presence. Track registers a session in a room and Heartbeat keeps it
	// alive; sessions with no heartbeat inside the timeout fall out of the
	// next snapshot. Every presence mutation publishes a fresh snapshot on
	// TopicPresenceSync for the room.
	Track(ctx context.Context, roomID string, rec SessionRecord) error
	Heartbeat(ctx context.Context, roomID, sessionID string) error
	Untrack(ctx context.Context, roomID, sessionID string) error
}

// SessionRecord is one tracked client session. A user with several open
// tabs appears once per session; consumers collapse by UserID.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	JoinedAt  time.Time `json:"joined_at"`
}
