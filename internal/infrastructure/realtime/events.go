package realtime

import (
	"time"

	"fanlink/internal/domain/entity"
)

// Broadcast signal kinds carried on TopicBroadcast.
const (
	SignalTyping      = "typing"
	SignalReadReceipt = "read_receipt"
)

// MessageEvent is the payload on TopicMessageInserted and
// TopicMessageUpdated, filtered by conversation id.
type MessageEvent struct {
	Message entity.Message `json:"message"`
}

// Participant change kinds.
const (
	ParticipantAdded     = "added"
	ParticipantRemoved   = "removed"
	ConversationDeleted  = "conversation_deleted"
	ConversationActivity = "activity"
)

// ParticipantEvent is the payload on TopicParticipantChanged, filtered by
// user id so a client only hears about its own conversation list. An
// activity event carries the message that caused it, so recipients without
// an open view can update previews without a refetch.
type ParticipantEvent struct {
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Change         string          `json:"change"`
	Message        *entity.Message `json:"message,omitempty"`
}

// BroadcastSignal is the payload on TopicBroadcast, filtered by room id.
// Exactly one of the optional sections is present depending on Kind.
type BroadcastSignal struct {
	Kind   string    `json:"kind"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
	SentAt time.Time `json:"sent_at"`

	// Kind == SignalTyping
	IsActive bool `json:"is_active,omitempty"`

	// Kind == SignalReadReceipt
	MessageID string `json:"message_id,omitempty"`
}

// PresenceSnapshot is the payload on TopicPresenceSync: the full set of
// live sessions for the room at publish time.
type PresenceSnapshot struct {
	RoomID   string          `json:"room_id"`
	Sessions []SessionRecord `json:"sessions"`
}
