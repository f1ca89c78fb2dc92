package entity

import "time"

// UserPresence is one online user in a room, collapsed across sessions.
type UserPresence struct {
	UserID   string    `json:"user_id"`
	RoomID   string    `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// TypingIndicator is ephemeral per-user compose state. Never persisted.
type TypingIndicator struct {
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	StartedAt time.Time `json:"started_at"`
}

// ReadReceipt records that a reader observed a message. Append-only.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}
