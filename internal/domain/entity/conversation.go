package entity

import "time"

const (
	ConversationTypeDirect    = "direct"
	ConversationTypeCommunity = "community"
)

type Conversation struct {
	ID            string         `json:"id" firestore:"id"`
	Participants  []string       `json:"participants" firestore:"participants"`
	Type          string         `json:"type" firestore:"type"` // "direct", "community"
	CreatedAt     time.Time      `json:"created_at" firestore:"createdAt"`
	UpdatedAt     time.Time      `json:"updated_at" firestore:"updatedAt"`
	LastMessageAt time.Time      `json:"last_message_at" firestore:"lastMessageAt"`
	LastMessage   string         `json:"last_message,omitempty" firestore:"lastMessage,omitempty"`
	UnreadCount   map[string]int `json:"unread_count" firestore:"unreadCount"` // Map of userID to unread count
}

// ConversationSummary is the directory view of a conversation: the preview
// row rendered in the inbox list, ordered by last activity.
type ConversationSummary struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Participants  []string  `json:"participants"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}
