package entity

import "time"

// Participant denormalizes a profile snapshot onto the conversation so the
// inbox renders without a join against the users collection.
type Participant struct {
	ConversationID string    `json:"conversation_id" firestore:"conversationId"`
	UserID         string    `json:"user_id" firestore:"userId"`
	DisplayName    string    `json:"display_name" firestore:"displayName"`
	AvatarURL      string    `json:"avatar_url,omitempty" firestore:"avatarUrl,omitempty"`
	LastActiveAt   time.Time `json:"last_active_at" firestore:"lastActiveAt"`
	JoinedAt       time.Time `json:"joined_at" firestore:"joinedAt"`
}
