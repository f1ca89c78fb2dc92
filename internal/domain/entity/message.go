package entity

import "time"

// Delivery states for the client-side working copy of a message. The state
// is never persisted: a message read back from the store is always confirmed.
const (
	MessageStatePending   = "pending"
	MessageStateConfirmed = "confirmed"
	MessageStateFailed    = "failed"
)

type Message struct {
	ID             string    `json:"id" firestore:"id"`
	ConversationID string    `json:"conversation_id" firestore:"conversationId"`
	SenderID       string    `json:"sender_id" firestore:"senderId"`
	Content        string    `json:"content" firestore:"content"`
	AttachmentURL  string    `json:"attachment_url,omitempty" firestore:"attachmentUrl,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty" firestore:"replyToId,omitempty"`
	ReadBy         []string  `json:"read_by" firestore:"readBy"`
	CreatedAt      time.Time `json:"created_at" firestore:"createdAt"`

	// State tracks optimistic delivery and lives only in memory.
	State string `json:"state,omitempty" firestore:"-"`
}

// ReadByUser reports whether userID already has a receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}
