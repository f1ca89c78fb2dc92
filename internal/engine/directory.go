package engine

import (
	"context"
	"sort"
	"sync"

	"fanlink/internal/domain/entity"
	"fanlink/internal/domain/repository"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/errors"
	"fanlink/pkg/logger"
)

// Directory keeps the user's conversation list with latest-message
// previews, refreshed from the participant-changed feed and bumped by
// message-inserted events. List output is always ordered by last activity
// descending.
type Directory struct {
	userID string
	repo   repository.ChatRepository

	mu        sync.Mutex
	summaries map[string]*entity.ConversationSummary
	onChange  func()
}

func NewDirectory(userID string, repo repository.ChatRepository) *Directory {
	return &Directory{
		userID:    userID,
		repo:      repo,
		summaries: make(map[string]*entity.ConversationSummary),
	}
}

func (d *Directory) SetOnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Refresh reloads the whole list from the durable store.
func (d *Directory) Refresh(ctx context.Context) error {
	conversations, _, err := d.repo.ListByUserID(ctx, d.userID, 0, 0)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.summaries = make(map[string]*entity.ConversationSummary, len(conversations))
	for _, conv := range conversations {
		d.summaries[conv.ID] = summarize(conv, d.userID)
	}
	d.mu.Unlock()

	d.notify()
	return nil
}

// HandleParticipantEvent refreshes the one affected conversation.
func (d *Directory) HandleParticipantEvent(ctx context.Context, evt realtime.ParticipantEvent) {
	if evt.Change == realtime.ParticipantRemoved || evt.Change == realtime.ConversationDeleted {
		d.mu.Lock()
		delete(d.summaries, evt.ConversationID)
		d.mu.Unlock()
		d.notify()
		return
	}

	conv, err := d.repo.GetByID(ctx, evt.ConversationID)
	if err != nil {
		if errors.Is(err, "NOT_FOUND") {
			// Deleted concurrently; drop the row instead of erroring.
			d.mu.Lock()
			delete(d.summaries, evt.ConversationID)
			d.mu.Unlock()
			d.notify()
			return
		}
		logger.Warn("Failed to refresh conversation %s in directory: %v", evt.ConversationID, err)
		return
	}

	d.mu.Lock()
	d.summaries[conv.ID] = summarize(conv, d.userID)
	d.mu.Unlock()
	d.notify()
}

// NoteMessage bumps the preview and unread count for an inbound message.
func (d *Directory) NoteMessage(msg entity.Message) {
	d.mu.Lock()
	summary, ok := d.summaries[msg.ConversationID]
	if !ok {
		summary = &entity.ConversationSummary{ID: msg.ConversationID}
		d.summaries[msg.ConversationID] = summary
	}
	if msg.CreatedAt.After(summary.LastMessageAt) {
		summary.LastMessage = msg.Content
		summary.LastMessageAt = msg.CreatedAt
	}
	if msg.SenderID != d.userID {
		summary.UnreadCount++
	}
	d.mu.Unlock()
	d.notify()
}

// NoteSendConfirmed records a send that completed after its view closed.
func (d *Directory) NoteSendConfirmed(msg entity.Message) {
	d.mu.Lock()
	summary, ok := d.summaries[msg.ConversationID]
	if !ok {
		summary = &entity.ConversationSummary{ID: msg.ConversationID}
		d.summaries[msg.ConversationID] = summary
	}
	if msg.CreatedAt.After(summary.LastMessageAt) {
		summary.LastMessage = msg.Content
		summary.LastMessageAt = msg.CreatedAt
	}
	d.mu.Unlock()
	d.notify()
}

// ClearUnread zeroes the unread counter, typically on conversation open.
func (d *Directory) ClearUnread(conversationID string) {
	d.mu.Lock()
	if summary, ok := d.summaries[conversationID]; ok {
		summary.UnreadCount = 0
	}
	d.mu.Unlock()
	d.notify()
}

// List returns the summaries ordered by last activity descending.
func (d *Directory) List() []entity.ConversationSummary {
	d.mu.Lock()
	out := make([]entity.ConversationSummary, 0, len(d.summaries))
	for _, summary := range d.summaries {
		out = append(out, *summary)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func summarize(conv *entity.Conversation, userID string) *entity.ConversationSummary {
	unread := 0
	if conv.UnreadCount != nil {
		unread = conv.UnreadCount[userID]
	}
	participants := make([]string, len(conv.Participants))
	copy(participants, conv.Participants)

	return &entity.ConversationSummary{
		ID:            conv.ID,
		Type:          conv.Type,
		Participants:  participants,
		LastMessage:   conv.LastMessage,
		LastMessageAt: conv.LastMessageAt,
		UnreadCount:   unread,
	}
}

func (d *Directory) notify() {
	d.mu.Lock()
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
