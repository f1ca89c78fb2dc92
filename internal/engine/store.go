package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fanlink/internal/domain/entity"
	"fanlink/internal/domain/repository"
	"fanlink/pkg/errors"
	"fanlink/pkg/logger"
)

// StoreConfig tunes the optimistic-send retry loop.
type StoreConfig struct {
	RetryBudget  int
	RetryBackoff time.Duration
}

// MessageStore holds the working copy of one open conversation: an ordered
// message list with optimistic inserts reconciled against the change feed.
//
// The list is backed by an id-indexed map plus a slice kept sorted by
// (CreatedAt, ID). Dedup is by message id, never by arrival order: a
// confirmed echo of an optimistic send updates the existing entry in place.
// All mutation goes through the methods below under one mutex, so the
// store has a single logical writer.
type MessageStore struct {
	conversationID string
	selfID         string
	repo           repository.ChatRepository
	cfg            StoreConfig

	mu    sync.Mutex
	byID  map[string]*entity.Message
	order []*entity.Message

	onChange    func()
	onConfirmed func(entity.Message)
}

func NewMessageStore(conversationID, selfID string, repo repository.ChatRepository, cfg StoreConfig) *MessageStore {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &MessageStore{
		conversationID: conversationID,
		selfID:         selfID,
		repo:           repo,
		cfg:            cfg,
		byID:           make(map[string]*entity.Message),
	}
}

// SetOnChange registers a callback fired after every visible mutation.
func (s *MessageStore) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetOnConfirmed redirects send confirmations. The session points this at
// the conversation directory once the view closes, so an in-flight send
// still lands somewhere visible.
func (s *MessageStore) SetOnConfirmed(fn func(entity.Message)) {
	s.mu.Lock()
	s.onConfirmed = fn
	s.mu.Unlock()
}

// LoadHistory fetches the conversation history and merges it under any
// optimistic entries that already arrived. Returns the merged list.
func (s *MessageStore) LoadHistory(ctx context.Context) ([]entity.Message, error) {
	history, _, err := s.repo.GetMessagesByConversation(ctx, s.conversationID, 0, 0)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, msg := range history {
		m := *msg
		m.State = entity.MessageStateConfirmed
		s.upsertLocked(&m)
	}
	s.mu.Unlock()

	s.notify()
	return s.Messages(), nil
}

// Send appends a pending message synchronously and persists it in the
// background. The returned copy carries the pre-assigned id the confirmed
// record will echo back.
func (s *MessageStore) Send(content, attachmentURL, replyToID string) entity.Message {
	msg := &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: s.conversationID,
		SenderID:       s.selfID,
		Content:        content,
		AttachmentURL:  attachmentURL,
		ReplyToID:      replyToID,
		ReadBy:         []string{},
		CreatedAt:      time.Now(),
		State:          entity.MessageStatePending,
	}

	s.mu.Lock()
	s.insertLocked(msg)
	s.mu.Unlock()
	s.notify()

	go s.persist(*msg)
	return *msg
}

// persist runs on a detached context: closing the view must not cancel an
// in-flight send, it completes and is reconciled wherever the session is
// still listening.
func (s *MessageStore) persist(msg entity.Message) {
	ctx := context.Background()

	var err error
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err = s.repo.CreateMessage(ctx, &msg)
		if err == nil {
			s.confirm(msg.ID)
			return
		}
		if !errors.IsTransient(err) || attempt >= s.cfg.RetryBudget {
			break
		}
		logger.Warn("Retrying send of message %s (attempt %d): %v", msg.ID, attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
	}

	logger.Error("Failed to persist message %s in conversation %s: %v", msg.ID, s.conversationID, err)
	s.markFailed(msg.ID)
}

func (s *MessageStore) confirm(id string) {
	s.mu.Lock()
	msg, ok := s.byID[id]
	var confirmed entity.Message
	var fn func(entity.Message)
	if ok {
		msg.State = entity.MessageStateConfirmed
		confirmed = *msg
		fn = s.onConfirmed
	}
	s.mu.Unlock()

	if ok {
		s.notify()
		if fn != nil {
			fn(confirmed)
		}
	}
}

func (s *MessageStore) markFailed(id string) {
	s.mu.Lock()
	if msg, ok := s.byID[id]; ok && msg.State == entity.MessageStatePending {
		msg.State = entity.MessageStateFailed
	}
	s.mu.Unlock()
	s.notify()
}

// Retry re-queues a failed message. No-op for any other state.
func (s *MessageStore) Retry(id string) error {
	s.mu.Lock()
	msg, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("Message", nil)
	}
	if msg.State != entity.MessageStateFailed {
		s.mu.Unlock()
		return errors.BadRequest("Only failed messages can be retried", nil)
	}
	msg.State = entity.MessageStatePending
	pending := *msg
	s.mu.Unlock()

	s.notify()
	go s.persist(pending)
	return nil
}

// Discard drops a failed message from the working list.
func (s *MessageStore) Discard(id string) {
	s.mu.Lock()
	if msg, ok := s.byID[id]; ok && msg.State == entity.MessageStateFailed {
		s.removeLocked(id)
	}
	s.mu.Unlock()
	s.notify()
}

// OnRemoteInsert reconciles a change-feed insert. If the id is already
// present this client was the sender and the optimistic entry beat the
// echo: update in place, keeping the entry's position so nothing visually
// reorders. Otherwise insert sorted.
func (s *MessageStore) OnRemoteInsert(msg entity.Message) {
	msg.State = entity.MessageStateConfirmed

	s.mu.Lock()
	s.upsertLocked(&msg)
	s.mu.Unlock()
	s.notify()
}

// OnRemoteUpdate applies a read-state or content change. Updates for
// messages outside the loaded window are dropped; a receipt racing ahead
// of its message is buffered by the receipt propagator instead.
func (s *MessageStore) OnRemoteUpdate(msg entity.Message) {
	s.mu.Lock()
	existing, ok := s.byID[msg.ID]
	if ok {
		existing.Content = msg.Content
		existing.ReadBy = msg.ReadBy
		existing.AttachmentURL = msg.AttachmentURL
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
}

// ApplyReceipt records a reader on a message. Returns false when the
// message is not loaded.
func (s *MessageStore) ApplyReceipt(messageID, readerID string) bool {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if ok && !msg.ReadByUser(readerID) {
		msg.ReadBy = append(msg.ReadBy, readerID)
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// Get returns a copy of one message.
func (s *MessageStore) Get(id string) (entity.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[id]; ok {
		return *msg, true
	}
	return entity.Message{}, false
}

// Messages returns a copy of the working list, ascending by creation time.
func (s *MessageStore) Messages() []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.Message, len(s.order))
	for i, msg := range s.order {
		out[i] = *msg
	}
	return out
}

func (s *MessageStore) upsertLocked(msg *entity.Message) {
	if existing, ok := s.byID[msg.ID]; ok {
		// Same identity: adopt the authoritative fields but keep the local
		// creation timestamp so the entry does not jump in the list.
		existing.Content = msg.Content
		existing.AttachmentURL = msg.AttachmentURL
		existing.ReplyToID = msg.ReplyToID
		existing.ReadBy = msg.ReadBy
		existing.State = msg.State
		return
	}
	s.insertLocked(msg)
}

// insertLocked places msg at its sorted position by (CreatedAt, ID). The
// id tiebreak keeps ordering deterministic for equal timestamps.
func (s *MessageStore) insertLocked(msg *entity.Message) {
	i := sort.Search(len(s.order), func(i int) bool {
		if !s.order[i].CreatedAt.Equal(msg.CreatedAt) {
			return s.order[i].CreatedAt.After(msg.CreatedAt)
		}
		return s.order[i].ID > msg.ID
	})

	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = msg
	s.byID[msg.ID] = msg
}

func (s *MessageStore) removeLocked(id string) {
	delete(s.byID, id)
	for i, msg := range s.order {
		if msg.ID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
