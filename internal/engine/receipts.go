package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"fanlink/internal/domain/repository"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/logger"
)

// ReadReceiptPropagator marks observed messages read and mirrors remote
// receipt signals into the message store.
//
// MarkRead is idempotent per message: a message scrolling in and out of
// view any number of times produces one durable receipt and one broadcast.
// A failed mark is queued and retried on the next visibility event, never
// surfaced as a user-facing error. Inbound receipts for messages not yet
// loaded are buffered until the message arrives.
type ReadReceiptPropagator struct {
	conversationID string
	selfID         string
	repo           repository.ChatRepository
	bus            realtime.Bus
	store          *MessageStore

	mu       sync.Mutex
	marked   map[string]bool
	retry    []string
	receipts map[string]map[string]time.Time // messageID -> readerID -> read at
	onChange func(messageID string)
}

func NewReadReceiptPropagator(conversationID, selfID string, repo repository.ChatRepository, bus realtime.Bus, store *MessageStore) *ReadReceiptPropagator {
	return &ReadReceiptPropagator{
		conversationID: conversationID,
		selfID:         selfID,
		repo:           repo,
		bus:            bus,
		store:          store,
		marked:         make(map[string]bool),
		receipts:       make(map[string]map[string]time.Time),
	}
}

func (r *ReadReceiptPropagator) SetOnChange(fn func(messageID string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// MarkRead records the local reader on a message once, persists the read
// state and broadcasts the receipt so the sender can render delivery.
func (r *ReadReceiptPropagator) MarkRead(ctx context.Context, messageID string) error {
	r.mu.Lock()
	if r.marked[messageID] {
		r.mu.Unlock()
		return nil
	}
	r.marked[messageID] = true
	r.mu.Unlock()

	// Skip the write when the loaded copy already carries our receipt.
	if msg, ok := r.store.Get(messageID); ok && msg.ReadByUser(r.selfID) {
		return nil
	}

	if err := r.repo.UpdateMessageReadStatus(ctx, r.conversationID, messageID, r.selfID); err != nil {
		logger.Warn("Failed to mark message %s read, queued for retry: %v", messageID, err)
		r.mu.Lock()
		r.marked[messageID] = false
		r.retry = append(r.retry, messageID)
		r.mu.Unlock()
		return nil
	}

	r.recordReceipt(messageID, r.selfID, time.Now())
	r.store.ApplyReceipt(messageID, r.selfID)

	err := r.bus.Publish(ctx, realtime.TopicBroadcast, r.conversationID, realtime.BroadcastSignal{
		Kind:      realtime.SignalReadReceipt,
		RoomID:    r.conversationID,
		UserID:    r.selfID,
		MessageID: messageID,
		SentAt:    time.Now(),
	})
	if err != nil {
		// The durable state is already written; the signal only speeds up
		// the sender's rendering.
		logger.Debug("Failed to broadcast read receipt for message %s: %v", messageID, err)
	}
	return nil
}

// RetryPending replays failed marks. Called on the next visibility event.
func (r *ReadReceiptPropagator) RetryPending(ctx context.Context) {
	r.mu.Lock()
	pending := r.retry
	r.retry = nil
	r.mu.Unlock()

	for _, messageID := range pending {
		if err := r.MarkRead(ctx, messageID); err != nil {
			logger.Warn("Retry of read mark for message %s failed: %v", messageID, err)
		}
	}
}

// HandleSignal consumes one read-receipt broadcast. The receipt is applied
// to the store immediately when the message is loaded, otherwise it stays
// buffered until FlushBuffered runs for that message.
func (r *ReadReceiptPropagator) HandleSignal(sig realtime.BroadcastSignal) {
	if sig.UserID == r.selfID || sig.MessageID == "" {
		return
	}

	r.recordReceipt(sig.MessageID, sig.UserID, sig.SentAt)

	if r.store.ApplyReceipt(sig.MessageID, sig.UserID) {
		r.notify(sig.MessageID)
	}
}

// FlushBuffered applies receipts that arrived before their message did.
func (r *ReadReceiptPropagator) FlushBuffered(messageID string) {
	r.mu.Lock()
	readers := make([]string, 0, len(r.receipts[messageID]))
	for readerID := range r.receipts[messageID] {
		readers = append(readers, readerID)
	}
	r.mu.Unlock()

	applied := false
	for _, readerID := range readers {
		if r.store.ApplyReceipt(messageID, readerID) {
			applied = true
		}
	}
	if applied {
		r.notify(messageID)
	}
}

func (r *ReadReceiptPropagator) recordReceipt(messageID, readerID string, at time.Time) {
	r.mu.Lock()
	if r.receipts[messageID] == nil {
		r.receipts[messageID] = make(map[string]time.Time)
	}
	if _, ok := r.receipts[messageID][readerID]; !ok {
		r.receipts[messageID][readerID] = at
	}
	r.mu.Unlock()
}

// SeenBy returns the distinct non-sender readers of a message. How many
// receipts constitute "seen" in a group room is the caller's threshold.
func (r *ReadReceiptPropagator) SeenBy(messageID string) []string {
	senderID := ""
	if msg, ok := r.store.Get(messageID); ok {
		senderID = msg.SenderID
	}

	seen := make(map[string]bool)
	if msg, ok := r.store.Get(messageID); ok {
		for _, readerID := range msg.ReadBy {
			seen[readerID] = true
		}
	}

	r.mu.Lock()
	for readerID := range r.receipts[messageID] {
		seen[readerID] = true
	}
	r.mu.Unlock()

	readers := make([]string, 0, len(seen))
	for readerID := range seen {
		if readerID == senderID {
			continue
		}
		readers = append(readers, readerID)
	}
	sort.Strings(readers)
	return readers
}

func (r *ReadReceiptPropagator) notify(messageID string) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(messageID)
	}
}
