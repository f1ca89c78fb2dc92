package engine

import (
	"context"
	"sync"

	"fanlink/internal/infrastructure/realtime"
	"fanlink/pkg/errors"
)

// Handler consumes one inbound event. Handlers for a subscription run on a
// single dispatcher goroutine, so delivery order within a topic+filter pair
// is preserved and handlers never interleave for the same subscription.
type Handler func(evt realtime.Event)

// Subscription is one live topic+filter registration.
type Subscription struct {
	Topic  realtime.Topic
	Filter string

	source realtime.EventSource
	done   chan struct{}
}

// Multiplexer owns every subscription a session opens against the realtime
// bus. Views register handlers through it and must release them on close;
// ActiveCount exposes the open set so teardown can be verified.
//
// Reconnects are handled inside the bus client, so a transient drop never
// re-registers handlers here and never replays delivered events.
type Multiplexer struct {
	bus realtime.Bus

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewMultiplexer(bus realtime.Bus) *Multiplexer {
	return &Multiplexer{
		bus:  bus,
		subs: make(map[*Subscription]struct{}),
	}
}

func (m *Multiplexer) Subscribe(ctx context.Context, topic realtime.Topic, filter string, handler Handler) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.Internal("Multiplexer is closed", nil)
	}
	m.mu.Unlock()

	source, err := m.bus.Subscribe(ctx, topic, filter)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		Topic:  topic,
		Filter: filter,
		source: source,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		source.Close()
		return nil, errors.Internal("Multiplexer is closed", nil)
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	// One dispatcher goroutine per subscription; the range ends when the
	// source closes its channel.
	go func() {
		defer close(sub.done)
		for evt := range source.Events() {
			handler(evt)
		}
	}()

	return sub, nil
}

// Unsubscribe closes the subscription and waits for its dispatcher to
// drain, so no handler runs after Unsubscribe returns.
func (m *Multiplexer) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	if _, ok := m.subs[sub]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub)
	m.mu.Unlock()

	sub.source.Close()
	<-sub.done
}

// CloseAll tears down every remaining subscription. Used on session close
// and on session expiry.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	m.closed = true
	remaining := make([]*Subscription, 0, len(m.subs))
	for sub := range m.subs {
		remaining = append(remaining, sub)
	}
	m.subs = make(map[*Subscription]struct{})
	m.mu.Unlock()

	for _, sub := range remaining {
		sub.source.Close()
		<-sub.done
	}
}

// ActiveCount returns the number of open subscriptions. A nonzero count
// after a view closes is a leak.
func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
