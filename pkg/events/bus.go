package events

import (
	"sync"

	"conductor/pkg/logx"
)

// DefaultSubscriberBuffer is the channel buffer used by Subscribe when the
// caller passes a non-positive size.
const DefaultSubscriberBuffer = 256

// Bus is the process-wide event channel. Publishing never blocks: a
// subscriber that falls behind its buffer loses events (logged at debug)
// rather than stalling the scheduler.
type Bus struct {
	logger *logx.Logger
	subs   map[int]chan Event
	nextID int
	closed bool
	mu     sync.Mutex
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		logger: logx.NewLogger("events"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its receive channel plus
// an unsubscribe function. The channel is closed on unsubscribe or bus
// close. buffer <= 0 selects DefaultSubscriberBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		// A closed channel keeps late subscribers from blocking forever.
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping %s event for slow subscriber %d", ev.Kind(), id)
		}
	}
}

// Close shuts the bus down, closing all subscriber channels. Subsequent
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
