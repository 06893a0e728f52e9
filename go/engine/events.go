package engine

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventType discriminates bus events.
type EventType string

const (
	EventStateChanged     EventType = "StateChanged"
	EventMessageProcessed EventType = "MessageProcessed"
)

// Event is one engine notification: a channel state transition or a
// fully-processed message.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channelId"`
	State     string    `json:"state,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	MessageID int64     `json:"messageId,omitempty"`
	Time      time.Time `json:"time"`
}

// Bus fans events out to subscribers. A single emission goroutine
// preserves publish order; a slow subscriber loses events rather than
// stalling the engine.
type Bus struct {
	input chan Event

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

const subscriberBuffer = 256

func NewBus() *Bus {
	var b = &Bus{
		input: make(chan Event, subscriberBuffer),
		subs:  map[int]chan Event{},
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for event := range b.input {
		b.mu.Lock()
		for id, sub := range b.subs {
			select {
			case sub <- event:
			default:
				log.WithFields(log.Fields{"subscriber": id, "type": event.Type}).
					Debug("dropping event for slow subscriber")
			}
		}
		b.mu.Unlock()
	}
}

// Publish enqueues an event. Never blocks the caller beyond the input
// buffer.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.Lock()
	var closed = b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.input <- event
}

// Subscribe registers a consumer. The returned cancel must be called to
// release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var id = b.nextID
	b.nextID++
	var ch = make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Close stops the bus and drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	b.mu.Unlock()
	close(b.input)
}
