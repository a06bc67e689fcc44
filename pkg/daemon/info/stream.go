package info

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is an event with its publication time.
type Message struct {
	Time  time.Time
	Event Event
}

// Subscriber receives messages on a buffered channel.
type Subscriber struct {
	ID     string
	Kinds  []Kind
	Events chan Message
}

func (s *Subscriber) wants(k Kind) bool {
	return len(s.Kinds) == 0 || slices.Contains(s.Kinds, k)
}

// Stream fans events out to subscribers. Publishing never blocks: messages
// for a subscriber whose buffer is full are dropped. A nil *Stream discards
// everything.
type Stream struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	buffer      int
}

// NewStream creates a stream with the given per-subscriber buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 100
	}
	return &Stream{
		subscribers: make(map[string]*Subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers a subscriber for the given kinds, or for all kinds when
// none are given. Returns nil once the stream is closed.
func (s *Stream) Subscribe(kinds ...Kind) *Subscriber {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Kinds:  kinds,
		Events: make(chan Message, s.buffer),
	}
	s.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[id]; ok {
		close(sub.Events)
		delete(s.subscribers, id)
	}
}

// Publish delivers ev to every interested subscriber.
func (s *Stream) Publish(ev Event) {
	if s == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	msg := Message{Time: time.Now(), Event: ev}
	for _, sub := range s.subscribers {
		if !sub.wants(ev.Kind()) {
			continue
		}
		select {
		case sub.Events <- msg:
		default:
		}
	}
}

// Close closes the stream and all subscriptions.
func (s *Stream) Close() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subscribers {
		close(sub.Events)
	}
	s.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
