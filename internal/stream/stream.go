// Package stream fans out selection-process lifecycle events to subscribers
// (SSE clients, controllers refreshing on external changes).
package stream

import (
	"context"
	"sync"
	"time"
)

// EventType names a process lifecycle transition.
type EventType string

const (
	EventProcessCreated EventType = "process_created"
	EventProcessStarted EventType = "process_started"
	EventTurnCompleted  EventType = "turn_completed"
	EventProcessDone    EventType = "process_completed"
	EventProcessCancel  EventType = "process_cancelled"
	EventProcessDeleted EventType = "process_deleted"
	EventDatesUpdated   EventType = "dates_updated"
)

// Event describes one lifecycle transition of a selection process.
type Event struct {
	Type      EventType `json:"type"`
	ProcessID string    `json:"process_id"`
	StableID  string    `json:"stable_id"`
	Status    string    `json:"status,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
