// Package events fans out Iris activity (chat turns, capability calls,
// scheduled jobs, reflections) to workspace clients over SSE.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types for the workspace event stream.
const (
	TypeChat       = "chat"       // Chat message (user or assistant)
	TypeCapability = "capability" // Capability dispatched by the agent or a job
	TypeJob        = "job"        // Scheduled job fired
	TypeReflection = "reflection" // Nightly reflection progress
	TypeStatus     = "status"     // Status/routing info
	TypeError      = "error"      // Error notification
)

// Event is a single event broadcast to workspace clients.
type Event struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`     // For chat content
	Role        string `json:"role,omitempty"`        // For chat: "user" or "assistant"
	Destination string `json:"destination,omitempty"` // Room the event concerns
	Name        string `json:"name,omitempty"`        // Capability or job name
	Message     string `json:"message,omitempty"`     // For status/error messages
	Level       string `json:"level,omitempty"`       // "info", "warn", "error"
	DurationMS  int64  `json:"duration_ms,omitempty"`
	TS          string `json:"ts"`
}

// Marshal serializes an event to JSON, stamping it if needed.
func (e Event) Marshal() []byte {
	e.stamp()
	b, _ := json.Marshal(e)
	return b
}

func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans out events to all subscribers. Subscribers that fall behind
// miss events rather than blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewBus creates a bus that keeps the last 200 events for new subscribers.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all subscribers without blocking.
// A nil bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	e.stamp()

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
			// too slow, they can catch up via Recent
		}
	}
}

// Subscribe registers a subscriber. The returned done channel identifies
// it for Unsubscribe, which the caller must call.
func (b *Bus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(done chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(b.subscribers, sub)
			return
		}
	}
}

// Recent returns the last n events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	result := make([]Event, n)
	copy(result, b.recent[len(b.recent)-n:])
	return result
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
