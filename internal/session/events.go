package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soddygo/kode-acp/pkg/models"
)

// EventType identifies a session lifecycle notification.
type EventType string

const (
	EventCreated     EventType = "created"
	EventUpdated     EventType = "updated"
	EventDestroyed   EventType = "destroyed"
	EventModeChanged EventType = "mode_changed"
	EventTimeout     EventType = "timeout"
)

// Event is delivered to listeners in the order the store mutations happened.
type Event struct {
	Timestamp  time.Time          `json:"timestamp"`
	Type       EventType          `json:"type"`
	SessionID  string             `json:"sessionId,omitempty"`
	Mode       models.SessionMode `json:"mode,omitempty"`
	PrevMode   models.SessionMode `json:"previousMode,omitempty"`
	SessionIDs []string           `json:"sessionIds,omitempty"`
	Imported   bool               `json:"imported,omitempty"`
}

// Listener receives session events synchronously. Listeners may read from
// the store but must not mutate it.
type Listener func(Event)

type subscription struct {
	fn Listener
	id int
}

// Bus is a synchronous publish/subscribe fan-out.
type Bus struct {
	subs   []subscription
	nextID int
	mu     sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every listener in subscription order. A panicking
// listener is logged and skipped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, ev)
	}
}

// Len returns the number of listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("Session event listener panicked")
		}
	}()
	fn(ev)
}
