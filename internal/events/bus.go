package events

import (
	"sync"
	"time"
)

// Type identifies a monitoring lifecycle event.
type Type string

const (
	TypeSessionStarted  Type = "session_started"
	TypeSessionReplaced Type = "session_replaced"
	TypeSessionStopped  Type = "session_stopped"
	TypeSessionReaped   Type = "session_reaped"
)

// Event describes one change to the set of supervised sessions.
type Event struct {
	Type         Type      `json:"type"`
	SessionID    string    `json:"sessionId"`
	TargetID     int64     `json:"targetId"`
	TargetKind   string    `json:"targetKind"`
	SupervisorID int64     `json:"supervisorId"`
	RoomName     string    `json:"roomName"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

const subscriberBuffer = 64

// Bus fans events out to channel subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	onDropped func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// SetDropHook installs a callback invoked when a subscriber misses an event.
func (b *Bus) SetDropHook(hook func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDropped = hook
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if b.onDropped != nil {
				b.onDropped(e)
			}
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
