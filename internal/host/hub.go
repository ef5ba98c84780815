package host

import (
	"sync"
	"time"
)

// Hub event types.
const (
	EventStatus         = "status"
	EventActivation     = "activation"
	EventExtensionError = "extension.error"
	EventExtensions     = "extensions"
	EventCommands       = "commands"
	EventMessage        = "message"
	EventPanel          = "panel"
	EventPanelMessage   = "panel.message"
	EventSessionExit    = "session.exit"
	EventWindow         = "window"
)

const defaultSubscriberBuffer = 64

// Event is one gateway-facing notification.
type Event struct {
	Type      string      `json:"type"`
	WindowID  string      `json:"windowId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than stall the publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel function that closes
// it. buffer <= 0 selects the default size.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	key := h.next
	h.next++
	h.subs[key] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, key)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber that has room.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
