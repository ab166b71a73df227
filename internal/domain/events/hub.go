// Package events fans runtime events out to observers such as the admin
// WebSocket stream.
//
// Publishing never blocks: a subscriber whose buffer is full misses events
// and the drop is logged.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
)

// Type names an event
type Type string

const (
	ExtensionRegistered   Type = "extension.registered"
	ExtensionUnregistered Type = "extension.unregistered"
	ExtensionActivated    Type = "extension.activated"
	ExtensionDeactivated  Type = "extension.deactivated"
	HostRegistered        Type = "host.registered"
	HostUnregistered      Type = "host.unregistered"
	ScriptsReinstalled    Type = "scripts.reinstalled"
	EventBroadcast        Type = "event.broadcast"
	MessagePublished      Type = "message.published"
	BackgroundStarted     Type = "background.started"
	BackgroundStopped     Type = "background.stopped"
	BackgroundFailed      Type = "background.failed"
)

// Event is one observation
type Event struct {
	Type        Type                   `json:"type"`
	ExtensionID string                 `json:"extensionId,omitempty"`
	Time        time.Time              `json:"time"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// New creates an event stamped with the current time
func New(t Type, extensionID string, data map[string]interface{}) Event {
	return Event{Type: t, ExtensionID: extensionID, Time: time.Now(), Data: data}
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Hub delivers events to subscribers. A nil *Hub discards everything.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
	logger *logging.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events
func NewHub(buffer int, logger *logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logging.OrNop(logger).Named("events"),
	}
}

// Publish sends e to every subscriber without blocking
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for key, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Warn("Subscriber buffer full, dropping event",
				zap.Int("subscriber", key),
				zap.String("type", string(e.Type)),
			)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function closes the
// channel and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	key := h.next
	h.next++
	h.subs[key] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, key)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscribers
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
