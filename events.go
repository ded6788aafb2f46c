package cagg

import (
	"fmt"
	"sync"
	"time"
)

// RefreshEventKind identifies a refresh lifecycle event.
type RefreshEventKind int

const (
	// EventRefreshStarted is published when a cycle begins.
	EventRefreshStarted RefreshEventKind = iota
	// EventRefreshCompleted is published on success, including no-op cycles.
	EventRefreshCompleted
	// EventRefreshFailed is published when a cycle fails; the next tick
	// retries with a freshly computed window.
	EventRefreshFailed
)

func (k RefreshEventKind) String() string {
	switch k {
	case EventRefreshStarted:
		return "started"
	case EventRefreshCompleted:
		return "completed"
	case EventRefreshFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RefreshEvent describes one refresh lifecycle transition of a view.
type RefreshEvent struct {
	View     string           `json:"view"`
	Kind     RefreshEventKind `json:"-"`
	KindName string           `json:"kind"`
	Manual   bool             `json:"manual"`
	Window   Window           `json:"window"`
	Stats    RefreshStats     `json:"stats"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
	Duration time.Duration    `json:"duration_ns"`
}

// EventSubscription receives refresh events on a buffered channel. Slow
// consumers drop events rather than blocking the scheduler.
type EventSubscription struct {
	ID     string
	hub    *EventHub
	ch     chan RefreshEvent
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel events are delivered on.
func (s *EventSubscription) C() <-chan RefreshEvent {
	return s.ch
}

// Close closes the subscription and removes it from the hub, so churning
// consumers do not leave dead entries behind for Publish to walk.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.remove(s.ID)
	}
}

// EventHub fans refresh events out to subscribers.
type EventHub struct {
	mu      sync.RWMutex
	subs    map[string]*EventSubscription
	nextID  uint64
	bufSize int
}

// NewEventHub creates a hub with the given per-subscription buffer size.
func NewEventHub(bufSize int) *EventHub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &EventHub{subs: make(map[string]*EventSubscription), bufSize: bufSize}
}

// Subscribe registers a new event consumer.
func (h *EventHub) Subscribe() *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &EventSubscription{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		hub:  h,
		ch:   make(chan RefreshEvent, h.bufSize),
		done: make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (h *EventHub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// subscriberCount reports the number of live subscriptions.
func (h *EventHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers an event to every subscriber, dropping it for full
// buffers.
func (h *EventHub) Publish(ev RefreshEvent) {
	ev.KindName = ev.Kind.String()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- ev:
			default:
			}
		}
		sub.mu.Unlock()
	}
}

// Close closes every subscription.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := make([]*EventSubscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*EventSubscription)
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
