// Package broadcast fans run events out to subscribers. Each subscriber owns
// a buffered FIFO channel; a slow subscriber drops its oldest events rather
// than stalling the dispatch loop.
package broadcast

import (
	"sync"
	"time"

	"maestro/internal/logging"
)

// Event types on the wire.
const (
	TypeStateUpdate     = "state_update"
	TypeTaskUpdate      = "task_update"
	TypeLogMessage      = "log_message"
	TypeHumanNeeded     = "human_needed"
	TypeRunComplete     = "run_complete"
	TypeError           = "error"
	TypeHeartbeat       = "heartbeat"
	TypeRunListUpdate   = "run_list_update"
	TypeInterrupted     = "interrupted"
	TypeTaskInterrupted = "task_interrupted"
	TypeStatus          = "status"
)

// Event is the wire format delivered to every subscriber.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

const defaultBuffer = 256

type subscriber struct {
	id    int64
	runID string // empty subscribes to every run
	ch    chan Event
}

// Hub distributes events to subscribers. Publishing never blocks.
type Hub struct {
	logger *logging.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*subscriber
}

// NewHub creates an event hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger: logging.OrNop(logger),
		subs:   make(map[int64]*subscriber),
	}
}

// Subscribe registers a subscriber for one run (or all runs when runID is
// empty) and returns its event channel plus an unsubscribe function. The
// channel is closed on unsubscribe.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	h.mu.Lock()
	h.nextID++
	sub := &subscriber{
		id:    h.nextID,
		runID: runID,
		ch:    make(chan Event, defaultBuffer),
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub.id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every matching subscriber in FIFO order.
// When a subscriber's buffer is full its oldest event is evicted so the
// publisher never blocks.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.runID != "" && event.RunID != "" && sub.runID != event.RunID {
			continue
		}
		for {
			select {
			case sub.ch <- event:
			default:
				select {
				case dropped := <-sub.ch:
					h.logger.Warn("subscriber lagging, dropping oldest event",
						"subscriber", sub.id, "dropped_type", dropped.Type)
					continue
				default:
				}
			}
			break
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close unsubscribes everyone and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int64]*subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}
