// Package events fans job lifecycle notifications out to live subscribers,
// such as the API's server-sent event stream.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/crmq/internal/metrics"
)

// Job lifecycle event types.
const (
	JobsCreated  = "jobs.created"
	JobClaimed   = "job.claimed"
	JobSucceeded = "job.succeeded"
	JobRequeued  = "job.requeued"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"
	JobRetried   = "job.retried"
)

var knownTypes = map[string]bool{
	JobsCreated: true, JobClaimed: true, JobSucceeded: true, JobRequeued: true,
	JobFailed: true, JobCancelled: true, JobRetried: true,
}

// Known reports whether t is one of the job lifecycle event types.
func Known(t string) bool { return knownTypes[t] }

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the producer side of the hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}

// Hub keeps the last capacity events for reconnecting clients and fans each
// new event out to subscribers. A subscriber whose buffer is full misses the
// event; Publish never blocks.
type Hub struct {
	lastID atomic.Int64

	mu       sync.Mutex
	capacity int
	backlog  []Event
	subs     map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

// subscriberBuffer is the per-client channel depth.
const subscriberBuffer = 64

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		capacity: capacity,
		backlog:  make([]Event, 0, capacity),
		subs:     make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are taken under the lock so the backlog stays ordered.
	ev := Event{
		ID:   h.lastID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	if len(h.backlog) == h.capacity {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:len(h.backlog)-1]
	}
	h.backlog = append(h.backlog, ev)

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// LastID returns the ID of the most recent event, or 0.
func (h *Hub) LastID() int64 { return h.lastID.Load() }

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SnapshotSince returns backlog events with ID > lastID, oldest first.
// lastID 0 returns the whole backlog.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Backlog IDs are consecutive, so the first match can be computed.
	start := 0
	if n := len(h.backlog); n > 0 && lastID > 0 {
		start = int(lastID - h.backlog[0].ID + 1)
		if start < 0 {
			start = 0
		}
		if start > n {
			start = n
		}
	}
	out := make([]Event, len(h.backlog)-start)
	copy(out, h.backlog[start:])
	return out
}
