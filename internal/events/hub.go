// Package events is the in-process notification bus. Workers publish job
// transitions on it; waiters and SSE clients subscribe.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event types.
const (
	JobSubmitted = "job.submitted"
	JobRunning   = "job.running"
	JobFinished  = "job.finished"
	JobCancelled = "job.cancelled"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Handler string `json:"handler,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// JobID returns the job id carried by a job.* event, or "".
func (e Event) JobID() string {
	var p struct {
		JobID string `json:"job_id"`
	}
	_ = json.Unmarshal(e.Data, &p)
	return p.JobID
}

// Hub is an in-memory pub/sub with a ring buffer for late subscribers.
// Publishing never blocks; a full subscriber misses events.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of future events and a function that detaches
// and closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
