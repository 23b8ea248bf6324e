package engine

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventDiscovered     EventKind = "discovered"
	EventFetched        EventKind = "fetched"
	EventAccepted       EventKind = "accepted"
	EventRejected       EventKind = "rejected"
	EventFetchFailed    EventKind = "fetch-failed"
	EventStored         EventKind = "stored"
	EventTrackerUpdated EventKind = "tracker-updated"
	EventReplicated     EventKind = "replicated"
	EventError          EventKind = "error"
)

type Event struct {
	Time     time.Time `json:"time"`
	Kind     EventKind `json:"kind"`
	InfoHash string    `json:"infoHash,omitempty"`
	Name     string    `json:"name,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// eventRing keeps the last n events.
type eventRing struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func newEventRing(n int) *eventRing {
	return &eventRing{buf: make([]Event, n)}
}

func (r *eventRing) add(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// list returns the events newest first.
func (r *eventRing) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
