package httpapi

import (
	"sync"

	"github.com/giantswarm/tool-gateway/internal/events"
)

// defaultLogRingSize bounds how many stderr lines are retained per
// instance; the oldest line is evicted once a ring fills, the same
// lapping behavior the event bus itself applies to a full subscriber
// queue.
const defaultLogRingSize = 200

type logRing struct {
	lines []string
	next  int
	full  bool
}

func newLogRing(size int) *logRing {
	return &logRing{lines: make([]string, size)}
}

func (r *logRing) append(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// tail returns up to limit of the most recently appended lines, oldest
// first.
func (r *logRing) tail(limit int) []string {
	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// logStore subscribes to the event bus's "stderr" events and keeps a
// bounded per-instance ring of recent lines, backing
// GET /api/services/{id}/logs.
type logStore struct {
	ringSize int

	mu   sync.Mutex
	byID map[string]*logRing
}

func newLogStore(bus *events.Bus, ringSize int) *logStore {
	if ringSize <= 0 {
		ringSize = defaultLogRingSize
	}
	ls := &logStore{
		ringSize: ringSize,
		byID:     make(map[string]*logRing),
	}
	bus.Subscribe(ls.onEvent)
	return ls
}

func (ls *logStore) onEvent(ev events.Event) {
	if ev.Type != "stderr" {
		return
	}
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return
	}
	instanceID, _ := payload["instanceId"].(string)
	line, _ := payload["line"].(string)
	if instanceID == "" {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	ring, ok := ls.byID[instanceID]
	if !ok {
		ring = newLogRing(ls.ringSize)
		ls.byID[instanceID] = ring
	}
	ring.append(line)
}

// Tail returns up to limit of instanceID's most recently logged stderr
// lines, oldest first.
func (ls *logStore) Tail(instanceID string, limit int) []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ring, ok := ls.byID[instanceID]
	if !ok {
		return nil
	}
	return ring.tail(limit)
}
