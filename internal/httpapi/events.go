package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/giantswarm/tool-gateway/internal/events"
)

// sseQueueSize bounds a single SSE client's lapping queue; a slow
// browser tab laps its own oldest events rather than stalling the bus.
const sseQueueSize = 64

// handleEvents streams every bus event to the client as an SSE feed
// until the client disconnects. Grounded on the Event Bus's existing
// per-subscriber bounded-queue-plus-consumer-goroutine shape
// (internal/events.Bus.Subscribe): an SSE client is just another
// subscriber whose handler writes frames instead of mutating state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames := make(chan []byte, sseQueueSize)
	subID := s.reg.Bus().SubscribeWithQueueSize(func(ev events.Event) {
		body, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case frames <- body:
		default:
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- body:
			default:
			}
		}
	}, sseQueueSize)
	defer s.reg.Bus().Unsubscribe(subID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-frames:
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}
	}
}
