package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSSEEchoServer accepts POSTed envelopes and republishes each as a reply
// event to every open GET stream, correlated by the posted request's id.
func newSSEEchoServer(t *testing.T) *httptest.Server {
	events := make(chan Envelope, 16)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var req Envelope
			require.NoError(t, json.Unmarshal(body, &req))
			result, _ := json.Marshal(map[string]string{"echo": req.Method})
			events <- Envelope{JSONRPC: "2.0", ID: req.ID, Result: result}
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for {
				select {
				case ev := <-events:
					data, _ := json.Marshal(ev)
					fmt.Fprintf(w, "data: %s\n\n", data)
					flusher.Flush()
				case <-r.Context().Done():
					return
				}
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestSSEAdapter_ConnectAndRoundTrip(t *testing.T) {
	srv := newSSEEchoServer(t)
	defer srv.Close()

	a := NewSSEAdapter(srv.URL, nil, 3*time.Second)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect(ctx)
	assert.True(t, a.Connected())

	req := &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`"9"`), Method: "ping"}
	reply, err := a.SendAndReceive(ctx, req)
	require.NoError(t, err)
	assert.True(t, SameID(req.ID, reply.ID))
}

func TestSSEAdapter_DisconnectFailsOutstandingWaiters(t *testing.T) {
	// Server accepts the POST but never emits a matching event, so the
	// waiter stays outstanding until Disconnect closes it.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			<-r.Context().Done()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewSSEAdapter(srv.URL, nil, 5*time.Second)
	ctx := context.Background()
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	streamCtx, cancel := context.WithCancel(context.Background())
	go func() {
		req, _ := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL, nil)
		resp, err := a.client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
		}
	}()
	a.cancelGet = cancel

	errCh := make(chan error, 1)
	go func() {
		_, err := a.SendAndReceive(ctx, &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`"stuck"`), Method: "ping"})
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, a.Disconnect(ctx))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SendAndReceive did not return after Disconnect")
	}
}
