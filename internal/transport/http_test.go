package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req Envelope
		require.NoError(t, json.Unmarshal(body, &req))

		result, _ := json.Marshal(map[string]string{"echo": req.Method})
		resp := Envelope{JSONRPC: "2.0", ID: req.ID, Result: result}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestHTTPAdapter_ConnectAndRoundTrip(t *testing.T) {
	srv := httptest.NewServer(echoHandler(t))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	assert.True(t, a.Connected())

	req := &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`"7"`), Method: "ping"}
	reply, err := a.SendAndReceive(ctx, req)
	require.NoError(t, err)
	assert.True(t, SameID(req.ID, reply.ID))
}

func TestHTTPAdapter_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil, time.Second)
	err := a.Connect(context.Background())
	assert.Error(t, err)
	assert.False(t, a.Connected())
}

func TestHTTPAdapter_NotConnected(t *testing.T) {
	a := NewHTTPAdapter("http://127.0.0.1:0", nil, time.Second)
	_, err := a.SendAndReceive(context.Background(), &Envelope{ID: json.RawMessage(`1`)})
	assert.Error(t, err)
}
