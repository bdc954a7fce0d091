package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// SSEAdapter submits requests via POST and consumes replies from a
// concurrently-running GET event stream, correlating by JSON-RPC id. Unlike
// stdio/container, SSE may multiplex: several ids can be outstanding at
// once.
type SSEAdapter struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration

	client *http.Client

	mu        sync.Mutex
	connected bool
	waiters   map[string]chan *Envelope
	cancelGet context.CancelFunc
}

// NewSSEAdapter constructs an SSEAdapter targeting url.
func NewSSEAdapter(url string, headers map[string]string, timeout time.Duration) *SSEAdapter {
	return &SSEAdapter{
		URL:     url,
		Headers: headers,
		Timeout: timeout,
		client:  &http.Client{},
		waiters: make(map[string]chan *Envelope),
	}
}

func (a *SSEAdapter) Kind() Kind { return KindSSE }

func (a *SSEAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect opens the long-lived GET stream and performs the initialize
// handshake over it.
func (a *SSEAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	a.cancelGet = cancel
	a.connected = true
	a.mu.Unlock()

	go a.consumeStream(streamCtx)

	initCtx, icancel := context.WithTimeout(ctx, initializeTimeout)
	defer icancel()
	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "tool-gateway", "version": "1.0.0"},
	})
	reply, err := a.SendAndReceive(initCtx, &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize", Params: params})
	if err != nil {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		cancel()
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "sse: initialize handshake with %s", a.URL)
	}
	if reply.Error != nil {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		cancel()
		return gwerrors.New(gwerrors.CodeBackendError, "sse: initialize rejected: %s", reply.Error.Message)
	}
	return nil
}

func (a *SSEAdapter) consumeStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		logging.Error("SSEAdapter", err, "build GET stream request")
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		logging.Error("SSEAdapter", err, "open event stream to %s", a.URL)
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) > 0 {
				a.handleEventData(strings.Join(dataLines, "\n"))
				dataLines = nil
			}
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(payload, " "))
		}
	}
}

func (a *SSEAdapter) handleEventData(data string) {
	var reply Envelope
	if err := json.Unmarshal([]byte(data), &reply); err != nil {
		logging.Warn("SSEAdapter", "discarding malformed event: %v", err)
		return
	}
	if reply.IsNotification() {
		return
	}
	key := string(reply.ID)

	a.mu.Lock()
	waiter, ok := a.waiters[key]
	if ok {
		delete(a.waiters, key)
	}
	a.mu.Unlock()

	if ok {
		waiter <- &reply
	}
}

// SendAndReceive POSTs the envelope and waits for its matching reply to
// arrive on the event stream.
func (a *SSEAdapter) SendAndReceive(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	if !a.Connected() && envelope.Method != "initialize" {
		return nil, gwerrors.New(gwerrors.CodeTransportFailure, "sse: not connected")
	}

	waiter := make(chan *Envelope, 1)
	key := string(envelope.ID)
	a.mu.Lock()
	a.waiters[key] = waiter
	a.mu.Unlock()

	deadline := a.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(envelope)
	if err != nil {
		a.dropWaiter(key)
		return nil, gwerrors.Wrap(err, gwerrors.CodeInternal, "sse: marshal request")
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		a.dropWaiter(key)
		return nil, gwerrors.Wrap(err, gwerrors.CodeInternal, "sse: build post request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.dropWaiter(key)
		return nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "sse: post to %s", a.URL)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		a.dropWaiter(key)
		return nil, gwerrors.New(gwerrors.CodeBackendError, "sse: submit returned status %d", resp.StatusCode)
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, gwerrors.New(gwerrors.CodeTransportFailure, "sse: disconnected while awaiting reply")
		}
		return reply, nil
	case <-callCtx.Done():
		a.dropWaiter(key)
		return nil, gwerrors.New(gwerrors.CodeTimeout, "sse: timed out waiting for reply")
	}
}

func (a *SSEAdapter) dropWaiter(key string) {
	a.mu.Lock()
	delete(a.waiters, key)
	a.mu.Unlock()
}

// Disconnect stops the event stream consumer and fails any outstanding
// waiters.
func (a *SSEAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	cancel := a.cancelGet
	waiters := a.waiters
	a.waiters = make(map[string]chan *Envelope)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, w := range waiters {
		close(w)
	}
	return nil
}
