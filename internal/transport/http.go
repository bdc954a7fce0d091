package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
)

// HTTPAdapter sends one JSON-RPC envelope per HTTP request and treats the
// response body as the reply, per spec's "one request per call" contract.
type HTTPAdapter struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration

	client    *http.Client
	connected bool
}

// NewHTTPAdapter constructs an HTTPAdapter targeting url.
func NewHTTPAdapter(url string, headers map[string]string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{URL: url, Headers: headers, Timeout: timeout, client: &http.Client{}}
}

func (a *HTTPAdapter) Kind() Kind      { return KindHTTP }
func (a *HTTPAdapter) Connected() bool { return a.connected }

// Connect performs the initialize handshake as a single HTTP round trip.
func (a *HTTPAdapter) Connect(ctx context.Context) error {
	if a.connected {
		return nil
	}
	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "tool-gateway", "version": "1.0.0"},
		"capabilities":    map[string]interface{}{},
	})
	reply, err := a.doRequest(initCtx, &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize", Params: params})
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "http: initialize handshake with %s", a.URL)
	}
	if reply.Error != nil {
		return gwerrors.New(gwerrors.CodeBackendError, "http: initialize rejected: %s", reply.Error.Message)
	}
	a.connected = true
	return nil
}

// Disconnect releases the adapter's HTTP client resources; there is no
// persistent connection to close for one-request-per-call HTTP.
func (a *HTTPAdapter) Disconnect(ctx context.Context) error {
	a.connected = false
	a.client.CloseIdleConnections()
	return nil
}

// SendAndReceive issues one HTTP POST carrying the envelope and parses the
// response body as the reply.
func (a *HTTPAdapter) SendAndReceive(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	if !a.connected {
		return nil, gwerrors.New(gwerrors.CodeTransportFailure, "http: not connected")
	}
	deadline := a.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return a.doRequest(callCtx, envelope)
}

func (a *HTTPAdapter) doRequest(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CodeInternal, "http: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CodeInternal, "http: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerrors.New(gwerrors.CodeTimeout, "http: request timed out")
		}
		return nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "http: request to %s", a.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "http: read response body")
	}
	if resp.StatusCode >= 400 {
		return nil, gwerrors.New(gwerrors.CodeBackendError, "http: backend returned status %d", resp.StatusCode)
	}

	var reply Envelope
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CodeBackendError, "http: malformed reply envelope")
	}
	return &reply, nil
}
