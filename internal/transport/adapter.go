// Package transport implements the Transport Adapter: a capability set
// {connect, disconnect, sendAndReceive} realized by four variants (stdio,
// http, sse, container) that all proxy
// arbitrary JSON-RPC 2.0 envelopes to a backend, not just MCP tool calls.
// The polymorphism is a tagged-variant interface rather than a class
// hierarchy: each variant is a struct implementing Adapter plus whatever
// extras it needs.
package transport

import (
	"context"
	"time"
)

// Kind names a transport variant.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindHTTP      Kind = "http"
	KindSSE       Kind = "sse"
	KindContainer Kind = "container"
)

// StderrEvent carries a line read from a stdio/container child's standard
// error stream, routed to the event bus as a warning.
type StderrEvent struct {
	InstanceID string
	Line       string
	Timestamp  time.Time
}

// Adapter is the capability set every transport variant implements.
type Adapter interface {
	Kind() Kind
	// Connect establishes the channel and performs the initialize
	// handshake, validating a JSON-RPC response arrives within 5s.
	Connect(ctx context.Context) error
	// Disconnect releases all resources. Child processes receive a soft
	// termination signal, then are force-killed after a grace period.
	Disconnect(ctx context.Context) error
	// SendAndReceive returns the peer's reply whose id equals the
	// envelope's id, within the adapter's configured timeout.
	SendAndReceive(ctx context.Context, envelope *Envelope) (*Envelope, error)
	// Connected reports whether Connect has succeeded and Disconnect has
	// not yet been called.
	Connected() bool
}

// EventSubscriber is the shape of a receiver for stderr lines. StdioAdapter
// and ContainerAdapter do not implement or call it: they deliver stderr
// lines through their OnStderr function field, and no adapter emits
// connection-lifecycle events.
type EventSubscriber interface {
	OnStderr(StderrEvent)
}

const defaultDisconnectGrace = 2 * time.Second
const initializeTimeout = 5 * time.Second
