package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// StdioAdapter speaks line-delimited JSON-RPC over a child process's
// stdin/stdout. Only one sendAndReceive may be outstanding at a time: the
// adapter serializes calls with callMu so the at-most-one-in-flight
// invariant holds regardless of caller concurrency.
type StdioAdapter struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration

	OnStderr func(StderrEvent)
	instanceID string

	mu        sync.Mutex // guards connected/cmd lifecycle
	callMu    sync.Mutex // serializes sendAndReceive
	connected bool
	cmd       *exec.Cmd
	stdin     *json.Encoder
	stdout    *bufio.Scanner
}

// NewStdioAdapter constructs a StdioAdapter. instanceID is used only to tag
// stderr events.
func NewStdioAdapter(instanceID, command string, args []string, env map[string]string, timeout time.Duration) *StdioAdapter {
	return &StdioAdapter{
		Command:    command,
		Args:       args,
		Env:        env,
		Timeout:    timeout,
		instanceID: instanceID,
	}
}

func (a *StdioAdapter) Kind() Kind { return KindStdio }

func (a *StdioAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect launches the child process and performs the MCP initialize
// handshake. Template-supplied PATH is the caller's concern (sandbox
// resolution happens before Connect is ever called).
func (a *StdioAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	cmd := exec.Command(a.Command, a.Args...)
	for k, v := range a.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: start %s", a.Command)
	}

	a.cmd = cmd
	a.stdin = json.NewEncoder(stdin)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	a.stdout = scanner
	a.connected = true

	go a.relayStderr(stderr)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = "2024-11-05"
	req.Params.ClientInfo = mcp.Implementation{Name: "tool-gateway", Version: "1.0.0"}

	reqEnvelope, err := buildInitializeEnvelope(req)
	if err != nil {
		a.connected = false
		return gwerrors.Wrap(err, gwerrors.CodeInternal, "stdio: build initialize envelope")
	}

	reply, err := a.sendAndReceiveLocked(initCtx, reqEnvelope)
	if err != nil {
		a.connected = false
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: initialize handshake with %s", a.Command)
	}
	if reply.Error != nil {
		a.connected = false
		return gwerrors.New(gwerrors.CodeBackendError, "stdio: initialize rejected: %s", reply.Error.Message)
	}
	logging.Debug("StdioAdapter", "initialized %s", a.Command)
	return nil
}

func buildInitializeEnvelope(req mcp.InitializeRequest) (*Envelope, error) {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize", Params: params}, nil
}

func (a *StdioAdapter) relayStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if a.OnStderr != nil {
			a.OnStderr(StderrEvent{InstanceID: a.instanceID, Line: scanner.Text(), Timestamp: time.Now()})
		}
	}
}

// SendAndReceive serializes on callMu so at most one JSON-RPC exchange is
// outstanding on this channel at a time.
func (a *StdioAdapter) SendAndReceive(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	if !a.Connected() {
		return nil, gwerrors.New(gwerrors.CodeTransportFailure, "stdio: not connected")
	}

	deadline := a.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	return a.sendAndReceiveLocked(callCtx, envelope)
}

func (a *StdioAdapter) sendAndReceiveLocked(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	a.callMu.Lock()
	defer a.callMu.Unlock()

	type result struct {
		reply *Envelope
		err   error
	}
	done := make(chan result, 1)

	go func() {
		if err := a.stdin.Encode(envelope); err != nil {
			done <- result{nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: write request")}
			return
		}
		if !a.stdout.Scan() {
			err := a.stdout.Err()
			if err == nil {
				err = fmt.Errorf("stdio: stream closed")
			}
			done <- result{nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "stdio: read reply")}
			return
		}
		var reply Envelope
		if err := json.Unmarshal(a.stdout.Bytes(), &reply); err != nil {
			done <- result{nil, gwerrors.Wrap(err, gwerrors.CodeBackendError, "stdio: malformed reply envelope")}
			return
		}
		done <- result{&reply, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.CodeTimeout, "stdio: sendAndReceive timed out")
	case r := <-done:
		return r.reply, r.err
	}
}

// Disconnect sends SIGTERM, waits up to the default grace period, then
// force-kills.
func (a *StdioAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.cmd == nil || a.cmd.Process == nil {
		a.connected = false
		return nil
	}

	a.connected = false
	proc := a.cmd.Process
	_ = proc.Signal(gracefulSignal())

	done := make(chan error, 1)
	go func() { done <- a.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(defaultDisconnectGrace):
		_ = proc.Kill()
		<-done
	}
	return nil
}
