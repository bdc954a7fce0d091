package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/template"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// ContainerAdapter has identical wire semantics to StdioAdapter: the child
// is launched under a container runtime (docker by default) instead of
// directly, with mounts and caps derived from the sandbox policy. JSON-RPC
// flows over the container's attached stdin/stdout, one exchange at a time.
type ContainerAdapter struct {
	Image       string
	Command     string
	Args        []string
	Env         map[string]string
	Volumes     []template.VolumeMount
	Network     template.NetworkPolicy
	ReadonlyFS  bool
	Timeout     time.Duration
	ContainerBin string // "docker" by default

	OnStderr   func(StderrEvent)
	instanceID string

	mu            sync.Mutex
	callMu        sync.Mutex
	connected     bool
	cmd           *exec.Cmd
	containerName string
	stdin         *json.Encoder
	stdout        *bufio.Scanner
}

// NewContainerAdapter constructs a ContainerAdapter.
func NewContainerAdapter(instanceID string, spec *template.ContainerSpec, command string, args []string, env map[string]string, timeout time.Duration) *ContainerAdapter {
	bin := "docker"
	var volumes []template.VolumeMount
	var network template.NetworkPolicy
	var readonly bool
	image := ""
	if spec != nil {
		image = spec.Image
		volumes = spec.Volumes
		network = spec.Network
		readonly = spec.ReadonlyRootfs
	}
	return &ContainerAdapter{
		Image: image, Command: command, Args: args, Env: env,
		Volumes: volumes, Network: network, ReadonlyFS: readonly,
		Timeout: timeout, ContainerBin: bin, instanceID: instanceID,
	}
}

func (a *ContainerAdapter) Kind() Kind { return KindContainer }

func (a *ContainerAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *ContainerAdapter) runArgs() []string {
	name := fmt.Sprintf("gw-%s", a.instanceID)
	args := []string{"run", "--rm", "-i", "--name", name}
	for k, v := range a.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, vol := range a.Volumes {
		mode := "rw"
		if vol.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", vol.HostPath, vol.ContainerPath, mode))
	}
	switch a.Network {
	case template.NetworkBlocked:
		args = append(args, "--network", "none")
	case template.NetworkLocalOnly:
		args = append(args, "--network", "bridge")
	case template.NetworkFull, template.NetworkInherit:
		// default docker bridge network, nothing to add
	}
	if a.ReadonlyFS {
		args = append(args, "--read-only")
	}
	args = append(args, a.Image)
	args = append(args, a.Command)
	args = append(args, a.Args...)
	a.containerName = name
	return args
}

// Connect starts the container and performs the MCP initialize handshake,
// mirroring StdioAdapter's handshake exactly.
func (a *ContainerAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	bin := a.ContainerBin
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.Command(bin, a.runArgs()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: start %s", a.Image)
	}

	a.cmd = cmd
	a.stdin = json.NewEncoder(stdin)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	a.stdout = scanner
	a.connected = true

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if a.OnStderr != nil {
				a.OnStderr(StderrEvent{InstanceID: a.instanceID, Line: sc.Text(), Timestamp: time.Now()})
			}
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = "2024-11-05"
	req.Params.ClientInfo = mcp.Implementation{Name: "tool-gateway", Version: "1.0.0"}
	params, err := json.Marshal(req.Params)
	if err != nil {
		a.connected = false
		return gwerrors.Wrap(err, gwerrors.CodeInternal, "container: build initialize envelope")
	}
	envelope := &Envelope{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize", Params: params}

	reply, err := a.sendAndReceiveLocked(initCtx, envelope)
	if err != nil {
		a.connected = false
		return gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: initialize handshake with %s", a.Image)
	}
	if reply.Error != nil {
		a.connected = false
		return gwerrors.New(gwerrors.CodeBackendError, "container: initialize rejected: %s", reply.Error.Message)
	}
	logging.Debug("ContainerAdapter", "initialized container %s from image %s", a.containerName, a.Image)
	return nil
}

func (a *ContainerAdapter) SendAndReceive(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	if !a.Connected() {
		return nil, gwerrors.New(gwerrors.CodeTransportFailure, "container: not connected")
	}
	deadline := a.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return a.sendAndReceiveLocked(callCtx, envelope)
}

func (a *ContainerAdapter) sendAndReceiveLocked(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	a.callMu.Lock()
	defer a.callMu.Unlock()

	type result struct {
		reply *Envelope
		err   error
	}
	done := make(chan result, 1)
	go func() {
		if err := a.stdin.Encode(envelope); err != nil {
			done <- result{nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: write request")}
			return
		}
		if !a.stdout.Scan() {
			err := a.stdout.Err()
			if err == nil {
				err = fmt.Errorf("container: stream closed")
			}
			done <- result{nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "container: read reply")}
			return
		}
		var reply Envelope
		if err := json.Unmarshal(a.stdout.Bytes(), &reply); err != nil {
			done <- result{nil, gwerrors.Wrap(err, gwerrors.CodeBackendError, "container: malformed reply envelope")}
			return
		}
		done <- result{&reply, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.CodeTimeout, "container: sendAndReceive timed out")
	case r := <-done:
		return r.reply, r.err
	}
}

// Disconnect stops the container. docker stop sends SIGTERM and waits the
// grace period before SIGKILL, mirroring StdioAdapter's own grace handling.
func (a *ContainerAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.containerName == "" {
		a.connected = false
		return nil
	}
	a.connected = false

	bin := a.ContainerBin
	if bin == "" {
		bin = "docker"
	}
	stopCtx, cancel := context.WithTimeout(ctx, defaultDisconnectGrace+time.Second)
	defer cancel()
	stopCmd := exec.CommandContext(stopCtx, bin, "stop", "-t", "2", a.containerName)
	if err := stopCmd.Run(); err != nil {
		logging.Warn("ContainerAdapter", "docker stop %s: %v", a.containerName, err)
	}
	if a.cmd != nil {
		_ = a.cmd.Wait()
	}
	return nil
}
