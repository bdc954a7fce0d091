// Package instance implements the ServiceInstance data model and the
// Instance Manager: the sole owner of instance state, the id→instance map,
// and the state machine every instance transitions through.
package instance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/template"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// State is a ServiceInstance's position in the lifecycle state machine.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Mode distinguishes instances the Health Monitor probes itself
// (keep-alive) from instances updated only via external heartbeats
// (managed).
type Mode string

const (
	ModeKeepAlive Mode = "keep-alive"
	ModeManaged   Mode = "managed"
)

// allowedTransitions enumerates the state machine in spec §4.2. A
// transition not listed here is rejected.
var allowedTransitions = map[State]map[State]bool{
	StateIdle:     {StateStarting: true, StateStopping: true},
	StateStarting: {StateRunning: true, StateError: true, StateStopping: true},
	StateRunning:  {StateDegraded: true, StateStopping: true},
	StateDegraded: {StateRunning: true, StateStopping: true},
	StateStopping: {StateStopped: true},
	StateStopped:  {},
	StateError:    {},
}

// IsTerminal reports whether a state has no outgoing transitions.
func (s State) IsTerminal() bool {
	next, ok := allowedTransitions[s]
	return !ok || len(next) == 0
}

// Instance is a running (or pending) realization of a Template.
type Instance struct {
	mu sync.RWMutex

	ID              string
	TemplateName    string
	ResolvedConfig  *template.Template
	state           State
	StartedAt       time.Time
	errorCount      int
	metadata        map[string]interface{}
	stateHistory    []StateTransition
}

// StateTransition records one observed transition with its timestamp.
type StateTransition struct {
	From      State
	To        State
	Timestamp time.Time
}

// View is a read-only snapshot handed to components other than the
// Instance Manager.
type View struct {
	ID           string
	TemplateName string
	State        State
	StartedAt    time.Time
	ErrorCount   int
	Metadata     map[string]interface{}
}

func newID(templateName string) string {
	suffix := randomAlnum(6)
	return fmt.Sprintf("%s-%d-%s", templateName, time.Now().UnixNano()/int64(time.Millisecond), suffix)
}

const alnum = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomAlnum derives a short lowercase-alphanumeric suffix from a fresh
// UUID's bytes, avoiding math/rand's process-global state.
func randomAlnum(n int) string {
	id := uuid.New()
	raw := id[:]
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alnum[int(raw[i%len(raw)])%len(alnum)])
	}
	return b.String()
}

// Manager owns the id→instance map. All mutations of instance state go
// through it; other components receive Views.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	usedIDs   map[string]bool
}

// NewManager creates an empty Instance Manager.
func NewManager() *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		usedIDs:   make(map[string]bool),
	}
}

// Create allocates a fresh instance ID, freezes resolvedConfig as the
// instance's owned copy, and stores it in the idle state.
func (m *Manager) Create(templateName string, resolvedConfig *template.Template, mode Mode) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		id = newID(templateName)
		if !m.usedIDs[id] {
			break
		}
	}
	m.usedIDs[id] = true

	inst := &Instance{
		ID:             id,
		TemplateName:   templateName,
		ResolvedConfig: resolvedConfig,
		state:          StateIdle,
		metadata:       map[string]interface{}{"mode": string(mode)},
	}
	m.instances[id] = inst
	logging.Audit(logging.AuditEvent{Action: "instance_create", Outcome: "success", Target: id})
	return inst
}

// Get returns the instance by ID, or a NotFound error.
func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, gwerrors.New(gwerrors.CodeNotFound, "instance %q not found", id)
	}
	return inst, nil
}

// List returns every currently tracked instance.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// ListByTemplate returns instances created from the named template.
func (m *Manager) ListByTemplate(templateName string) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.TemplateName == templateName {
			out = append(out, inst)
		}
	}
	return out
}

// Remove deletes the instance from the map. The ID is never reused even
// after removal.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return gwerrors.New(gwerrors.CodeNotFound, "instance %q not found", id)
	}
	delete(m.instances, id)
	logging.Audit(logging.AuditEvent{Action: "instance_remove", Outcome: "success", Target: id})
	return nil
}

// UpdateState performs a checked state transition, rejecting any
// transition not in the allowed set.
func (i *Instance) UpdateState(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.state
	if from == to {
		return nil
	}
	if !allowedTransitions[from][to] {
		return gwerrors.New(gwerrors.CodeValidation, "illegal transition %s -> %s", from, to)
	}
	now := time.Now()
	i.state = to
	i.stateHistory = append(i.stateHistory, StateTransition{From: from, To: to, Timestamp: now})
	if i.metadata == nil {
		i.metadata = make(map[string]interface{})
	}
	i.metadata["lastTransitionAt"] = now
	if to == StateStarting {
		i.StartedAt = now
	}
	return nil
}

// State returns the instance's current state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetMetadata sets a single metadata key.
func (i *Instance) SetMetadata(key string, value interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.metadata == nil {
		i.metadata = make(map[string]interface{})
	}
	i.metadata[key] = value
}

// Metadata returns a copy of the instance's metadata map.
func (i *Instance) Metadata() map[string]interface{} {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]interface{}, len(i.metadata))
	for k, v := range i.metadata {
		out[k] = v
	}
	return out
}

// IncrementErrorCount bumps the instance's error counter and returns the
// new value.
func (i *Instance) IncrementErrorCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorCount++
	return i.errorCount
}

// ResetErrorCount zeroes the instance's error counter.
func (i *Instance) ResetErrorCount() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorCount = 0
}

// View returns a read-only snapshot of the instance.
func (i *Instance) View() View {
	i.mu.RLock()
	defer i.mu.RUnlock()
	meta := make(map[string]interface{}, len(i.metadata))
	for k, v := range i.metadata {
		meta[k] = v
	}
	return View{
		ID:           i.ID,
		TemplateName: i.TemplateName,
		State:        i.state,
		StartedAt:    i.StartedAt,
		ErrorCount:   i.errorCount,
		Metadata:     meta,
	}
}
