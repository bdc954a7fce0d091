// Package template defines the ServiceTemplate data model: a reusable
// recipe the Service Registry resolves into a ServiceInstance. A template
// is immutable once stored except by whole-body replace or an env patch
// (Registry.PatchEnv), and validation
// here is the single gate every registration and update path goes through.
package template

import (
	"fmt"
	"strings"
)

// Transport identifies how a template's backend is reached.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportContainer Transport = "container"
)

// TrustLevel bounds what sandbox policy a template's instances run under.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustPartner   TrustLevel = "partner"
	TrustUntrusted TrustLevel = "untrusted"
)

// NetworkPolicy bounds what network access a container instance gets.
type NetworkPolicy string

const (
	NetworkInherit   NetworkPolicy = "inherit"
	NetworkBlocked   NetworkPolicy = "blocked"
	NetworkLocalOnly NetworkPolicy = "local-only"
	NetworkFull      NetworkPolicy = "full"
)

// HealthCheck describes an optional override of the default probe.
type HealthCheck struct {
	Method       string `json:"method,omitempty"`
	IntervalMs   int    `json:"intervalMs,omitempty"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
	FailThreshold int   `json:"failThreshold,omitempty"`
}

// ContainerSpec describes the container runtime launch shape for the
// container transport.
type ContainerSpec struct {
	Image           string        `json:"image"`
	Volumes         []VolumeMount `json:"volumes,omitempty"`
	Network         NetworkPolicy `json:"network,omitempty"`
	ReadonlyRootfs  bool          `json:"readonlyRootfs,omitempty"`
	CPULimit        string        `json:"cpuLimit,omitempty"`
	MemoryLimit     string        `json:"memoryLimit,omitempty"`
}

// VolumeMount is a single container bind mount.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// SecurityDescriptor records the trust posture applied to a template's
// instances before and during launch.
type SecurityDescriptor struct {
	TrustLevel        TrustLevel    `json:"trustLevel,omitempty"`
	RequireContainer  bool          `json:"requireContainer,omitempty"`
	NetworkPolicy     NetworkPolicy `json:"networkPolicy,omitempty"`
	AllowPlaintextEnv bool          `json:"allowPlaintextEnv,omitempty"`
}

// Template is a reusable recipe for spawning a backend instance.
type Template struct {
	Name            string              `json:"name"`
	ProtocolVersion string              `json:"protocolVersion,omitempty"`
	Transport       Transport           `json:"transport"`
	Command         string              `json:"command,omitempty"`
	Args            []string            `json:"args,omitempty"`
	Env             map[string]string   `json:"env,omitempty"`
	WorkingDirectory string             `json:"workingDirectory,omitempty"`
	URL             string              `json:"url,omitempty"`
	Headers         map[string]string   `json:"headers,omitempty"`
	TimeoutMs       int                 `json:"timeout"`
	Retries         int                 `json:"retries"`
	HealthCheck     *HealthCheck        `json:"healthCheck,omitempty"`
	Container       *ContainerSpec      `json:"container,omitempty"`
	Security        *SecurityDescriptor `json:"security,omitempty"`
}

const defaultProtocolVersion = "2024-11-05"

// Validate checks a template's invariants: name present, transport known and
// internally consistent, no unresolved plaintext-secret violations, timeout
// and retries non-negative. It does not resolve env references — that
// happens at instance-creation time only, per the template's immutability
// invariant.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	switch t.Transport {
	case TransportStdio, TransportContainer:
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("transport %q requires a command", t.Transport)
		}
	case TransportHTTP, TransportSSE:
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("transport %q requires a url", t.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", t.Transport)
	}
	if t.Transport == TransportContainer && t.Container == nil {
		return fmt.Errorf("container transport requires a container descriptor")
	}
	if t.TimeoutMs < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if t.Retries < 0 {
		return fmt.Errorf("retries must be non-negative")
	}
	if err := t.validateSecrets(); err != nil {
		return err
	}
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = defaultProtocolVersion
	}
	return nil
}

// validateSecrets enforces that env values looking like inline secrets are
// only permitted when the security descriptor explicitly allows plaintext
// env. A value is treated as an env reference (exempt) if it has the
// ${NAME} shape; anything else that looks credential-shaped is flagged.
func (t *Template) validateSecrets() error {
	allowPlaintext := t.Security != nil && t.Security.AllowPlaintextEnv
	if allowPlaintext {
		return nil
	}
	for key, value := range t.Env {
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			continue
		}
		if looksLikeSecret(key, value) {
			return fmt.Errorf("env %q looks like a plaintext secret; use an env reference or set security.allowPlaintextEnv", key)
		}
	}
	return nil
}

func looksLikeSecret(key, value string) bool {
	lowerKey := strings.ToLower(key)
	secretMarkers := []string{"secret", "token", "password", "apikey", "api_key", "credential"}
	for _, marker := range secretMarkers {
		if strings.Contains(lowerKey, marker) && value != "" {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy safe for storing or handing out as a
// read-only view: slices and maps are copied so mutating the returned
// template never affects the stored original.
func (t *Template) Clone() *Template {
	clone := *t
	clone.Args = append([]string(nil), t.Args...)
	clone.Env = cloneStringMap(t.Env)
	clone.Headers = cloneStringMap(t.Headers)
	if t.HealthCheck != nil {
		hc := *t.HealthCheck
		clone.HealthCheck = &hc
	}
	if t.Container != nil {
		c := *t.Container
		c.Volumes = append([]VolumeMount(nil), t.Container.Volumes...)
		clone.Container = &c
	}
	if t.Security != nil {
		sec := *t.Security
		clone.Security = &sec
	}
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
