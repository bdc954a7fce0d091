package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Validate_RequiresName(t *testing.T) {
	tmpl := Template{Transport: TransportStdio, Command: "/bin/cat"}
	assert.Error(t, tmpl.Validate())
}

func TestTemplate_Validate_StdioRequiresCommand(t *testing.T) {
	tmpl := Template{Name: "echo", Transport: TransportStdio}
	assert.Error(t, tmpl.Validate())
}

func TestTemplate_Validate_HTTPRequiresURL(t *testing.T) {
	tmpl := Template{Name: "echo", Transport: TransportHTTP}
	assert.Error(t, tmpl.Validate())

	tmpl.URL = "http://localhost:9000"
	assert.NoError(t, tmpl.Validate())
}

func TestTemplate_Validate_ContainerRequiresDescriptor(t *testing.T) {
	tmpl := Template{Name: "echo", Transport: TransportContainer, Command: "/bin/cat"}
	assert.Error(t, tmpl.Validate())

	tmpl.Container = &ContainerSpec{Image: "alpine"}
	assert.NoError(t, tmpl.Validate())
}

func TestTemplate_Validate_DefaultsProtocolVersion(t *testing.T) {
	tmpl := Template{Name: "echo", Transport: TransportStdio, Command: "/bin/cat"}
	require.NoError(t, tmpl.Validate())
	assert.Equal(t, defaultProtocolVersion, tmpl.ProtocolVersion)
}

func TestTemplate_Validate_RejectsPlaintextSecret(t *testing.T) {
	tmpl := Template{
		Name:      "echo",
		Transport: TransportStdio,
		Command:   "/bin/cat",
		Env:       map[string]string{"API_TOKEN": "sk-plaintext-value"},
	}
	assert.Error(t, tmpl.Validate())
}

func TestTemplate_Validate_AllowsEnvRefSecret(t *testing.T) {
	tmpl := Template{
		Name:      "echo",
		Transport: TransportStdio,
		Command:   "/bin/cat",
		Env:       map[string]string{"API_TOKEN": "${API_TOKEN}"},
	}
	assert.NoError(t, tmpl.Validate())
}

func TestTemplate_Validate_AllowsPlaintextWithOverride(t *testing.T) {
	tmpl := Template{
		Name:      "echo",
		Transport: TransportStdio,
		Command:   "/bin/cat",
		Env:       map[string]string{"API_TOKEN": "sk-plaintext-value"},
		Security:  &SecurityDescriptor{AllowPlaintextEnv: true},
	}
	assert.NoError(t, tmpl.Validate())
}

func TestTemplate_Clone_IsIndependent(t *testing.T) {
	tmpl := &Template{
		Name: "echo", Transport: TransportStdio, Command: "/bin/cat",
		Args: []string{"-n"}, Env: map[string]string{"A": "1"},
	}
	clone := tmpl.Clone()
	clone.Args[0] = "mutated"
	clone.Env["A"] = "mutated"

	assert.Equal(t, "-n", tmpl.Args[0])
	assert.Equal(t, "1", tmpl.Env["A"])
}
