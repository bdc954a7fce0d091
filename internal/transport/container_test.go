package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/tool-gateway/internal/template"
)

func TestContainerAdapter_RunArgs(t *testing.T) {
	spec := &template.ContainerSpec{
		Image:   "python:3.12-slim",
		Network: template.NetworkBlocked,
		ReadonlyRootfs: true,
		Volumes: []template.VolumeMount{
			{HostPath: "/data", ContainerPath: "/data", ReadOnly: true},
		},
	}
	a := NewContainerAdapter("inst-1", spec, "python", []string{"-m", "server"}, map[string]string{"FOO": "bar"}, 5*time.Second)

	args := a.runArgs()

	assert.Contains(t, args, "--name")
	assert.Contains(t, args, "gw-inst-1")
	assert.Contains(t, args, "--network")
	assert.Contains(t, args, "none")
	assert.Contains(t, args, "--read-only")
	assert.Contains(t, args, "-e")
	assert.Contains(t, args, "FOO=bar")
	assert.Contains(t, args, "-v")
	assert.Contains(t, args, "/data:/data:ro")
	assert.Contains(t, args, "python:3.12-slim")
	assert.Contains(t, args, "python")
	assert.Contains(t, args, "-m")
	assert.Contains(t, args, "server")
}

func TestContainerAdapter_Kind(t *testing.T) {
	a := NewContainerAdapter("inst-1", nil, "cmd", nil, nil, time.Second)
	assert.Equal(t, KindContainer, a.Kind())
	assert.False(t, a.Connected())
}
