package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/tool-gateway/internal/template"
)

func TestPolicy_ResolveExecutable_OutsideAllowedRootRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	binPath := filepath.Join(outside, "evil")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))

	p := Policy{AllowedRoots: []string{root}}
	_, err := p.ResolveExecutable(binPath)
	assert.Error(t, err)
}

func TestPolicy_ResolveExecutable_InsideAllowedRoot(t *testing.T) {
	root := t.TempDir()
	binPath := filepath.Join(root, "tool")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))

	p := Policy{AllowedRoots: []string{root}}
	resolved, err := p.ResolveExecutable("tool")
	require.NoError(t, err)
	assert.Equal(t, binPath, resolved)
}

func TestPolicy_ValidateCommand_RejectsBannedFragment(t *testing.T) {
	p := Policy{}
	err := p.ValidateCommand("/bin/rm", []string{"-rf", "/"})
	assert.Error(t, err)
}

func TestPolicy_ValidateCommand_RejectsShellMeta(t *testing.T) {
	p := Policy{}
	err := p.ValidateCommand("/bin/echo", []string{"hi;", "rm -rf ~"})
	assert.Error(t, err)
}

func TestPolicy_ValidateCommand_RejectsTooManyArgs(t *testing.T) {
	p := Policy{}
	args := make([]string, maxArgs+1)
	for i := range args {
		args[i] = "x"
	}
	err := p.ValidateCommand("/bin/echo", args)
	assert.Error(t, err)
}

func TestPolicy_ValidateVolume(t *testing.T) {
	allowed := t.TempDir()
	p := Policy{AllowedVolumeRoots: []string{allowed}}

	ok := template.VolumeMount{HostPath: filepath.Join(allowed, "data"), ContainerPath: "/data"}
	assert.NoError(t, p.ValidateVolume(ok))

	escape := template.VolumeMount{HostPath: "/etc", ContainerPath: "/data"}
	assert.Error(t, p.ValidateVolume(escape))

	traversal := template.VolumeMount{HostPath: filepath.Join(allowed, "data"), ContainerPath: "/data/../etc"}
	assert.Error(t, p.ValidateVolume(traversal))
}

func TestPolicy_ApplyTrustTier_RewritesUntrustedStdio(t *testing.T) {
	p := Policy{RequireContainerForUntrusted: true}
	tmpl := &template.Template{
		Transport: template.TransportStdio,
		Command:   "/usr/bin/python3",
		Security:  &template.SecurityDescriptor{TrustLevel: template.TrustUntrusted},
	}
	p.ApplyTrustTier(tmpl)
	assert.Equal(t, template.TransportContainer, tmpl.Transport)
	require.NotNil(t, tmpl.Container)
	assert.Equal(t, "python:3.12-slim", tmpl.Container.Image)
}

func TestPolicy_ApplyTrustTier_LeavesTrustedAlone(t *testing.T) {
	p := Policy{RequireContainerForUntrusted: true}
	tmpl := &template.Template{
		Transport: template.TransportStdio,
		Command:   "/bin/cat",
		Security:  &template.SecurityDescriptor{TrustLevel: template.TrustTrusted},
	}
	p.ApplyTrustTier(tmpl)
	assert.Equal(t, template.TransportStdio, tmpl.Transport)
}
