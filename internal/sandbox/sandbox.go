// Package sandbox enforces the launch-time policy applied to stdio and
// container transports before a child process or container ever starts:
// executable resolution against an allow-list, command validation, a
// volume allow-list for container mounts, and trust-tier rewriting.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/template"
)

const (
	maxCommandBytes = 4096
	maxArgs         = 64
)

// bannedFragments is matched as a substring against the full command line
// (command + args joined by spaces). It is intentionally conservative:
// false positives are cheaper than a sandbox escape.
var bannedFragments = []string{
	"rm -rf /",
	"--no-preserve-root",
	"dd if=",
	"mkfs",
	"shutdown",
	"reboot",
	":(){ :|:& };:", // fork bomb
}

var shellMetaChars = []byte{'|', '&', ';', '$', '`', '\n', '>', '<'}

// Policy bounds what the sandbox will allow to launch.
type Policy struct {
	// AllowedRoots is the fixed set of directories an executable must
	// resolve inside (after following symlinks). Process PATH entries,
	// the runtime installation root, node_modules/.bin, and the
	// configured portable sandbox root all belong here.
	AllowedRoots []string
	// AllowedVolumeRoots bounds container volumes[].hostPath.
	AllowedVolumeRoots []string
	// AllowShellMeta permits shell metacharacters in args when true.
	AllowShellMeta bool
	// RequireContainerForUntrusted rewrites untrusted stdio templates to
	// container transport.
	RequireContainerForUntrusted bool
	// DefaultImage is used when a trust-tier rewrite needs a container
	// image and the template didn't already specify one.
	DefaultImage string
}

// DefaultPolicy builds a Policy from the current process PATH plus any
// extra roots (runtime install root, project node_modules/.bin, a portable
// sandbox root) the caller wants added.
func DefaultPolicy(extraRoots ...string) Policy {
	roots := append([]string(nil), extraRoots...)
	if pathEnv := os.Getenv("PATH"); pathEnv != "" {
		roots = append(roots, strings.Split(pathEnv, string(os.PathListSeparator))...)
	}
	return Policy{AllowedRoots: roots}
}

// ResolveExecutable resolves command against the policy's allowed roots,
// following symlinks, and refuses to launch anything outside them.
// Template-supplied PATH is never consulted.
func (p Policy) ResolveExecutable(command string) (string, error) {
	if command == "" {
		return "", gwerrors.New(gwerrors.CodeValidation, "empty command")
	}

	candidates := []string{command}
	if !filepath.IsAbs(command) {
		for _, root := range p.AllowedRoots {
			candidates = append(candidates, filepath.Join(root, command))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		if p.isInsideAllowedRoot(real) {
			return real, nil
		}
	}
	return "", gwerrors.New(gwerrors.CodeForbidden, "executable %q does not resolve inside an allowed root", command)
}

// IsPathAllowed resolves path's realpath (following symlinks) and reports
// whether it falls inside one of the policy's allowed roots. Used by the
// security guard middleware's symlink check on tool arguments that look
// like filesystem paths.
func (p Policy) IsPathAllowed(path string) bool {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	if !filepath.IsAbs(real) {
		abs, err := filepath.Abs(real)
		if err != nil {
			return false
		}
		real = abs
	}
	return p.isInsideAllowedRoot(real)
}

func (p Policy) isInsideAllowedRoot(realPath string) bool {
	for _, root := range p.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		realRoot, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			realRoot = absRoot
		}
		rel, err := filepath.Rel(realRoot, realPath)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return true
	}
	return false
}

// ValidateCommand rejects command lines that are too long, have too many
// args, contain control characters, contain shell metacharacters (unless
// the policy allows them), or match a banned fragment.
func (p Policy) ValidateCommand(command string, args []string) error {
	full := command + " " + strings.Join(args, " ")
	if len(full) > maxCommandBytes {
		return gwerrors.New(gwerrors.CodeValidation, "command line exceeds %d bytes", maxCommandBytes)
	}
	if len(args) > maxArgs {
		return gwerrors.New(gwerrors.CodeValidation, "command has more than %d args", maxArgs)
	}
	if containsControlChars(full) {
		return gwerrors.New(gwerrors.CodeValidation, "command contains control characters")
	}
	if !p.AllowShellMeta && containsShellMeta(full) {
		return gwerrors.New(gwerrors.CodeValidation, "command contains shell metacharacters")
	}
	lower := strings.ToLower(full)
	for _, banned := range bannedFragments {
		if strings.Contains(lower, strings.ToLower(banned)) {
			return gwerrors.New(gwerrors.CodeForbidden, "command matches a banned fragment")
		}
	}
	return nil
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}

func containsShellMeta(s string) bool {
	for _, c := range shellMetaChars {
		if strings.IndexByte(s, c) >= 0 {
			return true
		}
	}
	return false
}

// ValidateVolume checks a container volume mount's host path resolves
// inside one of the policy's allowed volume roots and contains no `..`
// traversal in the container-side path.
func (p Policy) ValidateVolume(vol template.VolumeMount) error {
	if strings.Contains(vol.ContainerPath, "..") {
		return gwerrors.New(gwerrors.CodeValidation, "container path %q may not contain '..'", vol.ContainerPath)
	}
	real, err := filepath.EvalSymlinks(vol.HostPath)
	if err != nil {
		real = vol.HostPath
	}
	for _, root := range p.AllowedVolumeRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, real)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return gwerrors.New(gwerrors.CodeForbidden, "volume host path %q is outside the allowed volume roots", vol.HostPath)
}

// ApplyTrustTier rewrites a stdio template to the container transport when
// the policy requires it for untrusted templates, choosing a default image
// if the template didn't already specify a container descriptor.
func (p Policy) ApplyTrustTier(tmpl *template.Template) {
	if tmpl.Transport != template.TransportStdio {
		return
	}
	if tmpl.Security == nil || tmpl.Security.TrustLevel == template.TrustTrusted {
		return
	}
	if !p.RequireContainerForUntrusted {
		return
	}
	tmpl.Transport = template.TransportContainer
	if tmpl.Container == nil {
		image := p.DefaultImage
		if image == "" {
			image = imageForCommand(tmpl.Command)
		}
		tmpl.Container = &template.ContainerSpec{Image: image}
	}
}

// imageForCommand suggests a container base image from a command's
// interpreter, falling back to a minimal generic image.
func imageForCommand(command string) string {
	base := filepath.Base(command)
	switch {
	case strings.HasPrefix(base, "python"):
		return "python:3.12-slim"
	case strings.HasPrefix(base, "node"):
		return "node:22-slim"
	default:
		return "alpine:3.20"
	}
}

// Validate runs the full pre-launch sandbox check for a template and
// returns the resolved executable path. Callers should call ApplyTrustTier
// first if a rewrite is in scope.
func (p Policy) Validate(tmpl *template.Template) (resolvedCommand string, err error) {
	if tmpl.Transport != template.TransportStdio && tmpl.Transport != template.TransportContainer {
		return "", nil
	}
	if err := p.ValidateCommand(tmpl.Command, tmpl.Args); err != nil {
		return "", err
	}
	resolved, err := p.ResolveExecutable(tmpl.Command)
	if err != nil {
		return "", err
	}
	if tmpl.Container != nil {
		for _, vol := range tmpl.Container.Volumes {
			if err := p.ValidateVolume(vol); err != nil {
				return "", err
			}
		}
	}
	return resolved, nil
}
