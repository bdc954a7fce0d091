package middleware

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/sandbox"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// bannedTools is the default denylist of tool names the security guard
// refuses to invoke. Grounded on muster's destructiveTools map
// (internal/aggregator/denylist.go) — the same map[string]bool +
// membership-check shape, generalized from a fixed Kubernetes/CAPI/Helm
// tool list to the gateway's own banned set.
var bannedTools = map[string]bool{
	"delete_all":       true,
	"drop_database":    true,
	"format_disk":      true,
	"rm_rf":            true,
	"shutdown_host":    true,
	"revoke_all_keys":  true,
}

func isBannedTool(name string) bool {
	return bannedTools[name]
}

// credentialPatterns scans tool-result text for strings that look like
// leaked credentials: bearer headers, common API key shapes, and card
// numbers.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{10,}`),
	regexp.MustCompile(`(?i)sk-[a-z0-9]{16,}`),
	regexp.MustCompile(`(?i)api[_-]?key["':\s=]+[a-z0-9]{16,}`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
}

// SecurityGuardMiddleware blocks banned tools and arguments, redacts
// secrets in tool results, scans results for known credential patterns,
// and enforces a symlink guard on path-shaped arguments.
type SecurityGuardMiddleware struct {
	policy        sandbox.Policy
	bannedArgs    []string
}

// NewSecurityGuardMiddleware constructs a SecurityGuardMiddleware whose
// symlink guard consults policy's allowed roots.
func NewSecurityGuardMiddleware(policy sandbox.Policy, bannedArgs ...string) *SecurityGuardMiddleware {
	return &SecurityGuardMiddleware{policy: policy, bannedArgs: bannedArgs}
}

func (m *SecurityGuardMiddleware) Name() string { return "security-guard" }

// BeforeTool rejects banned tools outright and scans string arguments
// for banned substrings and path-shaped values outside the allowed
// roots.
func (m *SecurityGuardMiddleware) BeforeTool(ctx context.Context, state *State) error {
	toolRaw, _ := state.Get("tool")
	tool, _ := toolRaw.(string)
	if tool != "" && isBannedTool(tool) {
		return gwerrors.New(gwerrors.CodeForbidden, "tool %q is banned", tool)
	}

	argsRaw, _ := state.Get("arguments")
	args, _ := argsRaw.(map[string]interface{})
	for key, value := range args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		for _, banned := range m.bannedArgs {
			if banned != "" && containsFold(s, banned) {
				return gwerrors.New(gwerrors.CodeForbidden, "argument %q contains banned content", key)
			}
		}
		if looksLikePath(s) && !m.policy.IsPathAllowed(s) {
			return gwerrors.New(gwerrors.CodeForbidden, "argument %q resolves outside allowed roots", key)
		}
	}
	return nil
}

// AfterTool redacts secret-shaped substrings in the tool result and logs
// a warning for any credential pattern it finds, without blocking the
// response (spec describes redaction, not rejection, at this point).
func (m *SecurityGuardMiddleware) AfterTool(ctx context.Context, state *State) error {
	raw, ok := state.Get("result")
	if !ok {
		return nil
	}
	text, ok := raw.(string)
	if !ok {
		return nil
	}

	redacted := text
	for _, pattern := range credentialPatterns {
		matches := pattern.FindAllString(redacted, -1)
		if len(matches) > 0 {
			logging.Warn("security-guard", "tool result matched a credential pattern, redacting %d occurrence(s)", len(matches))
		}
		redacted = pattern.ReplaceAllStringFunc(redacted, maskSecret)
	}

	state.Set("result", redacted)
	return nil
}

// maskSecret applies the spec's masking pattern: first 4 + "…" + last 4,
// leaving short matches fully masked to avoid revealing more than was
// hidden.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s…%s", s[:4], s[len(s)-4:])
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func looksLikePath(s string) bool {
	if len(s) == 0 {
		return false
	}
	return s[0] == '/' || s[0] == '.'
}
