package gwconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveEnvRefs(t *testing.T) {
	t.Setenv("FOO_BAR", "abc123")

	assert.Equal(t, "abc123", ResolveEnvRefs("${FOO_BAR}"))
	assert.Equal(t, "prefix-abc123-suffix", ResolveEnvRefs("prefix-${FOO_BAR}-suffix"))
	assert.Equal(t, "no refs here", ResolveEnvRefs("no refs here"))
}

func TestResolveEnvRefs_UnsetVariableLeftLiteral(t *testing.T) {
	os.Unsetenv("GATEWAY_TEST_UNSET_VAR")
	assert.Equal(t, "${GATEWAY_TEST_UNSET_VAR}", ResolveEnvRefs("${GATEWAY_TEST_UNSET_VAR}"))
}

func TestResolveEnvMap(t *testing.T) {
	t.Setenv("FOO_BAR", "abc123")
	resolved := ResolveEnvMap(map[string]string{"KEY": "${FOO_BAR}"})
	assert.Equal(t, "abc123", resolved["KEY"])
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9999")
	t.Setenv(EnvAuthMode, "bearer")

	cfg := Default()
	ApplyEnvOverrides(&cfg)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, AuthModeBearer, cfg.AuthMode)
}
