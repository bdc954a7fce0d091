package gwconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveAndLoadConfig(t *testing.T) {
	store := NewStore(t.TempDir())

	cfg, err := store.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg, "loading with no config.json should return the default")

	cfg.Port = 9090
	cfg.AuthMode = AuthModeBearer
	require.NoError(t, store.SaveConfig(cfg))

	reloaded, err := store.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, reloaded.Port)
	assert.Equal(t, AuthModeBearer, reloaded.AuthMode)
}

func TestStore_SaveConfig_NoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.SaveConfig(Default()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, configFileName, entries[0].Name())
}

func TestStore_TemplateRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	body := []byte(`{"name":"echo","transport":"stdio"}`)
	require.NoError(t, store.SaveTemplate("echo", body))

	loaded, err := store.LoadTemplate("echo")
	require.NoError(t, err)
	assert.Equal(t, body, loaded)

	names, err := store.ListTemplates()
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, names)
}

func TestStore_SaveTemplate_IdempotentOnIdenticalBody(t *testing.T) {
	store := NewStore(t.TempDir())
	body := []byte(`{"name":"echo"}`)

	require.NoError(t, store.SaveTemplate("echo", body))
	path := filepath.Join(store.Root(), templatesSubdir, "echo.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.SaveTemplate("echo", body))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "identical save should not rewrite the file")
}

func TestStore_DeleteTemplate(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.SaveTemplate("echo", []byte(`{}`)))

	ok, err := store.DeleteTemplate("echo")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.DeleteTemplate("echo")
	require.NoError(t, err)
	assert.False(t, ok, "deleting an unknown template is a no-op returning false")
}

func TestStore_LoadTemplate_NotFound(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.LoadTemplate("missing")
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeName("a/b"))
	assert.Equal(t, "unnamed", sanitizeName(""))
	assert.Equal(t, "unnamed", sanitizeName("   "))
}
