package gwconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.SaveConfig(Default()))

	watcher, err := NewWatcher(store, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := watcher.Start(ctx)
	require.NoError(t, err)

	cfg := Default()
	cfg.Port = 7070
	require.NoError(t, store.SaveConfig(cfg))

	select {
	case change := <-changes:
		assert.Equal(t, ChangeGatewayConfig, change.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}

func TestWatcher_DetectsTemplateChange(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.SaveTemplate("bootstrap", []byte(`{}`)))

	watcher, err := NewWatcher(store, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := watcher.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SaveTemplate("echo", []byte(`{"name":"echo"}`)))

	select {
	case change := <-changes:
		assert.Equal(t, ChangeTemplate, change.Kind)
		assert.Equal(t, "echo", change.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for template change notification")
	}
}
