package instance

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/tool-gateway/internal/template"
)

func TestManager_Create_IDFormat(t *testing.T) {
	m := NewManager()
	inst := m.Create("echo", &template.Template{Name: "echo"}, ModeKeepAlive)
	assert.Regexp(t, regexp.MustCompile(`^echo-\d+-[a-z0-9]{6}$`), inst.ID)
	assert.Equal(t, StateIdle, inst.State())
}

func TestManager_Create_UniqueIDs(t *testing.T) {
	m := NewManager()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		inst := m.Create("echo", &template.Template{Name: "echo"}, ModeKeepAlive)
		require.False(t, seen[inst.ID], "instance ID reused: %s", inst.ID)
		seen[inst.ID] = true
	}
}

func TestManager_GetRemove(t *testing.T) {
	m := NewManager()
	inst := m.Create("echo", &template.Template{}, ModeKeepAlive)

	got, err := m.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	require.NoError(t, m.Remove(inst.ID))
	_, err = m.Get(inst.ID)
	assert.Error(t, err)
}

func TestManager_Remove_UnknownIsError(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Remove("ghost"))
}

func TestInstance_StateMachine_AllowedPath(t *testing.T) {
	m := NewManager()
	inst := m.Create("echo", &template.Template{}, ModeKeepAlive)

	require.NoError(t, inst.UpdateState(StateStarting))
	require.NoError(t, inst.UpdateState(StateRunning))
	require.NoError(t, inst.UpdateState(StateDegraded))
	require.NoError(t, inst.UpdateState(StateRunning))
	require.NoError(t, inst.UpdateState(StateStopping))
	require.NoError(t, inst.UpdateState(StateStopped))
	assert.True(t, inst.State().IsTerminal())
}

func TestInstance_StateMachine_RejectsIllegalTransition(t *testing.T) {
	m := NewManager()
	inst := m.Create("echo", &template.Template{}, ModeKeepAlive)
	assert.Error(t, inst.UpdateState(StateRunning), "idle -> running is not a direct transition")
}

func TestInstance_StateMachine_TerminalHasNoOutgoing(t *testing.T) {
	m := NewManager()
	inst := m.Create("echo", &template.Template{}, ModeKeepAlive)
	require.NoError(t, inst.UpdateState(StateStarting))
	require.NoError(t, inst.UpdateState(StateError))
	assert.Error(t, inst.UpdateState(StateRunning))
}

func TestInstance_MetadataAndErrorCount(t *testing.T) {
	m := NewManager()
	inst := m.Create("echo", &template.Template{}, ModeKeepAlive)

	inst.SetMetadata("weight", 3)
	assert.Equal(t, 3, inst.Metadata()["weight"])

	assert.Equal(t, 1, inst.IncrementErrorCount())
	assert.Equal(t, 2, inst.IncrementErrorCount())
	inst.ResetErrorCount()
	assert.Equal(t, 0, inst.View().ErrorCount)
}

func TestManager_Create_ConcurrentUniqueIDs(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	ids := make(chan string, 500)
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst := m.Create("echo", &template.Template{}, ModeKeepAlive)
			ids <- inst.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id])
		seen[id] = true
	}
}
