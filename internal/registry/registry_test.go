package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/tool-gateway/internal/balancer"
	"github.com/giantswarm/tool-gateway/internal/events"
	"github.com/giantswarm/tool-gateway/internal/instance"
	"github.com/giantswarm/tool-gateway/internal/sandbox"
	"github.com/giantswarm/tool-gateway/internal/template"
)

func echoTemplate(name string) template.Template {
	return template.Template{
		Name:      name,
		Transport: template.TransportStdio,
		Command:   "cat",
		TimeoutMs: 2000,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	tmplRegistry := template.NewRegistry()
	bus := events.New(0)
	t.Cleanup(bus.Close)
	return New(tmplRegistry, sandbox.DefaultPolicy(), bus)
}

func TestRegistry_RegisterAndGetTemplate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))

	tmpl, err := r.GetTemplate("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tmpl.Name)

	all := r.ListTemplates()
	assert.Len(t, all, 1)
}

func TestRegistry_CreateAndRemoveInstance(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))

	view, err := r.CreateInstance("echo", nil, instance.ModeKeepAlive)
	require.NoError(t, err)
	assert.Equal(t, instance.StateRunning, view.State)

	got, err := r.GetInstance(view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.ID, got.ID)

	require.NoError(t, r.RemoveInstance(view.ID))
	_, err = r.GetInstance(view.ID)
	assert.Error(t, err)
}

func TestRegistry_ListInstancesAndByTemplate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))

	v1, err := r.CreateInstance("echo", nil, instance.ModeKeepAlive)
	require.NoError(t, err)
	v2, err := r.CreateInstance("echo", nil, instance.ModeKeepAlive)
	require.NoError(t, err)

	all := r.ListInstances()
	assert.Len(t, all, 2)

	byTemplate := r.GetInstancesByTemplate("echo")
	assert.Len(t, byTemplate, 2)

	require.NoError(t, r.RemoveInstance(v1.ID))
	require.NoError(t, r.RemoveInstance(v2.ID))
}

func TestRegistry_GetHealthyInstances(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))

	v, err := r.CreateInstance("echo", nil, instance.ModeKeepAlive)
	require.NoError(t, err)

	healthy := r.GetHealthyInstances("echo")
	require.Len(t, healthy, 1)
	assert.Equal(t, v.ID, healthy[0].ID)

	require.NoError(t, r.RemoveInstance(v.ID))
}

func TestRegistry_ScaleTemplateUpAndDown(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))

	require.NoError(t, r.ScaleTemplate("echo", 3))
	assert.Len(t, r.GetInstancesByTemplate("echo"), 3)

	require.NoError(t, r.ScaleTemplate("echo", 1))
	assert.Len(t, r.GetInstancesByTemplate("echo"), 1)

	require.NoError(t, r.ScaleTemplate("echo", 0))
	assert.Len(t, r.GetInstancesByTemplate("echo"), 0)
}

func TestRegistry_SelectBestInstanceRoundRobin(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))
	require.NoError(t, r.ScaleTemplate("echo", 2))

	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		id, err := r.SelectBestInstance("echo", balancer.StrategyRoundRobin)
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Len(t, ids, 2, "round robin should visit both instances")
}

func TestRegistry_ManagedModeHeartbeatOnly(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))

	v, err := r.CreateInstance("echo", nil, instance.ModeManaged)
	require.NoError(t, err)

	r.ReportHeartbeat(v.ID, false, 5*time.Millisecond, assert.AnError)
	healthy := r.GetHealthyInstances("echo")
	assert.Len(t, healthy, 0)

	require.NoError(t, r.RemoveInstance(v.ID))
}

func TestRegistry_GetRegistryStats(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))
	require.NoError(t, r.ScaleTemplate("echo", 2))

	stats := r.GetRegistryStats()
	assert.Equal(t, 1, stats.TemplateCount)
	assert.Equal(t, 2, stats.InstanceCount)
	assert.Equal(t, 2, stats.ByState[instance.StateRunning])
}

func TestRegistry_CreateInstanceUnknownTemplate(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateInstance("nope", nil, instance.ModeKeepAlive)
	assert.Error(t, err)
}

func TestRegistry_RemoveTemplateDoesNotEvictInstances(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTemplate(echoTemplate("echo"), false))
	v, err := r.CreateInstance("echo", nil, instance.ModeKeepAlive)
	require.NoError(t, err)

	removed, err := r.RemoveTemplate("echo")
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := r.GetInstance(v.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.StateRunning, got.State)

	require.NoError(t, r.RemoveInstance(v.ID))
}
