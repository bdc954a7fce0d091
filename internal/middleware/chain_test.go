package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorderMiddleware struct {
	name  string
	calls *[]string
}

func (r *recorderMiddleware) Name() string { return r.name }
func (r *recorderMiddleware) BeforeAgent(ctx context.Context, state *State) error {
	*r.calls = append(*r.calls, r.name+":beforeAgent")
	return nil
}

func TestChain_RunsHooksInInsertionOrder(t *testing.T) {
	var calls []string
	c := NewChain()
	c.Use(&recorderMiddleware{name: "a", calls: &calls})
	c.Use(&recorderMiddleware{name: "b", calls: &calls})

	state := NewState()
	require.NoError(t, c.RunStage(context.Background(), StageBeforeAgent, state))
	assert.Equal(t, []string{"a:beforeAgent", "b:beforeAgent"}, calls)
}

type noopMiddleware struct{ name string }

func (n *noopMiddleware) Name() string { return n.name }

func TestChain_SkipsMiddlewaresNotImplementingStage(t *testing.T) {
	c := NewChain()
	c.Use(&noopMiddleware{name: "noop"})

	state := NewState()
	require.NoError(t, c.RunStage(context.Background(), StageBeforeTool, state))
	assert.False(t, state.IsAborted())
}

type failingMiddleware struct{ name string }

func (f *failingMiddleware) Name() string { return f.name }
func (f *failingMiddleware) BeforeTool(ctx context.Context, state *State) error {
	return assertErr
}

var assertErr = &sentinelError{"boom"}

func TestChain_FailureAbortsAndSkipsLaterMiddlewareAtSameStage(t *testing.T) {
	var calls []string
	c := NewChain()
	c.Use(&failingMiddleware{name: "first"})
	c.Use(&recorderBeforeTool{name: "second", calls: &calls})

	state := NewState()
	err := c.RunStage(context.Background(), StageBeforeTool, state)
	require.Error(t, err)
	assert.True(t, state.IsAborted())
	assert.Empty(t, calls, "second middleware at the same stage must not run after the first fails")
}

type recorderBeforeTool struct {
	name  string
	calls *[]string
}

func (r *recorderBeforeTool) Name() string { return r.name }
func (r *recorderBeforeTool) BeforeTool(ctx context.Context, state *State) error {
	*r.calls = append(*r.calls, r.name)
	return nil
}

func TestChain_LaterStageObservesAbort(t *testing.T) {
	c := NewChain()
	c.Use(&failingMiddleware{name: "first"})

	state := NewState()
	err1 := c.RunStage(context.Background(), StageBeforeTool, state)
	require.Error(t, err1)

	err2 := c.RunStage(context.Background(), StageAfterTool, state)
	assert.Equal(t, err1, err2, "RunStage on an aborted state returns the original error without executing")
}

type slowMiddleware struct {
	name  string
	delay time.Duration
}

func (s *slowMiddleware) Name() string { return s.name }
func (s *slowMiddleware) BeforeAgent(ctx context.Context, state *State) error {
	time.Sleep(s.delay)
	return nil
}

func TestChain_MiddlewareTimeoutAborts(t *testing.T) {
	c := NewChain(WithMiddlewareTimeout(10 * time.Millisecond))
	c.Use(&slowMiddleware{name: "slow", delay: 100 * time.Millisecond})

	state := NewState()
	err := c.RunStage(context.Background(), StageBeforeAgent, state)
	require.Error(t, err)
	assert.True(t, state.IsAborted())
}

func TestChain_ContextCancelAborts(t *testing.T) {
	c := NewChain()
	c.Use(&slowMiddleware{name: "slow", delay: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := NewState()
	err := c.RunStage(ctx, StageBeforeAgent, state)
	require.Error(t, err)
}

func TestState_SetGet(t *testing.T) {
	s := NewState()
	s.Set("k", "v")
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}
