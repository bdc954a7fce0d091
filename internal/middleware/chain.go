// Package middleware implements the Middleware Chain (spec §4.7): six
// fixed-order stages wrapping every inbound request, each middleware
// optionally implementing any subset of stage hooks. Grounded in the
// per-handler timeout isolation idiom already established by
// internal/events (goroutine racing time.After), generalized here to
// cover both a per-middleware and an overall per-stage timeout.
package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
)

// Stage names a fixed point in the request lifecycle. Order is fixed by
// StageOrder; callers never invoke stages out of order.
type Stage string

const (
	StageBeforeAgent Stage = "beforeAgent"
	StageBeforeModel Stage = "beforeModel"
	StageAfterModel  Stage = "afterModel"
	StageBeforeTool  Stage = "beforeTool"
	StageAfterTool   Stage = "afterTool"
	StageAfterAgent  Stage = "afterAgent"
)

// StageOrder is the fixed execution order of the six stages.
var StageOrder = []Stage{
	StageBeforeAgent,
	StageBeforeModel,
	StageAfterModel,
	StageBeforeTool,
	StageAfterTool,
	StageAfterAgent,
}

const (
	DefaultMiddlewareTimeout = 5 * time.Second
	DefaultStageTimeout      = 10 * time.Second
)

// State carries per-request data across every stage: a free-form values
// map middlewares use to pass facts to later stages, and the terminal
// abort/error flags set once any middleware fails.
type State struct {
	mu      sync.Mutex
	Values  map[string]interface{}
	Aborted bool
	Err     error
}

// NewState returns an empty, ready-to-use State.
func NewState() *State {
	return &State{Values: make(map[string]interface{})}
}

// Set stores a value under key. Concurrent middlewares within a stage
// never run (the chain executes a stage's middlewares sequentially in
// insertion order), so last-writer-wins falls naturally out of ordering
// rather than needing arbitration here.
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Values[key] = value
}

// Get retrieves a value previously stored with Set.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Values[key]
	return v, ok
}

func (s *State) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Aborted = true
	s.Err = err
}

// IsAborted reports whether a prior stage has already failed.
func (s *State) IsAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Aborted
}

// TimeoutError wraps a middleware or stage that exceeded its deadline.
type TimeoutError struct {
	Stage      Stage
	Middleware string
}

func (e *TimeoutError) Error() string {
	return "middleware " + e.Middleware + " timed out at stage " + string(e.Stage)
}

// Middleware is the minimal contract every chain member satisfies; stage
// participation is opt-in via the BeforeAgentHook..AfterAgentHook
// interfaces below, checked with a type assertion per stage.
type Middleware interface {
	Name() string
}

type BeforeAgentHook interface {
	BeforeAgent(ctx context.Context, state *State) error
}
type BeforeModelHook interface {
	BeforeModel(ctx context.Context, state *State) error
}
type AfterModelHook interface {
	AfterModel(ctx context.Context, state *State) error
}
type BeforeToolHook interface {
	BeforeTool(ctx context.Context, state *State) error
}
type AfterToolHook interface {
	AfterTool(ctx context.Context, state *State) error
}
type AfterAgentHook interface {
	AfterAgent(ctx context.Context, state *State) error
}

type stageFunc func(mw Middleware, ctx context.Context, state *State) (bool, error)

var stageDispatch = map[Stage]stageFunc{
	StageBeforeAgent: func(mw Middleware, ctx context.Context, state *State) (bool, error) {
		h, ok := mw.(BeforeAgentHook)
		if !ok {
			return false, nil
		}
		return true, h.BeforeAgent(ctx, state)
	},
	StageBeforeModel: func(mw Middleware, ctx context.Context, state *State) (bool, error) {
		h, ok := mw.(BeforeModelHook)
		if !ok {
			return false, nil
		}
		return true, h.BeforeModel(ctx, state)
	},
	StageAfterModel: func(mw Middleware, ctx context.Context, state *State) (bool, error) {
		h, ok := mw.(AfterModelHook)
		if !ok {
			return false, nil
		}
		return true, h.AfterModel(ctx, state)
	},
	StageBeforeTool: func(mw Middleware, ctx context.Context, state *State) (bool, error) {
		h, ok := mw.(BeforeToolHook)
		if !ok {
			return false, nil
		}
		return true, h.BeforeTool(ctx, state)
	},
	StageAfterTool: func(mw Middleware, ctx context.Context, state *State) (bool, error) {
		h, ok := mw.(AfterToolHook)
		if !ok {
			return false, nil
		}
		return true, h.AfterTool(ctx, state)
	},
	StageAfterAgent: func(mw Middleware, ctx context.Context, state *State) (bool, error) {
		h, ok := mw.(AfterAgentHook)
		if !ok {
			return false, nil
		}
		return true, h.AfterAgent(ctx, state)
	},
}

// Option configures a Chain at construction.
type Option func(*Chain)

func WithMiddlewareTimeout(d time.Duration) Option { return func(c *Chain) { c.middlewareTimeout = d } }
func WithStageTimeout(d time.Duration) Option      { return func(c *Chain) { c.stageTimeout = d } }

// Chain is the Middleware Chain: an ordered list of middlewares, each
// invoked at whichever of the six stages it implements.
type Chain struct {
	middlewares       []Middleware
	middlewareTimeout time.Duration
	stageTimeout      time.Duration
}

// NewChain constructs an empty Chain.
func NewChain(opts ...Option) *Chain {
	c := &Chain{
		middlewareTimeout: DefaultMiddlewareTimeout,
		stageTimeout:      DefaultStageTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Use appends mw to the chain. Middlewares run, per stage, in the order
// they were added.
func (c *Chain) Use(mw Middleware) {
	c.middlewares = append(c.middlewares, mw)
}

// RunStage executes every middleware implementing stage's hook, in
// insertion order. If state is already aborted (a prior stage failed),
// RunStage is a no-op returning state.Err immediately — later stages
// observe abortion this way. Cancellation of ctx aborts the stage with
// Canceled; a middleware that outruns its timeout aborts with a
// TimeoutError wrapped as Timeout.
func (c *Chain) RunStage(ctx context.Context, stage Stage, state *State) error {
	if state.IsAborted() {
		return state.Err
	}

	dispatch, ok := stageDispatch[stage]
	if !ok {
		return gwerrors.New(gwerrors.CodeInternal, "unknown middleware stage %q", stage)
	}

	stageCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	defer cancel()

	for _, mw := range c.middlewares {
		if err := stageCtx.Err(); err != nil {
			code := gwerrors.CodeCanceled
			if errors.Is(err, context.DeadlineExceeded) {
				code = gwerrors.CodeTimeout
			}
			wrapped := gwerrors.Wrap(err, code, "stage %s aborted before middleware %s ran", stage, mw.Name())
			state.fail(wrapped)
			return wrapped
		}

		err := c.runOne(stageCtx, dispatch, mw, stage, state)
		if err == errHookNotImplemented {
			continue
		}
		if err != nil {
			code := gwerrors.CodeInternal
			if _, isTimeout := err.(*TimeoutError); isTimeout {
				code = gwerrors.CodeTimeout
			} else if existing := gwerrors.AsError(err); existing != nil {
				code = existing.Code
			}
			wrapped := gwerrors.Wrap(err, code, "middleware %s failed at stage %s", mw.Name(), stage)
			state.fail(wrapped)
			return wrapped
		}
	}
	return nil
}

var errHookNotImplemented = &sentinelError{"hook not implemented"}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

func (c *Chain) runOne(ctx context.Context, dispatch stageFunc, mw Middleware, stage Stage, state *State) error {
	type result struct {
		ran bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ran, err := dispatch(mw, ctx, state)
		done <- result{ran, err}
	}()

	select {
	case r := <-done:
		if !r.ran {
			return errHookNotImplemented
		}
		return r.err
	case <-time.After(c.middlewareTimeout):
		return &TimeoutError{Stage: stage, Middleware: mw.Name()}
	case <-ctx.Done():
		code := gwerrors.CodeCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = gwerrors.CodeTimeout
		}
		return gwerrors.Wrap(ctx.Err(), code, "stage %s aborted while middleware %s ran", stage, mw.Name())
	}
}
