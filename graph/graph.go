package graph

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/promptflow-go/graph/emit"
)

// Graph is a registry of named steps plus the configuration shared by all
// of its runs.
//
// Several runs of the same graph may execute concurrently: per-run state
// lives in the run, not in the graph. Steps do remember the inputs and
// results of their most recent invocation for inspection.
//
// Example:
//
//	g, _ := graph.New("facts")
//	_ = g.Register("extract", extract, graph.Entry(), graph.Params("article"))
//	_ = g.Register("check", check, graph.FanIn(), graph.Params("fact"))
//
//	res, err := g.Run(ctx, graph.Values{"article": text})
type Graph struct {
	name string
	cfg  graphConfig

	mu    sync.RWMutex
	steps map[string]*Step
	order []string // registration order
	entry string

	running atomic.Int64

	traceMu   sync.Mutex
	lastTrace Trace
}

// New creates an empty graph.
func New(name string, opts ...Option) (*Graph, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Graph{
		name:  name,
		cfg:   cfg,
		steps: make(map[string]*Step),
	}, nil
}

// Name returns the graph's name.
func (g *Graph) Name() string {
	return g.name
}

// Register adds a step.
//
// Returns an EngineError if:
//   - name is empty or fn is nil (INVALID_STEP)
//   - a step with this name exists (DUPLICATE_STEP)
//   - the step both fans out and fans in (FAN_MODE_CONFLICT)
//   - the step is an entry and the graph already has one (DUPLICATE_ENTRY)
//   - its retry policy is invalid (INVALID_POLICY)
//
// Example:
//
//	err := g.Register("extract", extractFacts,
//	    graph.Entry(),
//	    graph.Params("article"),
//	    graph.PromptName("extract_facts"),
//	    graph.ModelParam("gpt-4o-mini"),
//	)
func (g *Graph) Register(name string, fn StepFunc, opts ...StepOption) error {
	if name == "" {
		return engineError("INVALID_STEP", nil, "step name cannot be empty")
	}
	if fn == nil {
		return engineError("INVALID_STEP", nil, "step %s has no function", name)
	}

	s := &Step{name: name, fn: fn, graph: g}
	for _, opt := range opts {
		opt(s)
	}
	if s.fansOut && s.fansIn {
		return engineError("FAN_MODE_CONFLICT", ErrFanModeConflict, "step %s", name)
	}
	if rp := s.policy.Retry; rp != nil {
		if err := rp.Validate(); err != nil {
			return engineError("INVALID_POLICY", ErrInvalidRetryPolicy, "step %s: max attempts %d, base delay %s, max delay %s",
				name, rp.MaxAttempts, rp.BaseDelay, rp.MaxDelay)
		}
	}
	if s.policy.Timeout < 0 {
		return engineError("INVALID_POLICY", ErrInvalidRetryPolicy, "step %s: negative timeout %s", name, s.policy.Timeout)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.steps[name]; exists {
		return engineError("DUPLICATE_STEP", nil, "duplicate step name: %s", name)
	}
	if s.entry {
		if g.entry != "" {
			return engineError("DUPLICATE_ENTRY", ErrDuplicateEntry, "step %s: entry is already %s", name, g.entry)
		}
		g.entry = name
	}
	g.steps[name] = s
	g.order = append(g.order, name)
	return nil
}

// Step returns the registered step with the given name.
func (g *Graph) Step(name string) (*Step, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.steps[name]
	return s, ok
}

// Steps returns step names in registration order.
func (g *Graph) Steps() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Entry returns the name of the entry step, empty if none was marked.
func (g *Graph) Entry() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entry
}

// AvailableModels returns the models steps may select.
func (g *Graph) AvailableModels() []string {
	return slices.Clone(g.cfg.models)
}

// Running reports whether any run of the graph is in progress.
func (g *Graph) Running() bool {
	return g.running.Load() > 0
}

// LastTrace returns the trace of the most recently finished run.
func (g *Graph) LastTrace() Trace {
	g.traceMu.Lock()
	defer g.traceMu.Unlock()
	return slices.Clone(g.lastTrace)
}

func (g *Graph) setLastTrace(t Trace) {
	g.traceMu.Lock()
	defer g.traceMu.Unlock()
	g.lastTrace = t
}

// Run executes the graph from its entry step.
func (g *Graph) Run(ctx context.Context, inputs Values) (*RunResult, error) {
	r, err := g.Runner("")
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, inputs)
}

func (g *Graph) emit(e emit.Event) {
	g.cfg.emitter.Emit(e)
}
