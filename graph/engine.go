package graph

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/promptflow-go/graph/emit"
)

// RunResult is what a run produced.
type RunResult struct {
	// RunID identifies the run in events and run records.
	RunID string

	// Outputs holds the outputs of every successful result that ended a
	// path, in the order the paths ended.
	Outputs []Values

	// Halted lists branches stopped at a step whose inputs were incomplete.
	Halted []Halt

	// Failures lists failed step invocations. Each ended its own path.
	Failures []Failure

	// Trace is the lineage of every result the run produced.
	Trace Trace
}

// Output returns the single final output when exactly one path ended
// successfully, nil otherwise.
func (r *RunResult) Output() Values {
	if len(r.Outputs) != 1 {
		return nil
	}
	return r.Outputs[0]
}

// Halt records a branch stopped at the input gate of a step.
type Halt struct {
	Step        string
	Inputs      Values
	Missing     []string
	PreviousIDs []string
}

// Failure records a failed invocation.
type Failure struct {
	Step     string
	ResultID string
	Err      error
}

// Runner executes a graph from a fixed start step.
type Runner struct {
	graph *Graph
	start *Step
}

// Runner validates the graph and returns a runner starting at start, or at
// the graph's entry step when start is empty.
//
// Returns an EngineError when the start step is unknown, when no entry is
// marked, or when static dependencies declared with DependsOn are missing
// or cyclic.
func (g *Graph) Runner(start string) (*Runner, error) {
	if start == "" {
		start = g.Entry()
		if start == "" {
			return nil, engineError("NO_ENTRY", ErrNoEntry, "graph %s", g.name)
		}
	}
	s, ok := g.Step(start)
	if !ok {
		return nil, engineError("UNKNOWN_STEP", ErrUnknownStep, "start step %s", start)
	}
	if _, err := g.Order(); err != nil {
		return nil, err
	}
	return &Runner{graph: g, start: s}, nil
}

// Start returns the name of the start step.
func (r *Runner) Start() string {
	return r.start.name
}

// Params returns the initial inputs a run needs: the start step's declared
// parameters.
func (r *Runner) Params() []string {
	return r.start.Params()
}

// Run executes the graph on inputs.
//
// Execution follows the routes steps return:
//   - A result without a next step ends its path; its outputs are appended
//     to RunResult.Outputs.
//   - A single result routing to a single step continues the path.
//   - Several results (from a fan-out step) or a result naming several
//     steps open one branch per target. Branches heading into a fan-in
//     step wait; once every branch has finished, their outputs are merged
//     with MergeOutputs and the fan-in step runs once on the merged data.
//   - A step whose declared parameters are not all present does not run;
//     its branch is recorded in RunResult.Halted.
//   - A failing step fails only its own path.
//
// Run returns an error only for configuration errors (EngineError),
// execution limits, and context cancellation. In that case the partial
// trace remains available from Graph.LastTrace.
func (r *Runner) Run(ctx context.Context, inputs Values) (*RunResult, error) {
	g := r.graph
	g.running.Add(1)
	defer g.running.Add(-1)
	g.cfg.metrics.IncInflightRuns()
	defer g.cfg.metrics.DecInflightRuns()

	ex := g.newRun()
	g.emit(emit.Event{RunID: ex.id, Step: r.start.name, Msg: emit.MsgRunStart})

	_, err := ex.walk(ctx, r.start.name, []Values{inputs.Clone()}, []string{}, 0)
	g.setLastTrace(slices.Clone(ex.trace))

	status := "success"
	meta := map[string]interface{}{
		"outputs":  len(ex.outputs),
		"halted":   len(ex.halted),
		"failures": len(ex.failures),
	}
	if err != nil {
		status = "error"
		meta["error"] = err.Error()
	}
	g.cfg.metrics.RecordRun(status)
	g.emit(emit.Event{RunID: ex.id, Seq: ex.seq, Msg: emit.MsgRunEnd, Meta: meta})

	if err != nil {
		return nil, err
	}
	return &RunResult{
		RunID:    ex.id,
		Outputs:  ex.outputs,
		Halted:   ex.halted,
		Failures: ex.failures,
		Trace:    ex.trace,
	}, nil
}

// run holds the state of one execution.
type run struct {
	id    string
	graph *Graph

	mu          sync.Mutex
	seq         int
	executions  int
	trace       Trace
	outputs     []Values
	halted      []Halt
	failures    []Failure
	passThrough Values
}

func (g *Graph) newRun() *run {
	return &run{
		id:          uuid.NewString(),
		graph:       g,
		passThrough: Values{},
	}
}

func (r *run) nextSeq() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// continuation is a branch parked in front of a fan-in step, or stopped at
// the input gate of a nested step, waiting for its siblings to be merged by
// the caller.
type continuation struct {
	step string
	data []Values
	prev []string
}

// walk follows one path from step until it ends, halts, or parks in front
// of a fan-in step. Below depth 0 a path whose step lacks inputs parks too.
// A parked path is returned to the caller, which owns the merge; at depth 0
// nothing is ever parked and an incomplete step is recorded as halted.
func (r *run) walk(ctx context.Context, step string, data []Values, prev []string, depth int) (*continuation, error) {
	g := r.graph
	if limit := g.cfg.maxDepth; limit > 0 && depth > limit {
		return nil, engineError("MAX_DEPTH_EXCEEDED", ErrMaxDepthExceeded, "depth %d at step %s", depth, step)
	}

	for step != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, ok := g.Step(step)
		if !ok {
			return nil, engineError("UNKNOWN_STEP", ErrUnknownStep, "%s", step)
		}

		inputs := MergeOutputs(data)
		r.injectPassThrough(s, inputs)
		if missing := s.missingParams(inputs); len(missing) > 0 {
			if depth > 0 {
				// Siblings may supply the rest; the caller merges and re-gates.
				return &continuation{step: step, data: data, prev: prev}, nil
			}
			r.halt(s, inputs, prev, missing)
			return nil, nil
		}

		if limit := g.cfg.maxSteps; limit > 0 && r.executions >= limit {
			return nil, engineError("MAX_STEPS_EXCEEDED", ErrMaxStepsExceeded, "limit %d reached at step %s", limit, step)
		}
		r.executions++
		r.capturePassThrough(s, inputs)

		results, err := s.execute(ctx, r, inputs)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			if err := r.record(s, prev, res); err != nil {
				return nil, err
			}
		}
		if len(results) == 0 {
			return nil, nil
		}

		if len(results) == 1 && !s.fansOut && len(results[0].Next.Many) == 0 {
			res := results[0]
			next := res.Next.To
			if next == "" {
				r.finish(res)
				return nil, nil
			}
			if depth > 0 && g.isFanIn(next) {
				r.deferred(s, res, next)
				return &continuation{step: next, data: []Values{res.Outputs}, prev: []string{res.ID}}, nil
			}
			step, data, prev = next, []Values{res.Outputs}, []string{res.ID}
			continue
		}

		joined, err := r.branch(ctx, s, results, depth)
		if err != nil || joined == nil {
			return nil, err
		}
		step, data, prev = joined.step, joined.data, joined.prev
	}
	return nil, nil
}

// branch walks every target of every result and joins the branches that
// parked. Branches that end are finished on their own and take no part in
// the join.
func (r *run) branch(ctx context.Context, from *Step, results []StepResult, depth int) (*continuation, error) {
	var parked []*continuation
	for _, res := range results {
		targets := res.Next.Targets()
		if len(targets) == 0 {
			r.finish(res)
			continue
		}
		for _, next := range targets {
			if r.graph.isFanIn(next) {
				r.deferred(from, res, next)
				parked = append(parked, &continuation{step: next, data: []Values{res.Outputs}, prev: []string{res.ID}})
				continue
			}
			c, err := r.walk(ctx, next, []Values{res.Outputs}, []string{res.ID}, depth+1)
			if err != nil {
				return nil, err
			}
			if c != nil {
				parked = append(parked, c)
			}
		}
	}
	return join(parked)
}

// join merges parked branches, which must all wait for the same step.
func join(parked []*continuation) (*continuation, error) {
	if len(parked) == 0 {
		return nil, nil
	}
	joined := &continuation{step: parked[0].step}
	for _, c := range parked {
		if c.step != joined.step {
			return nil, engineError("DIVERGENT_ROUTES", ErrDivergentRoutes, "branches wait for both %s and %s", joined.step, c.step)
		}
		joined.data = append(joined.data, c.data...)
		joined.prev = append(joined.prev, c.prev...)
	}
	return joined, nil
}

func (g *Graph) isFanIn(name string) bool {
	s, ok := g.Step(name)
	return ok && s.fansIn
}

func (r *run) record(s *Step, prev []string, res StepResult) error {
	if res.Next.To != "" && len(res.Next.Many) > 0 {
		return engineError("INVALID_ROUTE", ErrInvalidRoute, "step %s result %s", s.name, res.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.trace = append(r.trace, TraceEntry{
		PreviousIDs: slices.Clone(prev),
		ResultID:    res.ID,
		Step:        s.name,
		Outputs:     res.Outputs.Clone(),
		Err:         errorString(res.Err),
	})
	if res.Err != nil {
		r.failures = append(r.failures, Failure{Step: s.name, ResultID: res.ID, Err: res.Err})
	}
	return nil
}

// finish ends a path. Failed results end their path without output.
func (r *run) finish(res StepResult) {
	if res.Err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, res.Outputs.Clone())
}

func (r *run) halt(s *Step, inputs Values, prev []string, missing []string) {
	r.mu.Lock()
	r.halted = append(r.halted, Halt{
		Step:        s.name,
		Inputs:      inputs,
		Missing:     missing,
		PreviousIDs: slices.Clone(prev),
	})
	seq := r.seq
	r.mu.Unlock()

	r.graph.cfg.metrics.IncGateHalts(s.name)
	r.graph.emit(emit.Event{RunID: r.id, Seq: seq, Step: s.name, Msg: emit.MsgGateHalt, Meta: map[string]interface{}{
		"missing": missing,
	}})
}

func (r *run) deferred(from *Step, res StepResult, next string) {
	r.graph.emit(emit.Event{RunID: r.id, Seq: r.seq, Step: next, Msg: emit.MsgFanInDeferred, Meta: map[string]interface{}{
		"from":      from.name,
		"result_id": res.ID,
	}})
}

// injectPassThrough fills declared parameters missing from inputs with
// values captured earlier in the run.
func (r *run) injectPassThrough(s *Step, inputs Values) {
	for _, p := range s.params {
		if inputs.Has(p) {
			continue
		}
		if v, ok := r.passThrough[p]; ok {
			inputs[p] = v
		}
	}
}

// capturePassThrough remembers the step's pass-through inputs. The first
// value wins; a different later value is reported and ignored.
func (r *run) capturePassThrough(s *Step, inputs Values) {
	for _, name := range s.passThrough {
		v, ok := inputs[name]
		if !ok {
			continue
		}
		prev, seen := r.passThrough[name]
		if !seen {
			r.passThrough[name] = v
			continue
		}
		if !reflect.DeepEqual(prev, v) {
			r.graph.emit(emit.Event{RunID: r.id, Seq: r.seq, Step: s.name, Msg: emit.MsgPassThrough, Meta: map[string]interface{}{
				"input": name,
			}})
		}
	}
}
