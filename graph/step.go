package graph

import (
	"context"

	"github.com/dshills/promptflow-go/graph/store"
)

// StepFunc is the user function behind a step.
//
// It receives the merged inputs and the step's prompt and model, and
// returns a StepResult naming the next step(s). Returning a non-nil error
// (or a result with Err set) fails this invocation only: the engine records
// the failure and ends that path of the run.
type StepFunc func(ctx context.Context, sc StepContext) (StepResult, error)

// StepContext is what a step invocation sees.
type StepContext struct {
	// Step is the name of the running step.
	Step string

	// RunID identifies the run. Direct Step.Execute calls get a fresh ID.
	RunID string

	// Inputs holds the step's real parameters and any extra keys the
	// incoming data carried. For fan-out steps the sequence parameter holds
	// a single element.
	Inputs Values

	// Prompt is the step's current prompt, nil if the step has none.
	Prompt *store.Prompt

	// Model is the step's selected model, empty if the step has none.
	Model string
}

// Next specifies the step(s) that receive a result's outputs.
//
// The zero value is terminal: the path ends and the outputs become part of
// the run's final outputs.
type Next struct {
	// To names a single next step.
	To string

	// Many names several next steps, each receiving the same outputs.
	// Mutually exclusive with To.
	Many []string
}

// Stop returns a terminal Next.
func Stop() Next {
	return Next{}
}

// Goto returns a Next that routes to step.
func Goto(step string) Next {
	return Next{To: step}
}

// Fork returns a Next that sends the outputs to every listed step.
func Fork(steps ...string) Next {
	return Next{Many: steps}
}

// Terminal reports whether the path ends here.
func (n Next) Terminal() bool {
	return n.To == "" && len(n.Many) == 0
}

// Targets returns the named next steps in order.
func (n Next) Targets() []string {
	if len(n.Many) > 0 {
		return n.Many
	}
	if n.To != "" {
		return []string{n.To}
	}
	return nil
}

// StepResult is the outcome of one step invocation.
type StepResult struct {
	// ID uniquely identifies the result within the run. The engine assigns
	// a random UUID when the step leaves it empty.
	ID string

	// Next routes the outputs. The zero value ends the path.
	Next Next

	// Outputs are the named values handed to the next step(s).
	Outputs Values

	// Err is set when the invocation failed. A failed result never has a
	// next step.
	Err error
}

// Then returns a result routing outputs to step.
func Then(step string, outputs Values) StepResult {
	return StepResult{Next: Goto(step), Outputs: outputs}
}

// Done returns a terminal result.
func Done(outputs Values) StepResult {
	return StepResult{Outputs: outputs}
}

// Failed reports whether the invocation failed.
func (r StepResult) Failed() bool {
	return r.Err != nil
}
