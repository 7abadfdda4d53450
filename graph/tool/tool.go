// Package tool turns external calls into graph steps.
//
// A Tool takes the step's merged inputs and returns the values handed to
// the next step:
//
//	fetch := tool.NewHTTPTool(tool.WithBodyKey("article"))
//	err := g.Register("fetch", tool.Step(fetch, graph.Goto("extract")),
//	    graph.Entry(), graph.Params("url"))
package tool

import (
	"context"
	"fmt"

	"github.com/dshills/promptflow-go/graph"
)

// Tool is an external call usable as a step.
type Tool interface {
	// Name identifies the tool in errors.
	Name() string

	// Call runs the tool. It must respect ctx cancellation.
	Call(ctx context.Context, input graph.Values) (graph.Values, error)
}

// Step returns a step function that calls t with the step inputs and
// routes its outputs to next. Tool errors fail the invocation.
func Step(t Tool, next graph.Next) graph.StepFunc {
	return func(ctx context.Context, sc graph.StepContext) (graph.StepResult, error) {
		out, err := t.Call(ctx, sc.Inputs)
		if err != nil {
			return graph.StepResult{}, fmt.Errorf("tool %s: %w", t.Name(), err)
		}
		return graph.StepResult{Next: next, Outputs: out}, nil
	}
}

// Keep returns a tool whose outputs also carry the listed input keys.
// Keys the tool itself returns win.
func Keep(t Tool, keys ...string) Tool {
	return keepTool{Tool: t, keys: keys}
}

type keepTool struct {
	Tool
	keys []string
}

func (k keepTool) Call(ctx context.Context, input graph.Values) (graph.Values, error) {
	out, err := k.Tool.Call(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = graph.Values{}
	}
	for _, key := range k.keys {
		if v, ok := input[key]; ok && !out.Has(key) {
			out[key] = v
		}
	}
	return out, nil
}
