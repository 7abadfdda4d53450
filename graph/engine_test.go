package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/promptflow-go/graph/emit"
)

func newTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	g, err := New("test", opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

func mustRegister(t *testing.T, g *Graph, name string, fn StepFunc, opts ...StepOption) {
	t.Helper()
	if err := g.Register(name, fn, opts...); err != nil {
		t.Fatalf("Register(%s) failed: %v", name, err)
	}
}

func engineCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func TestRun_LinearChain(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("b", Values{"x": sc.Inputs["in"].(int) + 1}), nil
	}, Entry(), Params("in"))
	mustRegister(t, g, "b", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("c", Values{"y": sc.Inputs["x"].(int) * 2}), nil
	}, Params("x"))
	mustRegister(t, g, "c", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"z": fmt.Sprint(sc.Inputs["y"])}), nil
	}, Params("y"))

	res, err := g.Run(context.Background(), Values{"in": 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(Values{"z": "4"}, res.Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	if len(res.Trace) != 3 {
		t.Fatalf("expected 3 trace entries, got %d", len(res.Trace))
	}
	if len(res.Trace[0].PreviousIDs) != 0 {
		t.Errorf("expected no predecessor for start step, got %v", res.Trace[0].PreviousIDs)
	}
	for i := 1; i < len(res.Trace); i++ {
		want := []string{res.Trace[i-1].ResultID}
		if diff := cmp.Diff(want, res.Trace[i].PreviousIDs); diff != "" {
			t.Errorf("entry %d lineage mismatch (-want +got):\n%s", i, diff)
		}
	}
	if diff := cmp.Diff(res.Trace, g.LastTrace()); diff != "" {
		t.Errorf("LastTrace differs from result trace:\n%s", diff)
	}
}

func TestRun_FanOutIntoOrdinaryStep(t *testing.T) {
	g := newTestGraph(t)
	var mu sync.Mutex
	var seen []string

	mustRegister(t, g, "split", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("upper", Values{"word": sc.Inputs["words"]}), nil
	}, Entry(), FanOut(), Params("words"))
	mustRegister(t, g, "upper", func(_ context.Context, sc StepContext) (StepResult, error) {
		w := sc.Inputs["word"].(string)
		mu.Lock()
		seen = append(seen, w)
		mu.Unlock()
		return Done(Values{"word": strings.ToUpper(w)}), nil
	}, Params("word"))

	res, err := g.Run(context.Background(), Values{"words": []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, seen); diff != "" {
		t.Errorf("upper invocations mismatch (-want +got):\n%s", diff)
	}
	want := []Values{{"word": "A"}, {"word": "B"}, {"word": "C"}}
	if diff := cmp.Diff(want, res.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if res.Output() != nil {
		t.Errorf("expected Output() to be nil with several outputs")
	}

	counts := res.Trace.Steps()
	if counts["split"] != 3 || counts["upper"] != 3 {
		t.Errorf("expected 3 split and 3 upper results, got %v", counts)
	}
}

func TestRun_FanOutIntoFanIn(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := newTestGraph(t, WithEmitter(emitter))

	var calls int
	var got Values
	mustRegister(t, g, "extract", func(_ context.Context, sc StepContext) (StepResult, error) {
		p := sc.Inputs["paragraph"].(string)
		return Then("check", Values{"fact": "fact about " + p}), nil
	}, Entry(), FanOut(), Params("paragraph"))
	mustRegister(t, g, "check", func(_ context.Context, sc StepContext) (StepResult, error) {
		calls++
		got = sc.Inputs.Clone()
		facts, _ := sc.Inputs["fact"].([]any)
		return Done(Values{"checked": len(facts)}), nil
	}, FanIn(), Params("fact"))

	res, err := g.Run(context.Background(), Values{"paragraph": []string{"v1", "v2", "v3"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected check to run once, ran %d times", calls)
	}
	want := Values{"fact": []any{"fact about v1", "fact about v2", "fact about v3"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Values{"checked": 3}, res.Output()); diff != "" {
		t.Errorf("final output mismatch (-want +got):\n%s", diff)
	}

	last := res.Trace[len(res.Trace)-1]
	if last.Step != "check" {
		t.Fatalf("expected last entry to be check, got %s", last.Step)
	}
	var extractIDs []string
	for _, e := range res.Trace[:3] {
		extractIDs = append(extractIDs, e.ResultID)
	}
	if diff := cmp.Diff(extractIDs, last.PreviousIDs); diff != "" {
		t.Errorf("fan-in lineage mismatch (-want +got):\n%s", diff)
	}

	deferred := emitter.GetHistoryWithFilter(res.RunID, emit.HistoryFilter{Msg: emit.MsgFanInDeferred})
	if len(deferred) != 3 {
		t.Errorf("expected 3 fanin_deferred events, got %d", len(deferred))
	}
}

func TestRun_FanInAfterIntermediateSteps(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "split", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("double", Values{"n": sc.Inputs["nums"]}), nil
	}, Entry(), FanOut(), Params("nums"))
	mustRegister(t, g, "double", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("sum", Values{"n": sc.Inputs["n"].(int) * 2}), nil
	}, Params("n"))
	mustRegister(t, g, "sum", func(_ context.Context, sc StepContext) (StepResult, error) {
		total := 0
		for _, v := range sc.Inputs["n"].([]any) {
			total += v.(int)
		}
		return Done(Values{"total": total}), nil
	}, FanIn(), Params("n"))

	res, err := g.Run(context.Background(), Values{"nums": []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(Values{"total": 12}, res.Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if n := res.Trace.Steps()["sum"]; n != 1 {
		t.Errorf("expected sum to run once, ran %d times", n)
	}
}

func TestRun_PartialGate(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := newTestGraph(t, WithEmitter(emitter))

	var ran bool
	mustRegister(t, g, "start", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("join", Values{"a": 1}), nil
	}, Entry())
	mustRegister(t, g, "join", func(_ context.Context, sc StepContext) (StepResult, error) {
		ran = true
		return Done(nil), nil
	}, Params("a", "b"))

	res, err := g.Run(context.Background(), Values{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ran {
		t.Error("expected join not to run with incomplete inputs")
	}
	if len(res.Outputs) != 0 {
		t.Errorf("expected no outputs, got %v", res.Outputs)
	}
	if len(res.Trace) != 1 {
		t.Errorf("expected only the start entry in trace, got %d entries", len(res.Trace))
	}
	if len(res.Halted) != 1 {
		t.Fatalf("expected 1 halted branch, got %d", len(res.Halted))
	}
	h := res.Halted[0]
	if h.Step != "join" {
		t.Errorf("expected halt at join, got %s", h.Step)
	}
	if diff := cmp.Diff([]string{"b"}, h.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{res.Trace[0].ResultID}, h.PreviousIDs); diff != "" {
		t.Errorf("halt lineage mismatch (-want +got):\n%s", diff)
	}
	if n := len(emitter.GetHistoryWithFilter(res.RunID, emit.HistoryFilter{Msg: emit.MsgGateHalt})); n != 1 {
		t.Errorf("expected 1 gate_halt event, got %d", n)
	}
}

func TestRun_MissingInitialInputs(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "start", func(_ context.Context, sc StepContext) (StepResult, error) {
		t.Error("start should not run")
		return Done(nil), nil
	}, Entry(), Params("article"))

	res, err := g.Run(context.Background(), Values{"other": 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Halted) != 1 || len(res.Trace) != 0 {
		t.Errorf("expected a halted run with empty trace, got halted=%d trace=%d", len(res.Halted), len(res.Trace))
	}
}

func TestRun_ErrorIsolation(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "split", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("work", Values{"n": sc.Inputs["nums"]}), nil
	}, Entry(), FanOut(), Params("nums"))
	mustRegister(t, g, "work", func(_ context.Context, sc StepContext) (StepResult, error) {
		n := sc.Inputs["n"].(int)
		if n == 2 {
			return StepResult{}, errors.New("boom")
		}
		return Done(Values{"n": n}), nil
	}, Params("n"))

	res, err := g.Run(context.Background(), Values{"nums": []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]Values{{"n": 1}, {"n": 3}}, res.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(res.Failures))
	}
	f := res.Failures[0]
	var se *StepError
	if !errors.As(f.Err, &se) || se.Step != "work" {
		t.Errorf("expected StepError for work, got %v", f.Err)
	}

	var failed int
	for _, e := range res.Trace {
		if e.Err != "" {
			failed++
			if e.ResultID != f.ResultID {
				t.Errorf("failed trace entry %s does not match failure %s", e.ResultID, f.ResultID)
			}
		}
	}
	if failed != 1 {
		t.Errorf("expected 1 failed trace entry, got %d", failed)
	}
}

func TestRun_FailedResultEndsPath(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
		return StepResult{Next: Goto("b"), Err: errors.New("bad input")}, nil
	}, Entry())
	mustRegister(t, g, "b", func(_ context.Context, sc StepContext) (StepResult, error) {
		t.Error("b should not run after a failed result")
		return Done(nil), nil
	})

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Failures) != 1 || len(res.Outputs) != 0 {
		t.Errorf("expected one failure and no outputs, got failures=%d outputs=%d", len(res.Failures), len(res.Outputs))
	}
}

func TestRun_Fork(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "start", func(_ context.Context, sc StepContext) (StepResult, error) {
		return StepResult{Next: Fork("left", "right"), Outputs: Values{"v": 10}}, nil
	}, Entry())
	mustRegister(t, g, "left", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("merge", Values{"v": sc.Inputs["v"].(int) - 1}), nil
	}, Params("v"))
	mustRegister(t, g, "right", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("merge", Values{"v": sc.Inputs["v"].(int) + 1}), nil
	}, Params("v"))
	mustRegister(t, g, "merge", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"v": sc.Inputs["v"]}), nil
	}, FanIn(), Params("v"))

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(Values{"v": []any{9, 11}}, res.Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ForkConvergesOnGatedStep(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "start", func(_ context.Context, sc StepContext) (StepResult, error) {
		return StepResult{Next: Fork("left", "right")}, nil
	}, Entry())
	mustRegister(t, g, "left", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("join", Values{"x": 1}), nil
	})
	mustRegister(t, g, "right", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("join", Values{"y": 2}), nil
	})

	var calls []Values
	mustRegister(t, g, "join", func(_ context.Context, sc StepContext) (StepResult, error) {
		calls = append(calls, Values{"x": sc.Inputs["x"], "y": sc.Inputs["y"]})
		return Done(Values{"sum": sc.Inputs["x"].(int) + sc.Inputs["y"].(int)}), nil
	}, Params("x", "y"))

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]Values{{"x": 1, "y": 2}}, calls); diff != "" {
		t.Errorf("join calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Values{{"sum": 3}}, res.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if len(res.Halted) != 0 {
		t.Errorf("expected no halted branches, got %v", res.Halted)
	}
}

func TestRun_ForkConvergesIncomplete(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := newTestGraph(t, WithEmitter(emitter))
	mustRegister(t, g, "start", func(_ context.Context, sc StepContext) (StepResult, error) {
		return StepResult{Next: Fork("left", "right")}, nil
	}, Entry())
	mustRegister(t, g, "left", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("join", Values{"x": 1}), nil
	})
	mustRegister(t, g, "right", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("join", Values{"x": 2}), nil
	})

	var ran bool
	mustRegister(t, g, "join", func(_ context.Context, sc StepContext) (StepResult, error) {
		ran = true
		return Done(nil), nil
	}, Params("x", "y"))

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ran {
		t.Error("expected join not to run without y")
	}
	if len(res.Halted) != 1 {
		t.Fatalf("expected 1 halted branch, got %d", len(res.Halted))
	}
	h := res.Halted[0]
	if h.Step != "join" {
		t.Errorf("expected halt at join, got %s", h.Step)
	}
	if diff := cmp.Diff([]string{"y"}, h.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if len(h.PreviousIDs) != 2 {
		t.Errorf("expected 2 previous ids, got %v", h.PreviousIDs)
	}
	if diff := cmp.Diff([]any{1, 2}, h.Inputs["x"]); diff != "" {
		t.Errorf("merged inputs mismatch (-want +got):\n%s", diff)
	}
	if n := len(emitter.GetHistoryWithFilter(res.RunID, emit.HistoryFilter{Msg: emit.MsgGateHalt})); n != 1 {
		t.Errorf("expected 1 gate_halt event, got %d", n)
	}
}

func TestRun_ForkTerminalAndFanIn(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "start", func(_ context.Context, sc StepContext) (StepResult, error) {
		return StepResult{Next: Fork("left", "right")}, nil
	}, Entry())
	mustRegister(t, g, "left", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"x": 1}), nil
	})
	mustRegister(t, g, "right", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("join", Values{"y": 2}), nil
	})
	mustRegister(t, g, "join", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"joined": sc.Inputs["y"]}), nil
	}, FanIn(), Params("y"))

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]Values{{"x": 1}, {"joined": 2}}, res.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_DivergentRoutes(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "split", func(_ context.Context, sc StepContext) (StepResult, error) {
		next := "x"
		if sc.Inputs["items"].(int) == 2 {
			next = "y"
		}
		return Then(next, Values{"v": sc.Inputs["items"]}), nil
	}, Entry(), FanOut(), Params("items"))
	for _, name := range []string{"x", "y"} {
		mustRegister(t, g, name, func(_ context.Context, sc StepContext) (StepResult, error) {
			return Done(nil), nil
		}, FanIn(), Params("v"))
	}

	_, err := g.Run(context.Background(), Values{"items": []int{1, 2}})
	if !errors.Is(err, ErrDivergentRoutes) {
		t.Fatalf("expected ErrDivergentRoutes, got %v", err)
	}
	if code := engineCode(err); code != "DIVERGENT_ROUTES" {
		t.Errorf("expected code DIVERGENT_ROUTES, got %q", code)
	}
}

func TestRun_EmptyFanOut(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "split", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("next", Values{"v": sc.Inputs["items"]}), nil
	}, Entry(), FanOut(), Params("items"))
	mustRegister(t, g, "next", func(_ context.Context, sc StepContext) (StepResult, error) {
		t.Error("next should not run")
		return Done(nil), nil
	}, Params("v"))

	res, err := g.Run(context.Background(), Values{"items": []string{}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trace) != 0 || len(res.Outputs) != 0 {
		t.Errorf("expected empty run, got trace=%d outputs=%d", len(res.Trace), len(res.Outputs))
	}
}

func TestRun_ConfigurationErrors(t *testing.T) {
	noop := func(_ context.Context, sc StepContext) (StepResult, error) { return Done(nil), nil }

	t.Run("no entry", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop)
		_, err := g.Run(context.Background(), nil)
		if !errors.Is(err, ErrNoEntry) {
			t.Errorf("expected ErrNoEntry, got %v", err)
		}
	})

	t.Run("unknown next step", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
			return Then("missing", nil), nil
		}, Entry())
		_, err := g.Run(context.Background(), nil)
		if !errors.Is(err, ErrUnknownStep) {
			t.Errorf("expected ErrUnknownStep, got %v", err)
		}
	})

	t.Run("unknown start step", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop, Entry())
		if _, err := g.Runner("nope"); !errors.Is(err, ErrUnknownStep) {
			t.Errorf("expected ErrUnknownStep, got %v", err)
		}
	})

	t.Run("route with both forms", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
			return StepResult{Next: Next{To: "b", Many: []string{"b"}}}, nil
		}, Entry())
		mustRegister(t, g, "b", noop)
		_, err := g.Run(context.Background(), nil)
		if !errors.Is(err, ErrInvalidRoute) {
			t.Errorf("expected ErrInvalidRoute, got %v", err)
		}
	})

	t.Run("fan-out without sequence", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop, Entry(), FanOut(), Params("text"))
		_, err := g.Run(context.Background(), Values{"text": "not a list"})
		if code := engineCode(err); code != "NO_SEQUENCE_INPUT" {
			t.Errorf("expected NO_SEQUENCE_INPUT, got %v", err)
		}
	})

	t.Run("fan-out with two sequences", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop, Entry(), FanOut(), Params("x", "y"))
		_, err := g.Run(context.Background(), Values{"x": []int{1}, "y": []int{2}})
		if !errors.Is(err, ErrAmbiguousSequence) {
			t.Errorf("expected ErrAmbiguousSequence, got %v", err)
		}
	})

	t.Run("partial trace kept on error", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
			return Then("missing", nil), nil
		}, Entry())
		if _, err := g.Run(context.Background(), nil); err == nil {
			t.Fatal("expected error")
		}
		if n := len(g.LastTrace()); n != 1 {
			t.Errorf("expected 1 entry in LastTrace, got %d", n)
		}
	})
}

func TestRun_Limits(t *testing.T) {
	loop := func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("loop", Values{}), nil
	}

	t.Run("max steps", func(t *testing.T) {
		g := newTestGraph(t, WithMaxSteps(10))
		mustRegister(t, g, "loop", loop, Entry())
		_, err := g.Run(context.Background(), nil)
		if !errors.Is(err, ErrMaxStepsExceeded) {
			t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
		}
		if n := len(g.LastTrace()); n != 10 {
			t.Errorf("expected 10 executed steps, got %d", n)
		}
	})

	t.Run("max depth", func(t *testing.T) {
		g := newTestGraph(t, WithMaxDepth(3), WithMaxSteps(0))
		mustRegister(t, g, "nest", func(_ context.Context, sc StepContext) (StepResult, error) {
			return StepResult{Next: Fork("nest", "nest")}, nil
		}, Entry())
		_, err := g.Run(context.Background(), nil)
		if !errors.Is(err, ErrMaxDepthExceeded) {
			t.Fatalf("expected ErrMaxDepthExceeded, got %v", err)
		}
	})

	t.Run("conditional loop terminates", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "count", func(_ context.Context, sc StepContext) (StepResult, error) {
			n := sc.Inputs["n"].(int)
			if n >= 5 {
				return Done(Values{"n": n}), nil
			}
			return Then("count", Values{"n": n + 1}), nil
		}, Entry(), Params("n"))
		res, err := g.Run(context.Background(), Values{"n": 0})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if diff := cmp.Diff(Values{"n": 5}, res.Output()); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "loop", loop, Entry())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := g.Run(ctx, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestRun_PassThrough(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := newTestGraph(t, WithEmitter(emitter))

	mustRegister(t, g, "extract", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("summarize", Values{"facts": "f"}), nil
	}, Entry(), Params("article"), PassThrough("article"))
	mustRegister(t, g, "summarize", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"summary": fmt.Sprintf("%s/%s", sc.Inputs["article"], sc.Inputs["facts"])}), nil
	}, Params("article", "facts"))

	res, err := g.Run(context.Background(), Values{"article": "text"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(Values{"summary": "text/f"}, res.Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if len(res.Halted) != 0 {
		t.Errorf("expected no halted branches, got %v", res.Halted)
	}
}

func TestRun_DataSink(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGraph(t, WithDataStore(sink))
	mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("b", Values{"v": 1}), nil
	}, Entry())
	mustRegister(t, g, "b", func(_ context.Context, sc StepContext) (StepResult, error) {
		return StepResult{}, errors.New("nope")
	}, Params("v"))

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sink.runs) != 2 {
		t.Fatalf("expected 2 run records, got %d", len(sink.runs))
	}
	for i, rec := range sink.runs {
		if rec.RunID != res.RunID {
			t.Errorf("record %d: expected run ID %s, got %s", i, res.RunID, rec.RunID)
		}
		if rec.StepRunID != res.Trace[i].ResultID {
			t.Errorf("record %d: expected step run ID %s, got %s", i, res.Trace[i].ResultID, rec.StepRunID)
		}
	}
	if sink.runs[1].Status != "failed" || sink.runs[1].Error == "" {
		t.Errorf("expected failed record with error, got %+v", sink.runs[1])
	}
}

func TestRun_SinkFailureDoesNotFailRun(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := newTestGraph(t, WithEmitter(emitter), WithDataStore(&recordingSink{err: errors.New("disk full")}))
	mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"ok": true}), nil
	}, Entry())

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output() == nil {
		t.Error("expected output despite sink failure")
	}
	if n := len(emitter.GetHistoryWithFilter(res.RunID, emit.HistoryFilter{Msg: emit.MsgSinkFailed})); n != 1 {
		t.Errorf("expected 1 sink_failed event, got %d", n)
	}
}

func TestRun_Events(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := newTestGraph(t, WithEmitter(emitter))
	mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("b", nil), nil
	}, Entry())
	mustRegister(t, g, "b", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(nil), nil
	})

	res, err := g.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var msgs []string
	for _, e := range emitter.GetHistory(res.RunID) {
		msgs = append(msgs, e.Msg)
	}
	want := []string{
		emit.MsgRunStart,
		emit.MsgStepStart, emit.MsgStepEnd,
		emit.MsgStepStart, emit.MsgStepEnd,
		emit.MsgRunEnd,
	}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ConcurrentRuns(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "split", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Then("sum", Values{"n": sc.Inputs["nums"]}), nil
	}, Entry(), FanOut(), Params("nums"))
	mustRegister(t, g, "sum", func(_ context.Context, sc StepContext) (StepResult, error) {
		total := 0
		for _, v := range sc.Inputs["n"].([]any) {
			total += v.(int)
		}
		return Done(Values{"total": total}), nil
	}, FanIn(), Params("n"))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Run(context.Background(), Values{"nums": []int{i, i, i}})
			if err != nil {
				errs <- err
				return
			}
			if got := res.Output()["total"]; got != 3*i {
				errs <- fmt.Errorf("run %d: expected total %d, got %v", i, 3*i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if g.Running() {
		t.Error("expected no running runs after completion")
	}
}

func TestRunner_StartAndParams(t *testing.T) {
	g := newTestGraph(t)
	mustRegister(t, g, "a", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(nil), nil
	}, Entry(), Params("article", "prompt", "model"))
	mustRegister(t, g, "b", func(_ context.Context, sc StepContext) (StepResult, error) {
		return Done(Values{"from": "b"}), nil
	}, Params("x"))

	r, err := g.Runner("")
	if err != nil {
		t.Fatalf("Runner failed: %v", err)
	}
	if r.Start() != "a" {
		t.Errorf("expected start a, got %s", r.Start())
	}
	if diff := cmp.Diff([]string{"article"}, r.Params()); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	rb, err := g.Runner("b")
	if err != nil {
		t.Fatalf("Runner(b) failed: %v", err)
	}
	res, err := rb.Run(context.Background(), Values{"x": 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(Values{"from": "b"}, res.Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}
