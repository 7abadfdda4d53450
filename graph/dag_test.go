package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGraph_Order(t *testing.T) {
	noop := func(_ context.Context, sc StepContext) (StepResult, error) { return Done(nil), nil }

	t.Run("registration order without dependencies", func(t *testing.T) {
		g := newTestGraph(t)
		for _, n := range []string{"c", "a", "b"} {
			mustRegister(t, g, n, noop)
		}
		order, err := g.Order()
		if err != nil {
			t.Fatalf("Order failed: %v", err)
		}
		if diff := cmp.Diff([]string{"c", "a", "b"}, order); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("dependencies first", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "summarize", noop, DependsOn("check"))
		mustRegister(t, g, "check", noop, DependsOn("extract"))
		mustRegister(t, g, "extract", noop, Entry())
		order, err := g.Order()
		if err != nil {
			t.Fatalf("Order failed: %v", err)
		}
		if diff := cmp.Diff([]string{"extract", "check", "summarize"}, order); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop, DependsOn("b"), Entry())
		mustRegister(t, g, "b", noop, DependsOn("a"))
		_, err := g.Order()
		if !errors.Is(err, ErrCyclicDependency) {
			t.Errorf("expected ErrCyclicDependency, got %v", err)
		}
		if _, err := g.Runner(""); !errors.Is(err, ErrCyclicDependency) {
			t.Errorf("expected Runner to reject cycle, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop, DependsOn("ghost"))
		if _, err := g.Order(); !errors.Is(err, ErrMissingDependency) {
			t.Errorf("expected ErrMissingDependency, got %v", err)
		}
	})

	t.Run("self", func(t *testing.T) {
		g := newTestGraph(t)
		mustRegister(t, g, "a", noop, DependsOn("a"))
		_, err := g.Order()
		if !errors.Is(err, ErrSelfDependency) {
			t.Errorf("expected ErrSelfDependency, got %v", err)
		}
		if code := engineCode(err); code != "SELF_DEPENDENCY" {
			t.Errorf("expected SELF_DEPENDENCY, got %q", code)
		}
	})
}
