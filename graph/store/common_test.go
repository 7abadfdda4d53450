package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fullBackend is what every store under test implements.
type fullBackend interface {
	PromptBackend
	DataBackend
}

// runBackendContract exercises the behaviour every backend must share.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) fullBackend) {
	t.Helper()

	t.Run("store and get prompt by id", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		p := Prompt{ID: "p1", Name: "extract", System: "sys", User: "Extract {article}", Version: 1, TemplateVars: []string{"article"}, Active: true}
		if err := b.StorePrompt(ctx, p); err != nil {
			t.Fatalf("StorePrompt: %v", err)
		}
		got, err := b.GetPromptByID(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPromptByID: %v", err)
		}
		if diff := cmp.Diff(p, got); diff != "" {
			t.Errorf("prompt mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("duplicate prompt id", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		p := Prompt{ID: "p1", Name: "extract", Version: 1}
		if err := b.StorePrompt(ctx, p); err != nil {
			t.Fatalf("StorePrompt: %v", err)
		}
		if err := b.StorePrompt(ctx, p); !errors.Is(err, ErrDuplicateID) {
			t.Errorf("expected ErrDuplicateID, got %v", err)
		}
	})

	t.Run("missing prompt", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		if _, err := b.GetPrompt(ctx, "nope", PromptQuery{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := b.GetPromptByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := b.UpdatePrompt(ctx, Prompt{ID: "nope"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on update, got %v", err)
		}
		if err := b.DeletePrompt(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on delete, got %v", err)
		}
	})

	t.Run("version selection", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, p := range []Prompt{
			{ID: "v1", Name: "check", User: "one", Version: 1},
			{ID: "v2", Name: "check", User: "two", Version: 2, Active: true},
			{ID: "v3", Name: "check", User: "three", Version: 3},
			{ID: "other", Name: "other", Version: 7},
		} {
			if err := b.StorePrompt(ctx, p); err != nil {
				t.Fatalf("StorePrompt(%s): %v", p.ID, err)
			}
		}

		got, err := b.GetPrompt(ctx, "check", PromptQuery{})
		if err != nil {
			t.Fatalf("GetPrompt: %v", err)
		}
		if got.ID != "v2" {
			t.Errorf("expected active version v2, got %s", got.ID)
		}

		got, err = b.GetPrompt(ctx, "check", PromptQuery{Version: 3})
		if err != nil {
			t.Fatalf("GetPrompt(version 3): %v", err)
		}
		if got.User != "three" {
			t.Errorf("expected version 3, got %+v", got)
		}

		got, err = b.GetPrompt(ctx, "other", PromptQuery{})
		if err != nil {
			t.Fatalf("GetPrompt(other): %v", err)
		}
		if got.Version != 7 {
			t.Errorf("expected highest version fallback, got %d", got.Version)
		}
		if _, err := b.GetPrompt(ctx, "other", PromptQuery{ActiveOnly: true}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for active-only lookup, got %v", err)
		}
	})

	t.Run("update list delete", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, p := range []Prompt{
			{ID: "b1", Name: "b", Version: 1},
			{ID: "a2", Name: "a", Version: 2},
			{ID: "a1", Name: "a", Version: 1},
		} {
			if err := b.StorePrompt(ctx, p); err != nil {
				t.Fatalf("StorePrompt: %v", err)
			}
		}

		if err := b.UpdatePrompt(ctx, Prompt{ID: "b1", Name: "b", User: "updated", Version: 1, Active: true}); err != nil {
			t.Fatalf("UpdatePrompt: %v", err)
		}
		got, err := b.GetPrompt(ctx, "b", PromptQuery{ActiveOnly: true})
		if err != nil {
			t.Fatalf("GetPrompt: %v", err)
		}
		if got.User != "updated" {
			t.Errorf("expected updated prompt, got %+v", got)
		}

		list, err := b.ListPrompts(ctx)
		if err != nil {
			t.Fatalf("ListPrompts: %v", err)
		}
		var ids []string
		for _, p := range list {
			ids = append(ids, p.ID)
		}
		if diff := cmp.Diff([]string{"a1", "a2", "b1"}, ids); diff != "" {
			t.Errorf("list order mismatch (-want +got):\n%s", diff)
		}

		if err := b.DeletePrompt(ctx, "a1"); err != nil {
			t.Fatalf("DeletePrompt: %v", err)
		}
		list, err = b.ListPrompts(ctx)
		if err != nil {
			t.Fatalf("ListPrompts: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("expected 2 prompts after delete, got %d", len(list))
		}
	})

	t.Run("run data round trip", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec := RunData{
			StepRunID:     "r1",
			RunID:         "run-a",
			StepName:      "extract",
			RunTime:       time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
			ExecutionTime: 1500 * time.Millisecond,
			Model:         "gpt-4o-mini",
			Status:        StatusSuccess,
			Prompt:        &Prompt{ID: "p1", Name: "extract", System: "sys", Version: 1, TemplateVars: []string{}},
			Input:         map[string]any{"article": "text"},
			Output:        map[string]any{"facts": "f"},
		}
		if err := b.StoreRun(ctx, rec); err != nil {
			t.Fatalf("StoreRun: %v", err)
		}
		got, err := b.GetRun(ctx, "r1")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Errorf("run data mismatch (-want +got):\n%s", diff)
		}

		if err := b.StoreRun(ctx, rec); !errors.Is(err, ErrDuplicateID) {
			t.Errorf("expected ErrDuplicateID, got %v", err)
		}
		if _, err := b.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list runs filters and order", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		records := []RunData{
			{StepRunID: "1", RunID: "a", StepName: "extract", Status: StatusSuccess},
			{StepRunID: "2", RunID: "b", StepName: "extract", Status: StatusSuccess},
			{StepRunID: "3", RunID: "a", StepName: "check", Status: StatusFailed, Error: "boom"},
			{StepRunID: "4", RunID: "a", StepName: "check", Status: StatusSuccess},
		}
		for _, r := range records {
			r.RunTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			if err := b.StoreRun(ctx, r); err != nil {
				t.Fatalf("StoreRun(%s): %v", r.StepRunID, err)
			}
		}

		tests := []struct {
			name   string
			filter RunFilter
			want   []string
		}{
			{"all", RunFilter{}, []string{"1", "2", "3", "4"}},
			{"by run", RunFilter{RunID: "a"}, []string{"1", "3", "4"}},
			{"by step", RunFilter{StepName: "check"}, []string{"3", "4"}},
			{"run and step", RunFilter{RunID: "a", StepName: "extract"}, []string{"1"}},
			{"limit", RunFilter{RunID: "a", Limit: 2}, []string{"1", "3"}},
			{"none", RunFilter{RunID: "zzz"}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				runs, err := b.ListRuns(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListRuns: %v", err)
				}
				ids := []string{}
				for _, r := range runs {
					ids = append(ids, r.StepRunID)
				}
				if diff := cmp.Diff(tt.want, ids); diff != "" {
					t.Errorf("ids mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})
}
