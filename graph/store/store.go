// Package store provides persistence for prompts and step run records.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested prompt or run record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store is closed")

// ErrDuplicateID is returned when storing a prompt or run record whose ID is
// already present.
var ErrDuplicateID = errors.New("duplicate id")

// Prompt is a named, versioned system/user prompt pair.
//
// Several versions of the same name may exist; at most one of them is
// expected to be Active. TemplateVars lists the {placeholders} the user
// prompt expects.
type Prompt struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	System       string   `json:"system"`
	User         string   `json:"user"`
	Version      int      `json:"version"`
	TemplateVars []string `json:"template_vars"`
	Active       bool     `json:"active"`
}

// Format returns the user prompt with every {name} placeholder replaced by
// the matching entry of vars. Placeholders without a value are left as is,
// and doubled braces produce literal braces.
//
// Example:
//
//	p := store.Prompt{User: "Extract facts from: {article}"}
//	p.Format(map[string]any{"article": text})
func (p Prompt) Format(vars map[string]any) string {
	return formatTemplate(p.User, vars)
}

// FormatSystem applies the same substitution as Format to the system prompt.
func (p Prompt) FormatSystem(vars map[string]any) string {
	return formatTemplate(p.System, vars)
}

func formatTemplate(tmpl string, vars map[string]any) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				b.WriteString(tmpl[i:])
				return b.String()
			}
			name := tmpl[i+1 : i+1+end]
			if v, ok := vars[name]; ok {
				fmt.Fprint(&b, v)
			} else {
				b.WriteString(tmpl[i : i+end+2])
			}
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PromptQuery narrows a prompt lookup by name.
//
// A zero Version selects the active version, falling back to the highest
// version when none is active and ActiveOnly is false.
type PromptQuery struct {
	Version    int
	ActiveOnly bool
}

// RunStatus is the outcome of a single step invocation.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// RunData is the record of one step invocation.
//
// StepRunID equals the ID of the step result the invocation produced, so a
// record can be joined against a run trace.
type RunData struct {
	StepRunID     string         `json:"step_run_id"`
	RunID         string         `json:"run_id"`
	StepName      string         `json:"step_name"`
	RunTime       time.Time      `json:"run_time"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Model         string         `json:"model,omitempty"`
	Status        RunStatus      `json:"status"`
	Prompt        *Prompt        `json:"prompt,omitempty"`
	Input         map[string]any `json:"input_data"`
	Output        map[string]any `json:"output_data"`
	Error         string         `json:"error,omitempty"`
}

// RunFilter narrows ListRuns. Empty fields match everything; a zero Limit
// returns all matching records.
type RunFilter struct {
	RunID    string
	StepName string
	Limit    int
}

func (f RunFilter) matches(r RunData) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.StepName != "" && r.StepName != f.StepName {
		return false
	}
	return true
}

// PromptBackend persists prompts.
//
// Implementations: MemStore, SQLStore (SQLite, MySQL, PostgreSQL) and
// RedisStore. All implementations must be safe for concurrent use.
type PromptBackend interface {
	// StorePrompt inserts a new prompt. Returns ErrDuplicateID if the ID exists.
	StorePrompt(ctx context.Context, p Prompt) error

	// UpdatePrompt replaces the prompt with the same ID. Returns ErrNotFound
	// if no such prompt exists.
	UpdatePrompt(ctx context.Context, p Prompt) error

	// GetPrompt returns the version of name selected by q, or ErrNotFound.
	GetPrompt(ctx context.Context, name string, q PromptQuery) (Prompt, error)

	// GetPromptByID returns the prompt with the given ID, or ErrNotFound.
	GetPromptByID(ctx context.Context, id string) (Prompt, error)

	// ListPrompts returns every prompt ordered by name, then version.
	ListPrompts(ctx context.Context) ([]Prompt, error)

	// DeletePrompt removes the prompt with the given ID, or returns ErrNotFound.
	DeletePrompt(ctx context.Context, id string) error
}

// DataBackend persists step run records.
type DataBackend interface {
	// StoreRun inserts a run record. Returns ErrDuplicateID if StepRunID exists.
	StoreRun(ctx context.Context, r RunData) error

	// GetRun returns the record with the given step run ID, or ErrNotFound.
	GetRun(ctx context.Context, stepRunID string) (RunData, error)

	// ListRuns returns matching records in insertion order.
	ListRuns(ctx context.Context, filter RunFilter) ([]RunData, error)
}

// selectPrompt picks the version of a single prompt name according to q.
// Candidates may be in any order.
func selectPrompt(candidates []Prompt, q PromptQuery) (Prompt, bool) {
	var best Prompt
	found := false
	for _, p := range candidates {
		switch {
		case q.Version > 0:
			if p.Version == q.Version {
				return p, true
			}
		case p.Active:
			if !found || !best.Active || p.Version > best.Version {
				best, found = p, true
			}
		case !q.ActiveOnly:
			if !found || (!best.Active && p.Version > best.Version) {
				best, found = p, true
			}
		}
	}
	return best, found
}

func sortPrompts(prompts []Prompt) {
	sort.SliceStable(prompts, func(i, j int) bool {
		if prompts[i].Name != prompts[j].Name {
			return prompts[i].Name < prompts[j].Name
		}
		return prompts[i].Version < prompts[j].Version
	})
}
