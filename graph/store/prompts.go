package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/promptflow-go/graph/emit"
)

// PlaceholderPrompt is the prompt served for a name with no stored version.
func PlaceholderPrompt(name string) Prompt {
	return Prompt{
		ID:      uuid.NewString(),
		Name:    name,
		System:  "You are a helpful assistant.",
		User:    "",
		Version: 1,
		Active:  true,
	}
}

// PromptStore serves prompts to steps and manages their versions.
//
// GetPrompt never fails: when the backend has no prompt under a name, or the
// backend itself errors, a PlaceholderPrompt is returned and a
// prompt_fallback event is emitted.
type PromptStore struct {
	backend PromptBackend
	emitter emit.Emitter
}

// NewPromptStore wraps backend. A nil emitter discards fallback events.
func NewPromptStore(backend PromptBackend, emitter emit.Emitter) *PromptStore {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &PromptStore{backend: backend, emitter: emitter}
}

// Backend returns the underlying prompt backend.
func (s *PromptStore) Backend() PromptBackend {
	return s.backend
}

// GetPrompt returns the active version of name, or a placeholder.
func (s *PromptStore) GetPrompt(ctx context.Context, name string) Prompt {
	p, err := s.backend.GetPrompt(ctx, name, PromptQuery{})
	if err == nil {
		return p
	}

	meta := map[string]interface{}{"prompt": name}
	if !errors.Is(err, ErrNotFound) {
		meta["error"] = err.Error()
	}
	s.emitter.Emit(emit.Event{Msg: emit.MsgPromptFallback, Meta: meta})
	return PlaceholderPrompt(name)
}

// Lookup returns the version of name selected by q without falling back.
func (s *PromptStore) Lookup(ctx context.Context, name string, q PromptQuery) (Prompt, error) {
	return s.backend.GetPrompt(ctx, name, q)
}

// StorePrompt inserts p, assigning an ID and version 1 when unset.
func (s *PromptStore) StorePrompt(ctx context.Context, p Prompt) (Prompt, error) {
	if p.Name == "" {
		return Prompt{}, errors.New("prompt name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if err := s.backend.StorePrompt(ctx, p); err != nil {
		return Prompt{}, fmt.Errorf("store prompt %q: %w", p.Name, err)
	}
	return p, nil
}

// NewVersion stores p as the next version of its name and makes it the
// active one. Earlier versions are kept but deactivated.
func (s *PromptStore) NewVersion(ctx context.Context, p Prompt) (Prompt, error) {
	if p.Name == "" {
		return Prompt{}, errors.New("prompt name is required")
	}

	all, err := s.backend.ListPrompts(ctx)
	if err != nil {
		return Prompt{}, fmt.Errorf("list prompts: %w", err)
	}
	latest := 0
	for _, existing := range all {
		if existing.Name != p.Name {
			continue
		}
		if existing.Version > latest {
			latest = existing.Version
		}
		if existing.Active {
			existing.Active = false
			if err := s.backend.UpdatePrompt(ctx, existing); err != nil {
				return Prompt{}, fmt.Errorf("deactivate prompt %s: %w", existing.ID, err)
			}
		}
	}

	p.ID = uuid.NewString()
	p.Version = latest + 1
	p.Active = true
	if err := s.backend.StorePrompt(ctx, p); err != nil {
		return Prompt{}, fmt.Errorf("store prompt %q: %w", p.Name, err)
	}
	return p, nil
}

// Activate makes the prompt with id the active version of its name.
func (s *PromptStore) Activate(ctx context.Context, id string) error {
	target, err := s.backend.GetPromptByID(ctx, id)
	if err != nil {
		return err
	}
	all, err := s.backend.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("list prompts: %w", err)
	}
	for _, p := range all {
		if p.Name != target.Name || p.Active == (p.ID == id) {
			continue
		}
		p.Active = p.ID == id
		if err := s.backend.UpdatePrompt(ctx, p); err != nil {
			return fmt.Errorf("update prompt %s: %w", p.ID, err)
		}
	}
	return nil
}

// UpdatePrompt replaces a stored prompt in place.
func (s *PromptStore) UpdatePrompt(ctx context.Context, p Prompt) error {
	return s.backend.UpdatePrompt(ctx, p)
}

// ListPrompts returns every stored prompt ordered by name, then version.
func (s *PromptStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	return s.backend.ListPrompts(ctx)
}

// DeletePrompt removes a prompt version.
func (s *PromptStore) DeletePrompt(ctx context.Context, id string) error {
	return s.backend.DeletePrompt(ctx, id)
}

// DataStore records step invocations.
type DataStore struct {
	backend DataBackend
}

// NewDataStore wraps backend.
func NewDataStore(backend DataBackend) *DataStore {
	return &DataStore{backend: backend}
}

// StoreRun persists r, assigning a StepRunID and RunTime when unset.
func (s *DataStore) StoreRun(ctx context.Context, r RunData) error {
	if r.StepRunID == "" {
		r.StepRunID = uuid.NewString()
	}
	if r.RunTime.IsZero() {
		r.RunTime = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusSuccess
	}
	return s.backend.StoreRun(ctx, r)
}

// GetRun returns the record of one invocation.
func (s *DataStore) GetRun(ctx context.Context, stepRunID string) (RunData, error) {
	return s.backend.GetRun(ctx, stepRunID)
}

// ListRuns returns records matching filter in insertion order.
func (s *DataStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunData, error) {
	return s.backend.ListRuns(ctx, filter)
}
