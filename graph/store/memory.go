package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory PromptBackend and DataBackend.
//
// Designed for:
//   - Testing and development
//   - Single-process graphs that do not need records to outlive the process
//
// MemStore is thread-safe. Its contents can be snapshotted with
// MarshalJSON and restored with UnmarshalJSON.
type MemStore struct {
	mu       sync.RWMutex
	prompts  map[string]Prompt  // id -> prompt
	runs     map[string]RunData // step run id -> record
	runOrder []string           // step run ids in insertion order
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	mem := store.NewMemStore()
//	g, _ := graph.New("facts",
//		graph.WithPromptStore(store.NewPromptStore(mem, nil)),
//		graph.WithDataStore(store.NewDataStore(mem)),
//	)
func NewMemStore() *MemStore {
	return &MemStore{
		prompts: make(map[string]Prompt),
		runs:    make(map[string]RunData),
	}
}

// StorePrompt implements PromptBackend.
func (m *MemStore) StorePrompt(_ context.Context, p Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.prompts[p.ID]; exists {
		return fmt.Errorf("prompt %s: %w", p.ID, ErrDuplicateID)
	}
	m.prompts[p.ID] = clonePrompt(p)
	return nil
}

// UpdatePrompt implements PromptBackend.
func (m *MemStore) UpdatePrompt(_ context.Context, p Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.prompts[p.ID]; !exists {
		return ErrNotFound
	}
	m.prompts[p.ID] = clonePrompt(p)
	return nil
}

// GetPrompt implements PromptBackend.
func (m *MemStore) GetPrompt(_ context.Context, name string, q PromptQuery) (Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []Prompt
	for _, p := range m.prompts {
		if p.Name == name {
			candidates = append(candidates, p)
		}
	}
	p, ok := selectPrompt(candidates, q)
	if !ok {
		return Prompt{}, ErrNotFound
	}
	return clonePrompt(p), nil
}

// GetPromptByID implements PromptBackend.
func (m *MemStore) GetPromptByID(_ context.Context, id string) (Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prompts[id]
	if !ok {
		return Prompt{}, ErrNotFound
	}
	return clonePrompt(p), nil
}

// ListPrompts implements PromptBackend.
func (m *MemStore) ListPrompts(_ context.Context) ([]Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Prompt, 0, len(m.prompts))
	for _, p := range m.prompts {
		out = append(out, clonePrompt(p))
	}
	sortPrompts(out)
	return out, nil
}

// DeletePrompt implements PromptBackend.
func (m *MemStore) DeletePrompt(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.prompts[id]; !ok {
		return ErrNotFound
	}
	delete(m.prompts, id)
	return nil
}

// StoreRun implements DataBackend.
func (m *MemStore) StoreRun(_ context.Context, r RunData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.StepRunID]; exists {
		return fmt.Errorf("run %s: %w", r.StepRunID, ErrDuplicateID)
	}
	m.runs[r.StepRunID] = r
	m.runOrder = append(m.runOrder, r.StepRunID)
	return nil
}

// GetRun implements DataBackend.
func (m *MemStore) GetRun(_ context.Context, stepRunID string) (RunData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[stepRunID]
	if !ok {
		return RunData{}, ErrNotFound
	}
	return r, nil
}

// ListRuns implements DataBackend.
func (m *MemStore) ListRuns(_ context.Context, filter RunFilter) ([]RunData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []RunData{}
	for _, id := range m.runOrder {
		r := m.runs[id]
		if !filter.matches(r) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

type memSnapshot struct {
	Prompts []Prompt  `json:"prompts"`
	Runs    []RunData `json:"runs"`
}

// MarshalJSON snapshots the store contents.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := memSnapshot{Prompts: make([]Prompt, 0, len(m.prompts)), Runs: make([]RunData, 0, len(m.runOrder))}
	for _, p := range m.prompts {
		snap.Prompts = append(snap.Prompts, p)
	}
	sortPrompts(snap.Prompts)
	for _, id := range m.runOrder {
		snap.Runs = append(snap.Runs, m.runs[id])
	}
	return json.Marshal(snap)
}

// UnmarshalJSON replaces the store contents with a snapshot.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var snap memSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal store snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = make(map[string]Prompt, len(snap.Prompts))
	for _, p := range snap.Prompts {
		m.prompts[p.ID] = p
	}
	m.runs = make(map[string]RunData, len(snap.Runs))
	m.runOrder = m.runOrder[:0]
	for _, r := range snap.Runs {
		m.runs[r.StepRunID] = r
		m.runOrder = append(m.runOrder, r.StepRunID)
	}
	return nil
}

func clonePrompt(p Prompt) Prompt {
	if p.TemplateVars != nil {
		p.TemplateVars = append([]string(nil), p.TemplateVars...)
	}
	return p
}
