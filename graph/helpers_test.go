package graph

import (
	"context"
	"sync"

	"github.com/dshills/promptflow-go/graph/store"
)

// recordingSink collects run records in memory.
type recordingSink struct {
	mu   sync.Mutex
	runs []store.RunData
	err  error
}

func (s *recordingSink) StoreRun(_ context.Context, r store.RunData) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, r)
	return nil
}
