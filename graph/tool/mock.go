package tool

import (
	"context"
	"sync"

	"github.com/dshills/promptflow-go/graph"
)

// MockTool is a scripted Tool for tests.
//
// Each call returns the next entry of Responses, repeating the last one
// once they run out. Err, when set, is returned instead.
type MockTool struct {
	ToolName  string
	Responses []graph.Values
	Err       error

	mu        sync.Mutex
	calls     []graph.Values
	callIndex int
}

// Name returns ToolName.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call records input and returns the next scripted response.
func (m *MockTool) Call(ctx context.Context, input graph.Values) (graph.Values, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, input.Clone())
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return graph.Values{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx].Clone(), nil
}

// Calls returns the inputs of every call so far.
func (m *MockTool) Calls() []graph.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]graph.Values(nil), m.calls...)
}

// CallCount returns the number of calls so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the call history and restarts the responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
