package model

import (
	"context"
	"slices"
	"sync"
)

// MockChatModel is a ChatModel for tests.
//
// Each call returns the next entry of Responses; once they are used up the
// last one repeats. Err, when set, is returned instead.
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: "first"}, {Text: "second"}},
//	}
type MockChatModel struct {
	Responses []ChatOut
	Err       error

	// Reply, when set, computes the response from the messages and takes
	// precedence over Responses.
	Reply func(messages []Message) (ChatOut, error)

	mu        sync.Mutex
	calls     [][]Message
	callIndex int
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, slices.Clone(messages))

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.Reply != nil {
		return m.Reply(messages)
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Calls returns the messages of every call so far.
func (m *MockChatModel) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns the number of calls so far.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the call history and rewinds Responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
