package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownModel is returned when no provider serves a model name.
var ErrUnknownModel = errors.New("no provider for model")

// Factory builds the adapter for one model name.
type Factory func(modelName string) (ChatModel, error)

// Router resolves model names to adapters by name prefix.
//
// Adapters are built on first use and cached per model name. The longest
// matching prefix wins, so "gpt-4o" can be routed differently from "gpt-".
//
// Example:
//
//	r := model.NewRouter()
//	r.Register("gpt-", func(name string) (model.ChatModel, error) {
//	    return openai.NewChatModel(key, name), nil
//	})
//	out, err := r.Chat(ctx, sc.Model, msgs)
type Router struct {
	mu        sync.Mutex
	factories map[string]Factory
	models    map[string]ChatModel
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		factories: make(map[string]Factory),
		models:    make(map[string]ChatModel),
	}
}

// Register routes model names starting with prefix to f. An empty prefix
// matches every name.
func (r *Router) Register(prefix string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[prefix] = f
}

// Set routes exactly modelName to m.
func (r *Router) Set(modelName string, m ChatModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[modelName] = m
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Router) Prefixes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the adapter for modelName.
func (r *Router) Resolve(modelName string) (ChatModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.models[modelName]; ok {
		return m, nil
	}

	best, found := "", false
	for prefix := range r.factories {
		if strings.HasPrefix(modelName, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelName)
	}

	m, err := r.factories[best](modelName)
	if err != nil {
		return nil, fmt.Errorf("build model %q: %w", modelName, err)
	}
	r.models[modelName] = m
	return m, nil
}

// Chat resolves modelName and sends messages to it.
func (r *Router) Chat(ctx context.Context, modelName string, messages []Message) (ChatOut, error) {
	m, err := r.Resolve(modelName)
	if err != nil {
		return ChatOut{}, err
	}
	return m.Chat(ctx, messages)
}
