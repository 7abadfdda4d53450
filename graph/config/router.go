package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/dshills/promptflow-go/graph/model"
	"github.com/dshills/promptflow-go/graph/model/anthropic"
	"github.com/dshills/promptflow-go/graph/model/google"
	"github.com/dshills/promptflow-go/graph/model/openai"
)

// Router is a model router over the enabled providers. Provider models
// record their token usage in Usage.
type Router struct {
	*model.Router
	Usage *model.UsageTracker

	mu      sync.Mutex
	closers []func() error
}

// Close releases provider clients built so far.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewRouter registers a factory for every enabled provider. API keys are
// read from the environment when a model is first resolved, so a missing
// key fails that model only.
func NewRouter(ctx context.Context, cfg *Config) *Router {
	r := &Router{Router: model.NewRouter(), Usage: model.NewUsageTracker()}

	if p := cfg.Providers.OpenAI; p.Enabled {
		r.register(p, func(key, name string) (model.ChatModel, error) {
			var opts []openaiopt.RequestOption
			if p.BaseURL != "" {
				opts = append(opts, openaiopt.WithBaseURL(p.BaseURL))
			}
			return openai.NewChatModel(key, name, opts...), nil
		})
	}
	if p := cfg.Providers.Anthropic; p.Enabled {
		r.register(p, func(key, name string) (model.ChatModel, error) {
			var opts []anthropicopt.RequestOption
			if p.BaseURL != "" {
				opts = append(opts, anthropicopt.WithBaseURL(p.BaseURL))
			}
			return anthropic.NewChatModel(key, name, opts...), nil
		})
	}
	if p := cfg.Providers.Google; p.Enabled {
		r.register(p, func(key, name string) (model.ChatModel, error) {
			m, err := google.NewChatModel(ctx, key, name)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			r.closers = append(r.closers, m.Close)
			r.mu.Unlock()
			return m, nil
		})
	}
	return r
}

func (r *Router) register(p Provider, build func(key, name string) (model.ChatModel, error)) {
	factory := func(name string) (model.ChatModel, error) {
		key := os.Getenv(p.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is not set", p.APIKeyEnv)
		}
		m, err := build(key, name)
		if err != nil {
			return nil, err
		}
		return model.Tracked(m, r.Usage, name), nil
	}
	for _, prefix := range p.Prefixes {
		r.Register(prefix, factory)
	}
}
