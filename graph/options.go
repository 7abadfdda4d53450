package graph

import (
	"context"
	"fmt"

	"github.com/dshills/promptflow-go/graph/emit"
	"github.com/dshills/promptflow-go/graph/store"
)

// PromptSource serves prompts to steps. GetPrompt must not fail; a source
// with nothing stored under name returns a placeholder.
//
// *store.PromptStore implements it.
type PromptSource interface {
	GetPrompt(ctx context.Context, name string) store.Prompt
}

// PromptVersioner is implemented by prompt sources that can store a new
// active prompt version. Step.SetPrompt requires it.
type PromptVersioner interface {
	NewVersion(ctx context.Context, p store.Prompt) (store.Prompt, error)
}

// RunSink receives one record per step invocation. Failures are reported
// as events and never fail the run.
//
// *store.DataStore implements it.
type RunSink interface {
	StoreRun(ctx context.Context, r store.RunData) error
}

// Default execution limits.
const (
	DefaultMaxSteps = 1000
	DefaultMaxDepth = 64
)

// Option is a functional option for configuring a Graph.
//
// Example:
//
//	g, err := graph.New("facts",
//	    graph.WithPromptStore(prompts),
//	    graph.WithDataStore(runs),
//	    graph.WithAvailableModels("gpt-4o-mini", "claude-3-5-haiku-latest"),
//	    graph.WithMaxSteps(200),
//	)
type Option func(*graphConfig) error

// graphConfig collects options before they are applied to a Graph.
type graphConfig struct {
	prompts  PromptSource
	sink     RunSink
	models   []string
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	maxSteps int
	maxDepth int
}

func defaultConfig() graphConfig {
	return graphConfig{
		emitter:  emit.NewNullEmitter(),
		maxSteps: DefaultMaxSteps,
		maxDepth: DefaultMaxDepth,
	}
}

// WithPromptStore sets where steps with a prompt name fetch their prompt.
//
// Default: none. Steps with a prompt name then receive a placeholder
// prompt ("You are a helpful assistant.", empty user prompt, version 1).
func WithPromptStore(ps PromptSource) Option {
	return func(cfg *graphConfig) error {
		cfg.prompts = ps
		return nil
	}
}

// WithDataStore sets where step invocation records are written.
//
// Default: none, records are not kept.
func WithDataStore(sink RunSink) Option {
	return func(cfg *graphConfig) error {
		cfg.sink = sink
		return nil
	}
}

// WithAvailableModels lists the models steps may be switched to with
// Step.SetModel. An empty list allows any model.
func WithAvailableModels(models ...string) Option {
	return func(cfg *graphConfig) error {
		cfg.models = append([]string(nil), models...)
		return nil
	}
}

// WithEmitter sets the observability event receiver.
//
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *graphConfig) error {
		if e == nil {
			return fmt.Errorf("emitter cannot be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	g, _ := graph.New("facts", graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *graphConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithMaxSteps limits how many step executions one run may perform.
//
// Default: DefaultMaxSteps. Zero disables the limit. Runtime routing allows
// loops (a step may route back to an earlier one); when the limit is hit,
// Run returns an EngineError with code "MAX_STEPS_EXCEEDED".
func WithMaxSteps(n int) Option {
	return func(cfg *graphConfig) error {
		if n < 0 {
			return fmt.Errorf("max steps must be >= 0, got %d", n)
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithMaxDepth limits how deeply branches may nest.
//
// Default: DefaultMaxDepth. Zero disables the limit.
func WithMaxDepth(n int) Option {
	return func(cfg *graphConfig) error {
		if n < 0 {
			return fmt.Errorf("max depth must be >= 0, got %d", n)
		}
		cfg.maxDepth = n
		return nil
	}
}
