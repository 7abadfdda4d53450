package config

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dshills/promptflow-go/graph"
	"github.com/dshills/promptflow-go/graph/emit"
	"github.com/dshills/promptflow-go/graph/store"
)

// Stores are the prompt and run data stores a configuration opened.
type Stores struct {
	Prompts *store.PromptStore
	Data    *store.DataStore

	closer io.Closer
}

// Close releases the storage backend.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type backend interface {
	store.PromptBackend
	store.DataBackend
}

// Open connects the configured storage backend and seeds prompts that have
// no stored version yet. emitter receives prompt fallback events; nil
// discards them.
func Open(ctx context.Context, cfg *Config, emitter emit.Emitter) (*Stores, error) {
	b, closer, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}

	stores := &Stores{
		Prompts: store.NewPromptStore(b, emitter),
		Data:    store.NewDataStore(b),
		closer:  closer,
	}
	if err := seedPrompts(ctx, stores.Prompts, cfg.Prompts); err != nil {
		_ = stores.Close()
		return nil, err
	}
	return stores, nil
}

func openBackend(s Storage) (backend, io.Closer, error) {
	switch s.Backend {
	case BackendMemory, "":
		return store.NewMemStore(), nil, nil
	case BackendSQLite:
		st, err := store.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st, nil
	case BackendMySQL:
		st, err := store.NewMySQLStore(s.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return st, st, nil
	case BackendPostgres:
		st, err := store.NewPostgresStore(s.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, st, nil
	case BackendRedis:
		var opts []store.RedisOption
		if s.Prefix != "" {
			opts = append(opts, store.WithPrefix(s.Prefix))
		}
		st := store.NewRedisStore(s.Addr, s.Password, s.DB, opts...)
		return st, st, nil
	default:
		return nil, nil, invalid("unknown storage backend %q", s.Backend)
	}
}

func seedPrompts(ctx context.Context, prompts *store.PromptStore, seeds []PromptSeed) error {
	for _, seed := range seeds {
		_, err := prompts.Lookup(ctx, seed.Name, store.PromptQuery{})
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("look up prompt %q: %w", seed.Name, err)
		}
		_, err = prompts.StorePrompt(ctx, store.Prompt{
			Name:         seed.Name,
			System:       seed.System,
			User:         seed.User,
			TemplateVars: seed.TemplateVars,
			Active:       true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GraphOptions returns the graph options the configuration implies, with
// extra appended.
func GraphOptions(cfg *Config, stores *Stores, extra ...graph.Option) []graph.Option {
	var opts []graph.Option
	if stores != nil {
		opts = append(opts, graph.WithPromptStore(stores.Prompts), graph.WithDataStore(stores.Data))
	}
	if len(cfg.AvailableModels) > 0 {
		opts = append(opts, graph.WithAvailableModels(cfg.AvailableModels...))
	}
	if cfg.Limits.MaxSteps != nil {
		opts = append(opts, graph.WithMaxSteps(*cfg.Limits.MaxSteps))
	}
	if cfg.Limits.MaxDepth != nil {
		opts = append(opts, graph.WithMaxDepth(*cfg.Limits.MaxDepth))
	}
	return append(opts, extra...)
}

// Emitter returns the event log the configuration selects, writing to w.
func (c *Config) Emitter(w io.Writer) emit.Emitter {
	switch c.Log.Format {
	case "none":
		return emit.NewNullEmitter()
	case "json":
		return emit.NewLogEmitter(w, true)
	default:
		return emit.NewLogEmitter(w, false)
	}
}
