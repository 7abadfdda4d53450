package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore is a PromptBackend and DataBackend on Redis.
//
// Key layout (with the default prefix "promptflow:"):
//   - promptflow:prompt:<id>        prompt JSON
//   - promptflow:prompts            set of every prompt id
//   - promptflow:prompts:name:<n>   set of prompt ids named n
//   - promptflow:run:<id>           run record JSON
//   - promptflow:runs               list of step run ids in insertion order
//   - promptflow:runs:run:<runID>   list of step run ids of one run
type RedisStore struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore connects to the Redis server at address.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	return NewRedisStoreFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewRedisStoreFromClient creates a store on an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "promptflow:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) promptKey(id string) string    { return s.prefix + "prompt:" + id }
func (s *RedisStore) promptsKey() string            { return s.prefix + "prompts" }
func (s *RedisStore) promptNameKey(n string) string { return s.prefix + "prompts:name:" + n }
func (s *RedisStore) runKey(id string) string       { return s.prefix + "run:" + id }
func (s *RedisStore) runsKey() string               { return s.prefix + "runs" }
func (s *RedisStore) runsOfKey(runID string) string { return s.prefix + "runs:run:" + runID }

// StorePrompt implements PromptBackend.
func (s *RedisStore) StorePrompt(ctx context.Context, p Prompt) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal prompt: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.promptKey(p.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store prompt in redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("prompt %s: %w", p.ID, ErrDuplicateID)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.promptsKey(), p.ID)
	pipe.SAdd(ctx, s.promptNameKey(p.Name), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index prompt in redis: %w", err)
	}
	return nil
}

// UpdatePrompt implements PromptBackend.
func (s *RedisStore) UpdatePrompt(ctx context.Context, p Prompt) error {
	old, err := s.GetPromptByID(ctx, p.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal prompt: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.promptKey(p.ID), data, 0)
	if old.Name != p.Name {
		pipe.SRem(ctx, s.promptNameKey(old.Name), p.ID)
		pipe.SAdd(ctx, s.promptNameKey(p.Name), p.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update prompt in redis: %w", err)
	}
	return nil
}

// GetPrompt implements PromptBackend.
func (s *RedisStore) GetPrompt(ctx context.Context, name string, q PromptQuery) (Prompt, error) {
	ids, err := s.client.SMembers(ctx, s.promptNameKey(name)).Result()
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to read prompt index: %w", err)
	}
	candidates, err := s.loadPrompts(ctx, ids)
	if err != nil {
		return Prompt{}, err
	}
	p, ok := selectPrompt(candidates, q)
	if !ok {
		return Prompt{}, ErrNotFound
	}
	return p, nil
}

// GetPromptByID implements PromptBackend.
func (s *RedisStore) GetPromptByID(ctx context.Context, id string) (Prompt, error) {
	val, err := s.client.Get(ctx, s.promptKey(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return Prompt{}, ErrNotFound
		}
		return Prompt{}, fmt.Errorf("failed to get prompt from redis: %w", err)
	}
	var p Prompt
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return Prompt{}, fmt.Errorf("failed to unmarshal prompt: %w", err)
	}
	return p, nil
}

// ListPrompts implements PromptBackend.
func (s *RedisStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	ids, err := s.client.SMembers(ctx, s.promptsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt index: %w", err)
	}
	prompts, err := s.loadPrompts(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortPrompts(prompts)
	return prompts, nil
}

// DeletePrompt implements PromptBackend.
func (s *RedisStore) DeletePrompt(ctx context.Context, id string) error {
	p, err := s.GetPromptByID(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.promptKey(id))
	pipe.SRem(ctx, s.promptsKey(), id)
	pipe.SRem(ctx, s.promptNameKey(p.Name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete prompt from redis: %w", err)
	}
	return nil
}

func (s *RedisStore) loadPrompts(ctx context.Context, ids []string) ([]Prompt, error) {
	prompts := []Prompt{}
	if len(ids) == 0 {
		return prompts, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.promptKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts from redis: %w", err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between index read and load
		}
		var p Prompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, nil
}

// StoreRun implements DataBackend.
func (s *RedisStore) StoreRun(ctx context.Context, r RunData) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run data: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.runKey(r.StepRunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store run data in redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s: %w", r.StepRunID, ErrDuplicateID)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.runsKey(), r.StepRunID)
	if r.RunID != "" {
		pipe.RPush(ctx, s.runsOfKey(r.RunID), r.StepRunID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index run data in redis: %w", err)
	}
	return nil
}

// GetRun implements DataBackend.
func (s *RedisStore) GetRun(ctx context.Context, stepRunID string) (RunData, error) {
	val, err := s.client.Get(ctx, s.runKey(stepRunID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return RunData{}, ErrNotFound
		}
		return RunData{}, fmt.Errorf("failed to get run data from redis: %w", err)
	}
	var r RunData
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return RunData{}, fmt.Errorf("failed to unmarshal run data: %w", err)
	}
	return r, nil
}

// ListRuns implements DataBackend.
func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunData, error) {
	index := s.runsKey()
	if filter.RunID != "" {
		index = s.runsOfKey(filter.RunID)
	}
	ids, err := s.client.LRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}

	runs := []RunData{}
	if len(ids) == 0 {
		return runs, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load run data from redis: %w", err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r RunData
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run data: %w", err)
		}
		if !filter.matches(r) {
			continue
		}
		runs = append(runs, r)
		if filter.Limit > 0 && len(runs) == filter.Limit {
			break
		}
	}
	return runs, nil
}
