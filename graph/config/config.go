// Package config loads a flow's YAML configuration and wires the stores,
// graph options, emitter and model router it describes.
//
// Example file:
//
//	name: facts
//	available_models: [gpt-4o-mini, claude-3-5-haiku-latest]
//	storage:
//	  backend: sqlite
//	  path: promptflow.db
//	limits:
//	  max_steps: 200
//	log:
//	  format: json
//	prompts:
//	  - name: extract_facts
//	    system: You extract facts.
//	    user: "Extract facts from: {article}"
//	providers:
//	  openai:
//	    enabled: true
//	    api_key_env: OPENAI_API_KEY
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	yaml "go.yaml.in/yaml/v2"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level YAML document.
type Config struct {
	Name            string       `yaml:"name"`
	AvailableModels []string     `yaml:"available_models"`
	Storage         Storage      `yaml:"storage"`
	Limits          Limits       `yaml:"limits"`
	Log             Log          `yaml:"log"`
	Prompts         []PromptSeed `yaml:"prompts"`
	Providers       Providers    `yaml:"providers"`
}

// Storage selects where prompts and run records live.
type Storage struct {
	// Backend is one of memory, sqlite, mysql, postgres, redis.
	// Default: memory.
	Backend string `yaml:"backend"`

	Path     string `yaml:"path"` // sqlite
	DSN      string `yaml:"dsn"`  // mysql, postgres
	Addr     string `yaml:"addr"` // redis
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Limits bounds run execution. Unset values keep the graph defaults; 0
// disables a limit.
type Limits struct {
	MaxSteps *int `yaml:"max_steps"`
	MaxDepth *int `yaml:"max_depth"`
}

// Log configures the event log.
type Log struct {
	// Format is text, json or none. Default: text.
	Format string `yaml:"format"`
}

// PromptSeed is a prompt stored on Open when its name has no version yet.
type PromptSeed struct {
	Name         string   `yaml:"name"`
	System       string   `yaml:"system"`
	User         string   `yaml:"user"`
	TemplateVars []string `yaml:"template_vars"`
}

// Providers configures the LLM providers the model router may use.
type Providers struct {
	OpenAI    Provider `yaml:"openai"`
	Anthropic Provider `yaml:"anthropic"`
	Google    Provider `yaml:"google"`
}

// Provider configures one LLM provider.
type Provider struct {
	Enabled bool `yaml:"enabled"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint (openai, anthropic).
	BaseURL string `yaml:"base_url"`

	// Prefixes are the model name prefixes routed to the provider.
	// Defaults depend on the provider.
	Prefixes []string `yaml:"prefixes"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML, applies defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Providers.OpenAI.APIKeyEnv == "" {
		c.Providers.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Providers.Anthropic.APIKeyEnv == "" {
		c.Providers.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Providers.Google.APIKeyEnv == "" {
		c.Providers.Google.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if len(c.Providers.OpenAI.Prefixes) == 0 {
		c.Providers.OpenAI.Prefixes = []string{"gpt-", "o1", "o3", "o4"}
	}
	if len(c.Providers.Anthropic.Prefixes) == 0 {
		c.Providers.Anthropic.Prefixes = []string{"claude-"}
	}
	if len(c.Providers.Google.Prefixes) == 0 {
		c.Providers.Google.Prefixes = []string{"gemini-"}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return invalid("storage.path is required for sqlite")
		}
	case BackendMySQL, BackendPostgres:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for %s", c.Storage.Backend)
		}
	case BackendRedis:
		if c.Storage.Addr == "" {
			return invalid("storage.addr is required for redis")
		}
	default:
		return invalid("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Limits.MaxSteps != nil && *c.Limits.MaxSteps < 0 {
		return invalid("limits.max_steps must be >= 0")
	}
	if c.Limits.MaxDepth != nil && *c.Limits.MaxDepth < 0 {
		return invalid("limits.max_depth must be >= 0")
	}

	switch c.Log.Format {
	case "text", "json", "none":
	default:
		return invalid("unknown log format %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Prompts))
	for i, p := range c.Prompts {
		if p.Name == "" {
			return invalid("prompts[%d]: name is required", i)
		}
		if seen[p.Name] {
			return invalid("prompts[%d]: duplicate prompt %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	for i, m := range c.AvailableModels {
		if m == "" {
			return invalid("available_models[%d] is empty", i)
		}
		if slices.Contains(c.AvailableModels[:i], m) {
			return invalid("available_models: duplicate %q", m)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
