package graph

import (
	"context"
	"slices"
	"sync"

	"github.com/dshills/promptflow-go/graph/store"
)

// Step is a registered, named unit of work.
//
// Besides the function it wraps, a step carries its declared parameters,
// its prompt and model selection, its fan mode, and the inputs and results
// of its most recent invocation. Steps are created by Graph.Register.
type Step struct {
	name  string
	fn    StepFunc
	graph *Graph

	params      []string
	promptName  string
	hasModel    bool
	entry       bool
	fansOut     bool
	fansIn      bool
	dependsOn   []string
	passThrough []string
	policy      StepPolicy

	mu          sync.Mutex
	model       string
	lastInputs  Values
	lastResults []StepResult
	onInput     []func(Values)
	onOutput    []func([]StepResult)
}

// StepOption configures a step at registration.
type StepOption func(*Step)

// Params declares the step's parameters. All of them must be present in
// the merged incoming data before the step runs.
//
// "prompt" and "model" are not real parameters: "model" is equivalent to
// ModelParam(""), "prompt" is ignored (use PromptName).
func Params(names ...string) StepOption {
	return func(s *Step) {
		for _, n := range names {
			switch n {
			case "prompt":
			case "model":
				s.hasModel = true
			default:
				if !slices.Contains(s.params, n) {
					s.params = append(s.params, n)
				}
			}
		}
	}
}

// PromptName makes the step receive the active version of the named prompt.
func PromptName(name string) StepOption {
	return func(s *Step) {
		s.promptName = name
	}
}

// ModelParam makes the step receive a model name, initially def.
func ModelParam(def string) StepOption {
	return func(s *Step) {
		s.hasModel = true
		s.model = def
	}
}

// Entry marks the step where runs start.
func Entry() StepOption {
	return func(s *Step) {
		s.entry = true
	}
}

// FanOut makes the step run once per element of its single sequence input.
func FanOut() StepOption {
	return func(s *Step) {
		s.fansOut = true
	}
}

// FanIn makes the step wait for every sibling branch and run once on their
// merged outputs.
func FanIn() StepOption {
	return func(s *Step) {
		s.fansIn = true
	}
}

// DependsOn records static dependencies, validated when a Runner is built
// and used by Graph.Order. Runtime routing ignores them.
func DependsOn(names ...string) StepOption {
	return func(s *Step) {
		s.dependsOn = append(s.dependsOn, names...)
	}
}

// PassThrough marks inputs that later steps may receive even when the
// incoming data no longer carries them. The first value seen in a run is
// kept.
func PassThrough(names ...string) StepOption {
	return func(s *Step) {
		s.passThrough = append(s.passThrough, names...)
	}
}

// WithPolicy sets the step's timeout and retry policy. Register rejects a
// negative timeout or a retry policy that fails RetryPolicy.Validate.
func WithPolicy(p StepPolicy) StepOption {
	return func(s *Step) {
		s.policy = p
	}
}

// Name returns the step name.
func (s *Step) Name() string { return s.name }

// Params returns the declared real parameters.
func (s *Step) Params() []string { return slices.Clone(s.params) }

// PromptName returns the prompt name, empty if the step has no prompt.
func (s *Step) PromptName() string { return s.promptName }

// IsEntry reports whether the step is the graph's entry.
func (s *Step) IsEntry() bool { return s.entry }

// FansOut reports whether the step fans out over a sequence input.
func (s *Step) FansOut() bool { return s.fansOut }

// FansIn reports whether the step merges sibling branches.
func (s *Step) FansIn() bool { return s.fansIn }

// DependsOn returns the declared static dependencies.
func (s *Step) DependsOn() []string { return slices.Clone(s.dependsOn) }

// TakesModel reports whether the step receives a model name.
func (s *Step) TakesModel() bool { return s.hasModel }

// Model returns the currently selected model.
func (s *Step) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Models returns the models the step may select, or nil when the step
// takes no model.
func (s *Step) Models() []string {
	if !s.hasModel {
		return nil
	}
	return slices.Clone(s.graph.cfg.models)
}

// SetModel selects the model used by later invocations. When the graph
// lists available models, model must be one of them.
func (s *Step) SetModel(model string) error {
	if !s.hasModel {
		return engineError("NO_MODEL_PARAM", ErrNoModelParam, "step %s", s.name)
	}
	if models := s.graph.cfg.models; len(models) > 0 && !slices.Contains(models, model) {
		return engineError("UNKNOWN_MODEL", ErrUnknownModel, "step %s: %s", s.name, model)
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}

// Prompt returns the step's current prompt.
func (s *Step) Prompt(ctx context.Context) (store.Prompt, error) {
	if s.promptName == "" {
		return store.Prompt{}, engineError("NO_PROMPT", ErrNoPromptName, "step %s", s.name)
	}
	return s.graph.prompt(ctx, s.promptName), nil
}

// SetPrompt stores p as the new active version of the step's prompt.
// p.Name defaults to the step's prompt name.
func (s *Step) SetPrompt(ctx context.Context, p store.Prompt) (store.Prompt, error) {
	if s.promptName == "" {
		return store.Prompt{}, engineError("NO_PROMPT", ErrNoPromptName, "step %s", s.name)
	}
	versioner, ok := s.graph.cfg.prompts.(PromptVersioner)
	if !ok {
		return store.Prompt{}, engineError("NO_PROMPT_STORE", ErrNoPromptStore, "step %s", s.name)
	}
	if p.Name == "" {
		p.Name = s.promptName
	}
	return versioner.NewVersion(ctx, p)
}

// LastInputs returns the inputs of the most recent invocation.
func (s *Step) LastInputs() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInputs.Clone()
}

// LastResults returns the results of the most recent invocation.
func (s *Step) LastResults() []StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lastResults)
}

// OnInputChange registers a callback invoked with the merged inputs before
// every invocation.
func (s *Step) OnInputChange(cb func(Values)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInput = append(s.onInput, cb)
}

// OnOutputChange registers a callback invoked with the results after every
// invocation.
func (s *Step) OnOutputChange(cb func([]StepResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutput = append(s.onOutput, cb)
}

// missingParams returns the declared parameters absent from inputs.
func (s *Step) missingParams(inputs Values) []string {
	var missing []string
	for _, p := range s.params {
		if !inputs.Has(p) {
			missing = append(missing, p)
		}
	}
	return missing
}
