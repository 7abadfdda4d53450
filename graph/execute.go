package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/promptflow-go/graph/emit"
	"github.com/dshills/promptflow-go/graph/store"
)

// Execute runs the step once, outside of any graph run.
//
// inputs are merged into the step's last-known inputs, so a repeated call
// may omit values that did not change. The returned slice holds one result
// per invocation: one for ordinary steps, one per sequence element for
// fan-out steps. Failed invocations are reported as results with Err set;
// the error return is reserved for configuration errors.
func (s *Step) Execute(ctx context.Context, inputs Values) ([]StepResult, error) {
	s.mu.Lock()
	merged := s.lastInputs.Clone()
	maps.Copy(merged, inputs)
	s.mu.Unlock()

	return s.execute(ctx, s.graph.newRun(), merged)
}

// execute invokes the step on the complete inputs of one run.
func (s *Step) execute(ctx context.Context, r *run, inputs Values) ([]StepResult, error) {
	s.mu.Lock()
	s.lastInputs = inputs.Clone()
	model := s.model
	onInput := slices.Clone(s.onInput)
	s.mu.Unlock()

	for _, cb := range onInput {
		cb(inputs.Clone())
	}

	var prompt *store.Prompt
	if s.promptName != "" {
		p := s.graph.prompt(ctx, s.promptName)
		prompt = &p
	}

	var results []StepResult
	if s.fansOut {
		param, items, err := s.sequenceInput(inputs)
		if err != nil {
			return nil, err
		}
		s.graph.cfg.metrics.ObserveFanOut(s.name, len(items))
		for _, item := range items {
			elem := inputs.Clone()
			elem[param] = item
			results = append(results, s.invoke(ctx, r, elem, prompt, model))
		}
	} else {
		results = []StepResult{s.invoke(ctx, r, inputs, prompt, model)}
	}

	s.mu.Lock()
	s.lastResults = slices.Clone(results)
	onOutput := slices.Clone(s.onOutput)
	s.mu.Unlock()

	for _, cb := range onOutput {
		cb(slices.Clone(results))
	}
	return results, nil
}

// sequenceInput finds the one declared parameter holding a sequence.
func (s *Step) sequenceInput(inputs Values) (string, []any, error) {
	var found []string
	for _, p := range s.params {
		if isSequence(inputs[p]) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return "", nil, engineError("NO_SEQUENCE_INPUT", ErrNoSequenceInput, "step %s", s.name)
	case 1:
		return found[0], sequenceItems(inputs[found[0]]), nil
	default:
		return "", nil, engineError("AMBIGUOUS_SEQUENCE_INPUT", ErrAmbiguousSequence, "step %s: %v", s.name, found)
	}
}

// invoke runs the step function once and turns any failure into a result.
func (s *Step) invoke(ctx context.Context, r *run, inputs Values, prompt *store.Prompt, model string) StepResult {
	sc := StepContext{
		Step:   s.name,
		RunID:  r.id,
		Inputs: inputs.Clone(),
		Prompt: prompt,
		Model:  model,
	}

	seq := r.nextSeq()
	s.graph.emit(emit.Event{RunID: r.id, Seq: seq, Step: s.name, Msg: emit.MsgStepStart, Meta: modelMeta(model)})

	start := time.Now()
	res, err := s.call(ctx, r, seq, sc)
	elapsed := time.Since(start)

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	status := store.StatusSuccess
	if err != nil {
		res = StepResult{ID: res.ID, Err: &StepError{Step: s.name, Cause: err}}
		status = store.StatusFailed
	} else if res.Outputs == nil {
		res.Outputs = Values{}
	}

	label := string(status)
	if isTimeout(err) {
		label = "timeout"
	}
	s.graph.cfg.metrics.RecordStep(s.name, label, elapsed)

	meta := map[string]interface{}{
		"result_id":   res.ID,
		"duration_ms": elapsed.Milliseconds(),
	}
	if model != "" {
		meta["model"] = model
	}
	if res.Err != nil {
		meta["error"] = res.Err.Error()
		s.graph.emit(emit.Event{RunID: r.id, Seq: seq, Step: s.name, Msg: emit.MsgStepFailed, Meta: meta})
	} else {
		s.graph.emit(emit.Event{RunID: r.id, Seq: seq, Step: s.name, Msg: emit.MsgStepEnd, Meta: meta})
	}

	s.report(ctx, r, seq, store.RunData{
		StepRunID:     res.ID,
		RunID:         r.id,
		StepName:      s.name,
		RunTime:       start,
		ExecutionTime: elapsed,
		Model:         model,
		Status:        status,
		Prompt:        prompt,
		Input:         inputs.Clone(),
		Output:        res.Outputs.Clone(),
		Error:         errorString(res.Err),
	})
	return res
}

// call applies the step's retry policy around attempt.
func (s *Step) call(ctx context.Context, r *run, seq int, sc StepContext) (StepResult, error) {
	attempts := 1
	if rp := s.policy.Retry; rp != nil && rp.MaxAttempts > 1 {
		attempts = rp.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, s.policy.Retry.BaseDelay, s.policy.Retry.MaxDelay, nil)
			s.graph.cfg.metrics.IncRetries(s.name)
			s.graph.emit(emit.Event{RunID: r.id, Seq: seq, Step: s.name, Msg: emit.MsgStepRetry, Meta: map[string]interface{}{
				"attempt": attempt,
				"error":   lastErr.Error(),
			}})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return StepResult{}, ctx.Err()
			}
		}

		res, err := s.attempt(ctx, sc)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !s.policy.retryable(err) {
			break
		}
	}
	return StepResult{}, lastErr
}

// report hands the invocation record to the data sink. Sink failures are
// emitted and counted but never fail the step.
func (s *Step) report(ctx context.Context, r *run, seq int, rec store.RunData) {
	sink := s.graph.cfg.sink
	if sink == nil {
		return
	}
	if err := sink.StoreRun(ctx, rec); err != nil {
		s.graph.cfg.metrics.IncSinkFailures(s.name)
		s.graph.emit(emit.Event{RunID: r.id, Seq: seq, Step: s.name, Msg: emit.MsgSinkFailed, Meta: map[string]interface{}{
			"result_id": rec.StepRunID,
			"error":     err.Error(),
		}})
	}
}

// prompt fetches the current version of a named prompt.
func (g *Graph) prompt(ctx context.Context, name string) store.Prompt {
	if g.cfg.prompts == nil {
		g.emit(emit.Event{Msg: emit.MsgPromptFallback, Meta: map[string]interface{}{"prompt": name}})
		return store.PlaceholderPrompt(name)
	}
	return g.cfg.prompts.GetPrompt(ctx, name)
}

func modelMeta(model string) map[string]interface{} {
	if model == "" {
		return nil
	}
	return map[string]interface{}{"model": model}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// panicError wraps a value recovered from a panicking step.
func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}

// isTimeout reports whether err came from an expired step deadline.
func isTimeout(err error) bool {
	return errors.Is(err, ErrStepTimeout)
}
