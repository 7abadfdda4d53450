// Package graph runs step graphs whose routing is decided at runtime by the
// steps themselves.
//
// A Graph is a registry of named steps. Each step returns one or more
// StepResults naming the step(s) that should run next; the engine follows
// those routes, fans out over sequence inputs, merges parallel branches at
// fan-in steps and halts branches whose inputs are not yet complete.
package graph

import (
	"errors"
	"fmt"
)

// Configuration errors. They are fatal: Run returns them wrapped in an
// EngineError and stops the whole run.
var (
	// ErrMaxStepsExceeded indicates that the run executed more steps than
	// WithMaxSteps allows. This stops runaway loops such as A → B → A.
	ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

	// ErrMaxDepthExceeded indicates that nested branching went deeper than
	// WithMaxDepth allows.
	ErrMaxDepthExceeded = errors.New("execution exceeded maximum branch depth")

	ErrUnknownStep       = errors.New("unknown step")
	ErrFanModeConflict   = errors.New("step cannot both fan out and fan in")
	ErrDuplicateEntry    = errors.New("graph already has an entry step")
	ErrNoEntry           = errors.New("graph has no entry step")
	ErrNoSequenceInput   = errors.New("fan-out step received no sequence input")
	ErrAmbiguousSequence = errors.New("fan-out step received more than one sequence input")
	ErrDivergentRoutes   = errors.New("merged branches route to different steps")
	ErrInvalidRoute      = errors.New("route names both a single step and several steps")

	ErrCyclicDependency  = errors.New("cyclic dependency detected")
	ErrMissingDependency = errors.New("missing dependency")
	ErrSelfDependency    = errors.New("step cannot depend on itself")
)

// Step and collaborator errors.
var (
	// ErrStepTimeout is the cause of a failed result whose step ran past
	// its StepPolicy timeout.
	ErrStepTimeout = errors.New("step exceeded its timeout")

	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	ErrUnknownModel       = errors.New("model is not available")
	ErrNoModelParam       = errors.New("step does not take a model")
	ErrNoPromptName       = errors.New("step has no prompt")
	ErrNoPromptStore      = errors.New("graph has no writable prompt store")
)

// EngineError represents a fatal configuration or execution-limit error.
//
// Code is a stable, machine-readable identifier such as "DIVERGENT_ROUTES";
// Err is the sentinel it wraps, so errors.Is works against the Err* values.
type EngineError struct {
	Message string
	Code    string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the wrapped sentinel.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func engineError(code string, sentinel error, format string, args ...any) *EngineError {
	return &EngineError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Err:     sentinel,
	}
}

// StepError is the error carried by the StepResult of a failed invocation.
//
// A failing step never aborts the run: its result carries a StepError,
// has no next step, and is recorded in the trace and RunResult.Failures.
type StepError struct {
	// Step is the name of the step that failed.
	Step string

	// Cause is the error the step function returned, the recovered panic, or
	// ErrStepTimeout.
	Cause error
}

func (e *StepError) Error() string {
	return "step " + e.Step + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error {
	return e.Cause
}
