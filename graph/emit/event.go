package emit

// Event messages emitted by the graph engine.
const (
	MsgRunStart       = "run_start"
	MsgRunEnd         = "run_end"
	MsgStepStart      = "step_start"
	MsgStepEnd        = "step_end"
	MsgStepFailed     = "step_failed"
	MsgStepRetry      = "step_retry"
	MsgGateHalt       = "gate_halt"
	MsgFanInDeferred  = "fanin_deferred"
	MsgSinkFailed     = "sink_failed"
	MsgPromptFallback = "prompt_fallback"
	MsgPassThrough    = "pass_through_conflict"
)

// Event represents an observability event emitted during a run.
//
// Events are emitted for:
//   - Run start and end
//   - Step invocation start, end and failure
//   - Gate halts and deferred fan-in merges
//   - Best-effort persistence failures and prompt fallbacks
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Seq is the number of step executions the run had started when the
	// event was emitted. Zero for run-level events emitted before any step.
	Seq int

	// Step is the name of the step the event concerns.
	// Empty for run-level events.
	Step string

	// Msg names the event kind, one of the Msg* constants.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Invocation duration in milliseconds
	//   - "error": Error details
	//   - "result_id": Identifier of the step result
	//   - "model": Model selected for the invocation
	//   - "missing": Parameters a gate halt was waiting for
	Meta map[string]interface{}
}
