// Package emit provides event emission and observability for step-graph runs.
package emit

// Emitter receives observability events from graph execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files
//   - Distributed tracing: OpenTelemetry
//   - In-memory history for tests and dashboards
//
// Implementations must be safe for concurrent use: several runs of the same
// graph may emit at once. Emit must not block the run for long and must not
// panic; delivery failures are the emitter's own concern.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans every event out to a list of emitters in order.
type MultiEmitter []Emitter

// Emit forwards the event to each non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
