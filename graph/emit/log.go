package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[step_start] runID=7c9e... seq=1 step=extract
//
// Example JSON output:
//
//	{"runID":"7c9e...","seq":1,"step":"extract","msg":"step_start","meta":null}
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter writing to writer. A nil writer
// defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
//
// Each event is written as a single line so concurrent runs never
// interleave partial records.
func (l *LogEmitter) Emit(event Event) {
	var line []byte
	if l.jsonMode {
		line = l.formatJSON(event)
	} else {
		line = l.formatText(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(line)
}

func (l *LogEmitter) formatJSON(event Event) []byte {
	data, err := json.Marshal(struct {
		RunID string                 `json:"runID"`
		Seq   int                    `json:"seq"`
		Step  string                 `json:"step"`
		Msg   string                 `json:"msg"`
		Meta  map[string]interface{} `json:"meta"`
	}{
		RunID: event.RunID,
		Seq:   event.Seq,
		Step:  event.Step,
		Msg:   event.Msg,
		Meta:  event.Meta,
	})
	if err != nil {
		return []byte(fmt.Sprintf("{\"error\":\"failed to marshal event: %v\"}\n", err))
	}
	return append(data, '\n')
}

func (l *LogEmitter) formatText(event Event) []byte {
	// Format: [msg] runID=xxx seq=N step=yyy [meta=...]
	line := fmt.Sprintf("[%s] runID=%s seq=%d step=%s", event.Msg, event.RunID, event.Seq, event.Step)

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			line += fmt.Sprintf(" meta=%s", metaJSON)
		} else {
			line += fmt.Sprintf(" meta=%v", event.Meta)
		}
	}

	return []byte(line + "\n")
}
