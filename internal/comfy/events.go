package comfy

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a message kind on the backend event channel.
type EventType string

const (
	// EventProgress reports sampler progress as value out of max.
	EventProgress EventType = "progress"
	// EventExecuting reports the stage currently running; a nil node means
	// the whole graph finished executing.
	EventExecuting EventType = "executing"
	// EventExecutionError reports a failed graph execution.
	EventExecutionError EventType = "execution_error"
)

// Event is one typed message from the backend channel. Exactly one of the
// data fields matching Type is set; frame kinds outside the closed set above
// are dropped before they reach consumers.
type Event struct {
	Type      EventType
	Progress  *ProgressData
	Executing *ExecutingData
	ExecError *ExecutionErrorData
}

// ProgressData carries sampler progress counters.
type ProgressData struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// Percent converts the raw counters to a 0-100 value.
func (p ProgressData) Percent() int {
	if p.Max <= 0 {
		return 0
	}
	return int(float64(p.Value)/float64(p.Max)*100 + 0.5)
}

// ExecutingData names the stage the backend is running. Node is nil once no
// further stage is pending.
type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// Done reports whether this event marks the end of graph execution.
func (e ExecutingData) Done() bool {
	return e.Node == nil
}

// ExecutionErrorData carries the backend's failure description.
type ExecutionErrorData struct {
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

// Message returns the human-readable failure text, with a fallback when the
// backend sent none.
func (e ExecutionErrorData) Message() string {
	if e.ExceptionMessage != "" {
		return e.ExceptionMessage
	}
	return "execution error"
}

// wireFrame is the raw envelope every channel message arrives in.
type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// parseEvent decodes a raw text frame into a typed Event. Frames of kinds
// outside the handled set return ok=false and are skipped by the session
// reader; malformed frames return an error.
func parseEvent(raw []byte) (Event, bool, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, false, fmt.Errorf("malformed event frame: %w", err)
	}

	switch EventType(frame.Type) {
	case EventProgress:
		var data ProgressData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Event{}, false, fmt.Errorf("malformed progress data: %w", err)
		}
		return Event{Type: EventProgress, Progress: &data}, true, nil

	case EventExecuting:
		var data ExecutingData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Event{}, false, fmt.Errorf("malformed executing data: %w", err)
		}
		return Event{Type: EventExecuting, Executing: &data}, true, nil

	case EventExecutionError:
		var data ExecutionErrorData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Event{}, false, fmt.Errorf("malformed execution_error data: %w", err)
		}
		return Event{Type: EventExecutionError, ExecError: &data}, true, nil
	}

	// status, execution_start, executed, crystools.monitor and friends.
	return Event{}, false, nil
}
