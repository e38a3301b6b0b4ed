package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeLog        EventType = "log"
	EventTypeResult     EventType = "result"
	EventTypeStepStatus EventType = "step_status"
	EventTypeRunStatus  EventType = "run_status"
	EventTypeProgress   EventType = "progress"
	EventTypeError      EventType = "error"
	EventTypeStreamEnd  EventType = "stream_end"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event represents a single event in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	StepID    string          `json:"step_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	StepID string      `json:"step_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// LogEvent represents the data payload for log events.
type LogEvent struct {
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// StepStatusEvent represents the data payload for step transitions.
type StepStatusEvent struct {
	Status  StepStatus `json:"status"`
	Attempt int        `json:"attempt,omitempty"`
	Reason  SkipReason `json:"reason,omitempty"`
	Error   *StepError `json:"error,omitempty"`
}

// RunStatusEvent represents the data payload for run status change events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ProgressEvent represents the data payload for progress events.
type ProgressEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// ResultLine is the NDJSON record a step process prints to report its
// output. Checks additionally set Passed.
type ResultLine struct {
	Type   EventType       `json:"type"`
	Passed *bool           `json:"passed,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ParseNDJSON attempts to parse a line of NDJSON from a step's stdout.
// Returns the event type and parsed data, or an error.
func ParseNDJSON(line []byte) (*EventInput, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	eventType := EventTypeLog
	if t, ok := raw["type"].(string); ok {
		eventType = EventType(t)
	}

	return &EventInput{
		Type: eventType,
		Data: raw,
	}, nil
}
