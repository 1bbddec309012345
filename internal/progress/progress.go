// Package progress delivers pipeline notifications to interested sinks.
// Every sink is safe for concurrent use and never blocks the pipeline.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/youruser/patchwork/internal/logging"
)

var log = logging.Get()

// EventType names a notification.
type EventType string

const (
	EventProgress   EventType = "progress"
	EventStepStatus EventType = "step_status"
	EventFile       EventType = "file"
	EventSummary    EventType = "summary"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Notifier receives pipeline notifications for a task.
type Notifier interface {
	Notify(taskID string, event EventType, payload any)
}

// Progress reports a free-form status line, optionally with a position.
type Progress struct {
	Message string `json:"message"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// Step status values. A step reports StepStarted once, then one of the
// other two.
const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepError     = "error"
)

// StepStatus reports a plan step starting or finishing. Phase is the
// step's internal state at that moment.
type StepStatus struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	State string `json:"state"`
	Phase string `json:"phase,omitempty"`
	Error string `json:"error,omitempty"`
}

// File reports one file written by a step.
type File struct {
	Step      int    `json:"step"`
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

// Complete reports the end of a task.
type Complete struct {
	Files   int     `json:"files"`
	Failed  int     `json:"failed_steps"`
	Partial bool    `json:"partial"`
	Tokens  int     `json:"tokens"`
	Cost    float64 `json:"cost"`
}

// Error reports a task aborted by an error.
type Error struct {
	Message string `json:"message"`
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, EventType, any) {}

// Log writes notifications to the debug log.
type Log struct{}

func (Log) Notify(taskID string, event EventType, payload any) {
	if !log.Enabled() {
		return
	}
	log.Debug("[%s] %s: %+v", taskID, event, payload)
}

// Event is the JSON-lines form of a notification.
type Event struct {
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id"`
	Event   EventType `json:"event"`
	Payload any       `json:"payload,omitempty"`
}

// Writer encodes each notification as one JSON line on w.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	req string
}

// NewWriter returns a sink writing to w. A non-empty requestID is attached
// to every line so clients can route events to their request.
func NewWriter(w io.Writer, requestID string) *Writer {
	return &Writer{w: w, req: requestID}
}

func (s *Writer) Notify(taskID string, event EventType, payload any) {
	line := map[string]any{
		"type":    "event",
		"task_id": taskID,
		"event":   event,
		"payload": payload,
	}
	if s.req != "" {
		line["request_id"] = s.req
	}
	out, err := json.Marshal(line)
	if err != nil {
		log.Warn("Dropping %s event for %s: %v", event, taskID, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, string(out))
}

// Multi fans a notification out to several sinks in order.
type Multi []Notifier

func (m Multi) Notify(taskID string, event EventType, payload any) {
	for _, n := range m {
		if n != nil {
			n.Notify(taskID, event, payload)
		}
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(taskID string, event EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: "event", TaskID: taskID, Event: event, Payload: payload})
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded notifications of one type.
func (r *Recorder) Of(event EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
