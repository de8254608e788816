package session

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates outbound session events.
type EventType string

const (
	EventInfo     EventType = "info"
	EventWarning  EventType = "warning"
	EventProgress EventType = "progress"
	EventAborted  EventType = "aborted"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Terminal reports whether no further events follow an event of this type.
func (t EventType) Terminal() bool {
	switch t {
	case EventAborted, EventComplete, EventError:
		return true
	}
	return false
}

// Event is one message sent to the client.
type Event struct {
	Type       EventType
	Log        string
	Message    string
	SessionID  string
	Step       int
	TotalSteps int
	Loss       float64
	Accuracy   float64
	ExitCode   *int
}

type wireEvent struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Step       *int      `json:"step,omitempty"`
	TotalSteps *int      `json:"total_steps,omitempty"`
	Loss       *float64  `json:"loss,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Log        string    `json:"log"`
}

// MarshalJSON writes only the fields that belong to the event type.
// Progress events always carry loss and accuracy, zero when unparsed.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:      e.Type,
		SessionID: e.SessionID,
		Message:   e.Message,
		ExitCode:  e.ExitCode,
		Log:       e.Log,
	}
	switch e.Type {
	case EventProgress:
		w.Step, w.TotalSteps = &e.Step, &e.TotalSteps
		w.Loss, w.Accuracy = &e.Loss, &e.Accuracy
	case EventAborted, EventComplete:
		w.Step = &e.Step
	case EventInfo, EventWarning, EventError:
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Type:      w.Type,
		Log:       w.Log,
		Message:   w.Message,
		SessionID: w.SessionID,
		ExitCode:  w.ExitCode,
	}
	if w.Step != nil {
		e.Step = *w.Step
	}
	if w.TotalSteps != nil {
		e.TotalSteps = *w.TotalSteps
	}
	if w.Loss != nil {
		e.Loss = *w.Loss
	}
	if w.Accuracy != nil {
		e.Accuracy = *w.Accuracy
	}
	return nil
}

func infoEvent(message, log string) Event {
	return Event{Type: EventInfo, Message: message, Log: log}
}

func warningEvent(message, log string) Event {
	return Event{Type: EventWarning, Message: message, Log: log}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Message: err.Error(), Log: marker + " Error: " + err.Error()}
}
