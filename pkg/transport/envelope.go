// Package transport moves operator events over NATS. Inputs arrive as JSON
// envelopes on per-input subjects, outputs and terminal events leave the same way.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/operator"
)

// Param is one ordered metadata entry on the wire
type Param struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Envelope is the wire form of an input or output sample. A nil Data means no
// payload; JSON carries it as base64.
type Envelope struct {
	ID       string  `json:"id"`
	Metadata []Param `json:"metadata,omitempty"`
	Data     []byte  `json:"data"`
}

// Status is the wire form of a terminal event
type Status struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal event names used in Status.Event
const (
	EventFinished = "finished"
	EventError    = "error"
	EventPanic    = "panic"
)

// DecodeInput parses an input envelope. inputID is used when the envelope does
// not name its input.
func DecodeInput(inputID string, body []byte) (operator.InputEvent, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return operator.InputEvent{}, fmt.Errorf("invalid input envelope: %w", err)
	}
	if env.ID == "" {
		env.ID = inputID
	}
	if env.ID == "" {
		return operator.InputEvent{}, fmt.Errorf("input envelope has no id")
	}

	keys := make([]string, 0, len(env.Metadata))
	values := make(map[string]any, len(env.Metadata))
	for _, p := range env.Metadata {
		if _, dup := values[p.Key]; !dup {
			keys = append(keys, p.Key)
		}
		values[p.Key] = p.Value
	}
	md, err := operator.ParseMetadata(keys, values)
	if err != nil {
		return operator.InputEvent{}, fmt.Errorf("invalid input metadata: %w", err)
	}

	return operator.InputEvent{InputID: env.ID, Metadata: md, Data: env.Data}, nil
}

// EncodeOutput renders an output event as an envelope
func EncodeOutput(ev operator.OutputEvent) ([]byte, error) {
	env := Envelope{ID: ev.OutputID, Data: ev.Data}
	for _, p := range ev.Metadata.Parameters() {
		env.Metadata = append(env.Metadata, Param{Key: p.Key, Value: p.Value})
	}
	return json.Marshal(env)
}

// EncodeTerminal renders a terminal event as a Status
func EncodeTerminal(ev operator.OperatorEvent) ([]byte, error) {
	var st Status
	switch ev := ev.(type) {
	case operator.FinishedEvent:
		st = Status{Event: EventFinished, Reason: ev.Reason.String()}
	case operator.ErrorEvent:
		st = Status{Event: EventError, Error: ev.Err.Error()}
	case operator.PanicEvent:
		st = Status{Event: EventPanic, Error: fmt.Sprint(ev.Value)}
	default:
		return nil, fmt.Errorf("not a terminal event: %T", ev)
	}
	return json.Marshal(st)
}
