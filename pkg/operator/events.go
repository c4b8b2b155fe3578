// Package operator defines the event protocol between a dataflow node runtime and
// the operator host running inside it.
//
// The node runtime feeds IncomingEvent values into a bounded channel and closes it
// once no more inputs will arrive. The host answers with OperatorEvent values:
// zero or more OutputEvent values produced by the operator, followed by exactly one
// terminal FinishedEvent, ErrorEvent or PanicEvent.
package operator

import "fmt"

// NodeID names the dataflow node that owns an operator.
type NodeID string

// OperatorID names one operator inside a node.
type OperatorID string

// IncomingEvent is an event consumed by the host's dispatch loop.
// The concrete types are InputEvent and StopEvent.
type IncomingEvent interface {
	isIncomingEvent()
}

// InputEvent carries one data sample that arrived on an input.
type InputEvent struct {
	InputID  string
	Metadata Metadata
	// Data is nil when the input carried no payload.
	Data []byte
}

// StopEvent is acknowledged by the host without any state change. It is not the
// same as closing the input channel, which signals that inputs are exhausted.
type StopEvent struct{}

func (InputEvent) isIncomingEvent() {}
func (StopEvent) isIncomingEvent()  {}

// StopReason classifies why a dispatch loop terminated normally.
type StopReason int

const (
	// InputsClosed means the input channel was exhausted without a Stop or StopAll.
	InputsClosed StopReason = iota
	// ExplicitStop means the operator asked to stop itself.
	ExplicitStop
	// ExplicitStopAll means the operator asked to stop the whole graph.
	ExplicitStopAll
)

func (r StopReason) String() string {
	switch r {
	case InputsClosed:
		return "inputs_closed"
	case ExplicitStop:
		return "explicit_stop"
	case ExplicitStopAll:
		return "explicit_stop_all"
	default:
		return fmt.Sprintf("stop_reason(%d)", int(r))
	}
}

// OperatorEvent is an event produced by the host toward the node runtime.
// The concrete types are OutputEvent, FinishedEvent, ErrorEvent and PanicEvent.
type OperatorEvent interface {
	isOperatorEvent()
}

// OutputEvent is one output emitted by the operator.
type OutputEvent struct {
	OutputID string
	Metadata Metadata
	Data     []byte
}

// FinishedEvent reports that the dispatch loop reached a normal terminal state.
type FinishedEvent struct {
	Reason StopReason
}

// ErrorEvent reports a recoverable failure. Err carries the full context chain.
type ErrorEvent struct {
	Err error
}

// PanicEvent reports a Go panic captured at the host's recover barrier.
type PanicEvent struct {
	Value any
	Stack []byte
}

func (OutputEvent) isOperatorEvent()   {}
func (FinishedEvent) isOperatorEvent() {}
func (ErrorEvent) isOperatorEvent()    {}
func (PanicEvent) isOperatorEvent()    {}

// IsTerminal reports whether ev ends a host run.
func IsTerminal(ev OperatorEvent) bool {
	switch ev.(type) {
	case FinishedEvent, ErrorEvent, PanicEvent:
		return true
	default:
		return false
	}
}

// Error returns a description of the panic value.
func (p PanicEvent) Error() string {
	return fmt.Sprintf("operator panicked: %v", p.Value)
}
