package operator

import "fmt"

// Status is the integer contract returned by an operator's input handler.
type Status int

const (
	// Continue keeps the dispatch loop running.
	Continue Status = 0
	// Stop terminates this operator.
	Stop Status = 1
	// StopAll terminates this operator and asks the graph to shut down.
	StopAll Status = 2
)

// Valid reports whether s is one of Continue, Stop or StopAll.
func (s Status) Valid() bool {
	return s == Continue || s == Stop || s == StopAll
}

func (s Status) String() string {
	switch s {
	case Continue:
		return "CONTINUE"
	case Stop:
		return "STOP"
	case StopAll:
		return "STOP_ALL"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}
