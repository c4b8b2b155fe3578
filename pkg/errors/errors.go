package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed indicates that a remote operator source could not be downloaded
	ErrFetchFailed = errors.New("failed to download JavaScript operator")

	// ErrNoFile indicates that nothing exists at the resolved operator path
	ErrNoFile = errors.New("no JavaScript file exists")

	// ErrUnresolvablePath indicates that the operator path could not be canonicalized
	ErrUnresolvablePath = errors.New("path cannot be resolved")

	// ErrInvalidEncoding indicates that a module path is not valid UTF-8
	ErrInvalidEncoding = errors.New("module path is not valid utf8")

	// ErrImportFailed indicates that the operator module could not be imported
	ErrImportFailed = errors.New("failed to import module")

	// ErrNoEntryPoint indicates that the module does not export an Operator
	ErrNoEntryPoint = errors.New("no Operator entry point found")

	// ErrInstantiateFailed indicates that the Operator constructor failed
	ErrInstantiateFailed = errors.New("failed to instantiate operator")

	// ErrInterpreterClosed indicates that the process-wide interpreter was already shut down
	ErrInterpreterClosed = errors.New("interpreter is closed")

	// ErrInvalidStatus indicates that on_input returned an integer outside the status contract
	ErrInvalidStatus = errors.New("on_input returned invalid status")

	// ErrInvalidReturnValue indicates that on_input returned something that is not a status
	ErrInvalidReturnValue = errors.New("on_input has invalid return value")

	// ErrInvalidMetadata indicates that output metadata had an invalid shape
	ErrInvalidMetadata = errors.New("could not parse metadata")

	// ErrInvalidData indicates that output data was not a byte payload
	ErrInvalidData = errors.New("data must be bytes")

	// ErrReceiverGone indicates that the runtime stopped receiving operator events
	ErrReceiverGone = errors.New("failed to send output to runtime")

	// ErrHandlerFailed indicates that on_input raised an exception
	ErrHandlerFailed = errors.New("on_input raised an exception")
)

// Kind classifies a fault by where it originated
type Kind string

const (
	// StartupFault covers locator and session failures; always fatal to the host
	StartupFault Kind = "startup_fault"

	// ProtocolFault covers invalid status codes and malformed bridge arguments
	ProtocolFault Kind = "protocol_fault"

	// HandlerFault covers exceptions raised from inside on_input
	HandlerFault Kind = "handler_fault"

	// NativeFault covers Go panics captured at the host's recover barrier
	NativeFault Kind = "native_fault"
)

// Error represents a classified operator host error
type Error struct {
	// Kind is the fault classification
	Kind Kind

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new classified error
func NewError(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Startup wraps err as a StartupFault
func Startup(message string, err error) *Error {
	return NewError(StartupFault, message, err)
}

// Protocol wraps err as a ProtocolFault
func Protocol(message string, err error) *Error {
	return NewError(ProtocolFault, message, err)
}

// Handler wraps err as a HandlerFault
func Handler(message string, err error) *Error {
	return NewError(HandlerFault, message, err)
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// The second result is false when err carries no classification.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsStartup reports whether err is a StartupFault
func IsStartup(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == StartupFault
}

// IsReceiverGone reports whether err was caused by the runtime hanging up
func IsReceiverGone(err error) bool {
	return errors.Is(err, ErrReceiverGone)
}
