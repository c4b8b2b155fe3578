package jsoperator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// ErrorType categorizes JavaScript failures
type ErrorType string

const (
	ErrorTypeSyntax  ErrorType = "syntax_error"
	ErrorTypeRuntime ErrorType = "runtime_error"
	ErrorTypeRange   ErrorType = "range_error"
)

// maxTracebackFrames is how many frames Error renders
const maxTracebackFrames = 10

// JSError is a structured JavaScript exception with its traceback
type JSError struct {
	Type       ErrorType    `json:"type"`
	Message    string       `json:"message"`
	Traceback  string       `json:"traceback,omitempty"`
	StackTrace []StackFrame `json:"stack_trace,omitempty"`
}

// StackFrame represents a single frame in the stack trace
type StackFrame struct {
	FunctionName string `json:"function_name,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
}

func (f StackFrame) String() string {
	name := f.FunctionName
	if name == "" {
		name = "<anonymous>"
	}
	if f.FileName == "" {
		return fmt.Sprintf("%s (line %d:%d)", name, f.Line, f.Column)
	}
	return fmt.Sprintf("%s (%s:%d:%d)", name, f.FileName, f.Line, f.Column)
}

// Error renders the message followed by the innermost frames, so a single log
// line is enough to find the failing code.
func (e *JSError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Type, e.Message)
	if len(e.StackTrace) == 0 {
		return b.String()
	}

	b.WriteString("\nTraceback:")
	for i, frame := range e.StackTrace {
		if i == maxTracebackFrames {
			fmt.Fprintf(&b, "\n  ... %d more frames", len(e.StackTrace)-i)
			break
		}
		b.WriteString("\n  at ")
		b.WriteString(frame.String())
	}
	return b.String()
}

// wrapJSError converts an error returned by goja into a *JSError. Errors that are
// neither exceptions nor syntax errors are returned unchanged.
func wrapJSError(vm *goja.Runtime, err error) error {
	var (
		jsErr     *JSError
		syntaxErr *goja.CompilerSyntaxError
		exc       *goja.Exception
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &jsErr):
		return jsErr
	case errors.As(err, &syntaxErr):
		return &JSError{Type: ErrorTypeSyntax, Message: syntaxErr.Error()}
	case errors.As(err, &exc):
		return fromException(vm, exc)
	default:
		return err
	}
}

// fromException builds a JSError from a thrown value. The structured stack of
// an Error object is preferred over the exception's own rendering.
func fromException(vm *goja.Runtime, exc *goja.Exception) *JSError {
	jsErr := &JSError{
		Type:      ErrorTypeRuntime,
		Message:   exc.Error(),
		Traceback: exc.String(),
	}

	if obj, ok := exc.Value().(*goja.Object); ok && vm != nil {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			jsErr.StackTrace = parseStackTrace(stack.String())
		}
		if name := obj.Get("name"); name != nil {
			jsErr.Type = errorTypeOf(name.String())
		}
	}
	if len(jsErr.StackTrace) == 0 {
		jsErr.StackTrace = parseStackTrace(jsErr.Traceback)
	}
	return jsErr
}

func errorTypeOf(name string) ErrorType {
	switch name {
	case "RangeError":
		return ErrorTypeRange
	case "SyntaxError":
		return ErrorTypeSyntax
	default:
		return ErrorTypeRuntime
	}
}

// parseStackTrace returns the frames of a rendered stack. Only "at ..." lines
// are frames; the leading message line is skipped.
func parseStackTrace(stack string) []StackFrame {
	if stack == "" {
		return nil
	}

	var frames []StackFrame
	for _, line := range strings.Split(stack, "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "at ") {
			frames = append(frames, parseStackFrame(line))
		}
	}
	return frames
}

// parseStackFrame parses one goja frame, either
// "at name (file:line:column(pc))" or "at file:line:column(pc)"
func parseStackFrame(line string) StackFrame {
	var frame StackFrame

	loc := strings.TrimPrefix(strings.TrimSpace(line), "at ")
	if name, rest, ok := strings.Cut(loc, " ("); ok {
		frame.FunctionName = strings.TrimSpace(name)
		loc = strings.TrimSuffix(rest, ")")
	}
	if i := strings.LastIndexByte(loc, '('); i != -1 {
		loc = loc[:i]
	}

	frame.FileName = loc
	rest, col, ok := cutLast(loc, ":")
	if !ok {
		return frame
	}
	file, ln, ok := cutLast(rest, ":")
	if !ok {
		return frame
	}
	lineNo, errLine := strconv.Atoi(ln)
	colNo, errCol := strconv.Atoi(col)
	if errLine != nil || errCol != nil {
		return frame
	}
	frame.FileName, frame.Line, frame.Column = file, lineNo, colNo
	return frame
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i != -1 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
