package jsoperator

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.uber.org/zap"
)

// Utility is a set of globals installed into every operator session
type Utility interface {
	// Name returns the unique name of the utility
	Name() string

	// Register installs the utility into the VM runtime
	Register(vm *goja.Runtime) error
}

// knownUtilities lists the names accepted in InterpreterConfig.EnabledUtilities
var knownUtilities = map[string]struct{}{
	"console":  {},
	"encoding": {},
}

// newUtility builds a fresh per-session instance of the named utility
func newUtility(name string, logger *zap.Logger, consoleMaxLines int) (Utility, bool) {
	switch name {
	case "console":
		return newConsoleUtility(logger, consoleMaxLines), true
	case "encoding":
		return &EncodingUtility{}, true
	default:
		return nil, false
	}
}

// ConsoleUtility routes console.* calls to the host logger and keeps the most
// recent lines for diagnostics
type ConsoleUtility struct {
	logger   *zap.Logger
	mu       sync.Mutex
	lines    []string
	maxLines int
}

func newConsoleUtility(logger *zap.Logger, maxLines int) *ConsoleUtility {
	return &ConsoleUtility{logger: logger, maxLines: maxLines}
}

func (u *ConsoleUtility) Name() string { return "console" }

func (u *ConsoleUtility) Register(vm *goja.Runtime) error {
	console := vm.NewObject()

	logAt := func(level string, emit func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			line := strings.Join(parts, " ")
			u.record(level + ": " + line)
			emit(line, zap.String("stream", "console."+level))
			return goja.Undefined()
		}
	}

	if err := console.Set("log", logAt("log", u.logger.Info)); err != nil {
		return err
	}
	if err := console.Set("info", logAt("info", u.logger.Info)); err != nil {
		return err
	}
	if err := console.Set("debug", logAt("debug", u.logger.Debug)); err != nil {
		return err
	}
	if err := console.Set("warn", logAt("warn", u.logger.Warn)); err != nil {
		return err
	}
	if err := console.Set("error", logAt("error", u.logger.Error)); err != nil {
		return err
	}

	return vm.Set("console", console)
}

func (u *ConsoleUtility) record(line string) {
	if u.maxLines <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lines = append(u.lines, line)
	if len(u.lines) > u.maxLines {
		u.lines = u.lines[len(u.lines)-u.maxLines:]
	}
}

// Lines returns the recorded console lines, oldest first
func (u *ConsoleUtility) Lines() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.lines))
	copy(out, u.lines)
	return out
}

// EncodingUtility provides btoa/atob and utf8.encode/utf8.decode for byte payloads
type EncodingUtility struct{}

func (u *EncodingUtility) Name() string { return "encoding" }

func (u *EncodingUtility) Register(vm *goja.Runtime) error {
	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	}); err != nil {
		return err
	}

	if err := vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob error: %w", err)))
		}
		return vm.ToValue(string(decoded))
	}); err != nil {
		return err
	}

	utf8 := vm.NewObject()
	if err := utf8.Set("encode", func(call goja.FunctionCall) goja.Value {
		arr, err := newUint8Array(vm, []byte(call.Argument(0).String()))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return arr
	}); err != nil {
		return err
	}
	if err := utf8.Set("decode", func(call goja.FunctionCall) goja.Value {
		data, err := exportBytes(call.Argument(0))
		if err != nil {
			panic(vm.NewTypeError("%s", err.Error()))
		}
		return vm.ToValue(string(data))
	}); err != nil {
		return err
	}
	return vm.Set("utf8", utf8)
}

// installStatus defines the frozen Status global mirroring operator.Status
func installStatus(vm *goja.Runtime) error {
	status, err := vm.RunString(fmt.Sprintf(
		"Object.freeze({CONTINUE: %d, STOP: %d, STOP_ALL: %d})",
		int(operator.Continue), int(operator.Stop), int(operator.StopAll)))
	if err != nil {
		return fmt.Errorf("failed to define Status: %w", err)
	}
	return vm.Set("Status", status)
}
