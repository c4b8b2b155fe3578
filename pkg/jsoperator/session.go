package jsoperator

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const (
	entryPoint     = "Operator"
	inputHandler   = "on_input"
	releaseHandler = "drop"
)

// session owns the single operator instance of a host. Every method must be
// called with the interpreter lock held.
type session struct {
	interp   *Interpreter
	vm       *goja.Runtime
	instance *goja.Object
	send     goja.Value
	bridge   OutputBridge
	console  *ConsoleUtility
	logger   *zap.Logger

	// set when send_output throws, so an uncaught rethrow keeps its classification
	pendingErr   error
	pendingThrow goja.Value

	released bool
}

// newSession imports the module at path and instantiates its Operator. The
// caller holds the interpreter lock.
func newSession(interp *Interpreter, path string, bridge OutputBridge, globals map[string]any, logger *zap.Logger) (*session, error) {
	if err := interp.acquireSession(); err != nil {
		return nil, err
	}

	s := &session{
		interp: interp,
		vm:     goja.New(),
		bridge: bridge,
		logger: logger,
	}
	ready := false
	defer func() {
		if !ready {
			s.release(false)
		}
	}()

	if err := s.init(path, globals); err != nil {
		return nil, err
	}
	ready = true
	return s, nil
}

func (s *session) init(path string, globals map[string]any) error {
	cfg := s.interp.config
	vm := s.vm

	if err := NewSandbox(&cfg).Apply(vm); err != nil {
		return derrors.Startup("failed to apply sandbox", err)
	}
	for _, name := range cfg.EnabledUtilities {
		util, ok := newUtility(name, s.logger, cfg.ConsoleMaxLines)
		if !ok {
			return derrors.Startup("unknown utility", fmt.Errorf("%q", name))
		}
		if err := util.Register(vm); err != nil {
			return derrors.Startup(fmt.Sprintf("failed to register utility %s", name), err)
		}
		if console, ok := util.(*ConsoleUtility); ok {
			s.console = console
		}
	}
	if err := installStatus(vm); err != nil {
		return derrors.Startup("failed to install globals", err)
	}
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return derrors.Startup(fmt.Sprintf("failed to set global %s", name), err)
		}
	}
	s.send = vm.ToValue(s.sendOutput)

	loader := newModuleLoader(vm, s.interp, cfg.ModulePaths)
	loader.AddPath(filepath.Dir(path))

	base := filepath.Base(path)
	if !utf8.ValidString(base) {
		return derrors.Startup("invalid module name", fmt.Errorf("%w: %q", derrors.ErrInvalidEncoding, base))
	}
	name := norm.NFC.String(strings.TrimSuffix(base, filepath.Ext(base)))
	raw := strings.TrimSuffix(base, filepath.Ext(base))

	exports, err := loader.Import(name)
	if err != nil && errors.Is(err, errModuleNotFound) && name != raw {
		exports, err = loader.Import(raw)
	}
	if err != nil {
		return derrors.Startup(fmt.Sprintf("failed to import module `%s`", name),
			fmt.Errorf("%w: %w", derrors.ErrImportFailed, err))
	}

	var ctorValue goja.Value
	if obj, ok := exports.(*goja.Object); ok {
		ctorValue = obj.Get(entryPoint)
	}
	if ctorValue == nil || goja.IsUndefined(ctorValue) || goja.IsNull(ctorValue) {
		return derrors.Startup(fmt.Sprintf("%s in module %s", derrors.ErrNoEntryPoint.Error(), name), derrors.ErrNoEntryPoint)
	}
	if _, ok := goja.AssertConstructor(ctorValue); !ok {
		return derrors.Startup(fmt.Sprintf("%s in module %s", derrors.ErrNoEntryPoint.Error(), name),
			fmt.Errorf("%w: %s is not a constructor", derrors.ErrNoEntryPoint, describe(ctorValue)))
	}

	instance, err := vm.New(ctorValue)
	if err != nil {
		return derrors.Startup(fmt.Sprintf("failed to instantiate %s", entryPoint),
			fmt.Errorf("%w: %w", derrors.ErrInstantiateFailed, wrapJSError(vm, err)))
	}
	s.instance = instance

	s.logger.Debug("Operator instantiated", zap.String("module", name), zap.String("path", path))
	return nil
}

// dispatch calls on_input for one input and returns the raw status it produced.
// The caller holds the interpreter lock.
func (s *session) dispatch(input operator.InputEvent) (int64, error) {
	vm := s.vm
	s.pendingErr, s.pendingThrow = nil, nil

	handler, ok := goja.AssertFunction(s.instance.Get(inputHandler))
	if !ok {
		return 0, derrors.Handler(fmt.Sprintf("%s has no %s method", entryPoint, inputHandler),
			derrors.ErrHandlerFailed)
	}

	arg, err := s.inputObject(input)
	if err != nil {
		return 0, derrors.Handler(fmt.Sprintf("failed to build input `%s`", input.InputID), err)
	}

	result, err := handler(s.instance, arg, s.send)
	if err != nil {
		jsErr := wrapJSError(vm, err)
		var exc *goja.Exception
		if s.pendingErr != nil && errors.As(err, &exc) && exc.Value() == s.pendingThrow {
			kind, ok := derrors.KindOf(s.pendingErr)
			if !ok {
				kind = derrors.HandlerFault
			}
			return 0, derrors.NewError(kind, fmt.Sprintf("send_output failed while handling input `%s`", input.InputID),
				errors.Join(s.pendingErr, jsErr))
		}
		return 0, derrors.Handler(fmt.Sprintf("failed to handle input `%s`", input.InputID),
			fmt.Errorf("%w: %w", derrors.ErrHandlerFailed, jsErr))
	}
	s.pendingErr, s.pendingThrow = nil, nil

	return extractStatus(result)
}

func (s *session) inputObject(input operator.InputEvent) (*goja.Object, error) {
	vm := s.vm
	obj := vm.NewObject()
	if err := obj.Set("id", input.InputID); err != nil {
		return nil, err
	}

	data := goja.Undefined()
	if input.Data != nil {
		arr, err := newUint8Array(vm, input.Data)
		if err != nil {
			return nil, err
		}
		data = arr
	}
	if err := obj.Set("data", data); err != nil {
		return nil, err
	}

	md, err := metadataToObject(vm, input.Metadata)
	if err != nil {
		return nil, err
	}
	if err := obj.Set("metadata", md); err != nil {
		return nil, err
	}
	return obj, nil
}

// sendOutput is the send_output callable handed to on_input. Arguments are
// marshaled under the lock; the lock is released while the event is enqueued.
func (s *session) sendOutput(call goja.FunctionCall) goja.Value {
	idArg := call.Argument(0)
	if goja.IsUndefined(idArg) || goja.IsNull(idArg) {
		s.throw(derrors.Protocol("invalid send_output call", errors.New("output id is required")))
	}
	outputID := idArg.String()

	data, err := exportBytes(call.Argument(1))
	if err != nil {
		s.throw(derrors.Protocol("invalid send_output data", err))
	}
	md, err := exportMetadata(call.Argument(2))
	if err != nil {
		s.throw(err)
	}

	err = s.interp.allowThreads(func() error {
		return s.bridge.Emit(outputID, data, md)
	})
	if err != nil {
		s.throw(derrors.Handler(fmt.Sprintf("could not emit output `%s`", outputID), err))
	}
	return goja.Undefined()
}

// throw raises err as a JavaScript exception inside the current call
func (s *session) throw(err error) {
	thrown := s.vm.NewGoError(err)
	s.pendingErr, s.pendingThrow = err, thrown
	panic(thrown)
}

// consoleLines returns the most recent console output of the operator
func (s *session) consoleLines() []string {
	if s.console == nil {
		return nil
	}
	return s.console.Lines()
}

// release drops the operator instance. With callDrop the instance's optional
// drop() hook runs first; its failures are logged and ignored. The caller holds
// the interpreter lock.
func (s *session) release(callDrop bool) {
	if s.released {
		return
	}
	s.released = true
	defer s.interp.releaseSession()
	defer func() {
		s.instance = nil
		s.send = nil
		s.pendingErr, s.pendingThrow = nil, nil
		s.vm = nil
	}()

	if callDrop && s.instance != nil {
		if hook, ok := goja.AssertFunction(s.instance.Get(releaseHandler)); ok {
			if _, err := hook(s.instance); err != nil {
				s.logger.Warn("Operator drop hook failed", zap.Error(wrapJSError(s.vm, err)))
			}
		}
	}
}
