package jsoperator

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

const (
	moduleWrapperHead = "(function (exports, require, module, __filename, __dirname) { "
	moduleWrapperTail = "\n})"
)

// Interpreter is the process-wide interpreter state shared by every operator host
// of the process. It is created once before any host starts and closed once after
// all hosts have stopped.
//
// It owns the interpreter-wide lock: at most one goroutine executes JavaScript at
// any instant, across all hosts. Every session init, per-input dispatch, output
// marshaling and instance release runs under it.
type Interpreter struct {
	mu       sync.Mutex
	config   InterpreterConfig
	logger   *zap.Logger
	programs map[string]cachedProgram // guarded by mu
	closed   bool                     // guarded by mu
	sessions int                      // guarded by mu
}

type cachedProgram struct {
	program *goja.Program
	size    int64
	modTime time.Time
}

// NewInterpreter creates the process-wide interpreter
func NewInterpreter(config InterpreterConfig, logger *zap.Logger) (*Interpreter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid interpreter configuration: %w", err)
	}

	logger.Info("Interpreter initialized",
		zap.String("security_level", config.SecurityLevel),
		zap.Strings("utilities", config.EnabledUtilities),
		zap.Int("max_call_stack_size", config.MaxCallStackSize))

	return &Interpreter{
		config:   config,
		logger:   logger,
		programs: make(map[string]cachedProgram),
	}, nil
}

// Config returns the effective configuration
func (i *Interpreter) Config() InterpreterConfig {
	return i.config
}

// Close tears the interpreter down. Sessions still alive keep working until they
// are released, but no new session can start.
func (i *Interpreter) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	i.programs = nil

	if i.sessions > 0 {
		i.logger.Warn("Interpreter closed with live sessions", zap.Int("sessions", i.sessions))
		return fmt.Errorf("interpreter closed with %d live sessions", i.sessions)
	}
	i.logger.Info("Interpreter closed")
	return nil
}

// withLock runs fn holding the interpreter lock
func (i *Interpreter) withLock(fn func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fn()
}

// allowThreads releases the interpreter lock for the duration of fn. The caller
// must hold the lock; it is held again when allowThreads returns or panics.
func (i *Interpreter) allowThreads(fn func() error) error {
	i.mu.Unlock()
	defer i.mu.Lock()
	return fn()
}

// acquireSession registers a new session. The caller holds the lock.
func (i *Interpreter) acquireSession() error {
	if i.closed {
		return derrors.Startup("cannot start operator session", derrors.ErrInterpreterClosed)
	}
	i.sessions++
	return nil
}

// releaseSession unregisters a session. The caller holds the lock.
func (i *Interpreter) releaseSession() {
	if i.sessions > 0 {
		i.sessions--
	}
}

// compile returns the compiled module program for path, reusing a cached program
// while the file's size and modification time are unchanged. The caller holds the lock.
func (i *Interpreter) compile(path string) (*goja.Program, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if cached, ok := i.programs[path]; ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.program, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	program, err := goja.Compile(path, moduleWrapperHead+string(src)+moduleWrapperTail, false)
	if err != nil {
		return nil, err
	}

	if i.programs != nil {
		i.programs[path] = cachedProgram{program: program, size: info.Size(), modTime: info.ModTime()}
	}
	return program, nil
}
