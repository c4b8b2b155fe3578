package jsoperator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

var errModuleNotFound = errors.New("cannot find module")

// moduleExtensions are tried, in order, when resolving a module name
var moduleExtensions = []string{"", ".js", ".cjs", ".json"}

// moduleLoader implements CommonJS-style modules for one session. Bare names are
// resolved against the search path, relative names against the requiring file.
// All methods run under the interpreter lock.
type moduleLoader struct {
	vm     *goja.Runtime
	interp *Interpreter
	paths  []string
	cache  map[string]*goja.Object
}

func newModuleLoader(vm *goja.Runtime, interp *Interpreter, paths []string) *moduleLoader {
	return &moduleLoader{
		vm:     vm,
		interp: interp,
		paths:  append([]string(nil), paths...),
		cache:  make(map[string]*goja.Object),
	}
}

// AddPath appends dir to the search path
func (l *moduleLoader) AddPath(dir string) {
	for _, p := range l.paths {
		if p == dir {
			return
		}
	}
	l.paths = append(l.paths, dir)
}

// Import resolves a bare module name against the search path and returns its exports
func (l *moduleLoader) Import(name string) (goja.Value, error) {
	path, err := l.resolve(name, "")
	if err != nil {
		return nil, err
	}
	return l.load(path)
}

func (l *moduleLoader) resolve(name, fromDir string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty module name", errModuleNotFound)
	}

	var bases []string
	switch {
	case filepath.IsAbs(name):
		bases = []string{name}
	case strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../"):
		if fromDir == "" {
			return "", fmt.Errorf("%w '%s': relative import outside a module", errModuleNotFound, name)
		}
		bases = []string{filepath.Join(fromDir, name)}
	default:
		for _, dir := range l.paths {
			bases = append(bases, filepath.Join(dir, name))
		}
	}

	for _, base := range bases {
		for _, ext := range moduleExtensions {
			if path, ok := regularFile(base + ext); ok {
				return path, nil
			}
		}
		if path, ok := regularFile(filepath.Join(base, "index.js")); ok {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w '%s' (search path: %s)", errModuleNotFound, name, strings.Join(l.paths, string(os.PathListSeparator)))
}

func regularFile(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", false
	}
	return abs, true
}

// load executes the module at path once and returns module.exports. A module
// that is still loading (a require cycle) yields its partial exports.
func (l *moduleLoader) load(path string) (goja.Value, error) {
	if module, ok := l.cache[path]; ok {
		return module.Get("exports"), nil
	}

	vm := l.vm
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := module.Set("id", path); err != nil {
		return nil, err
	}
	if err := module.Set("filename", path); err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var value interface{}
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("invalid JSON module %s: %w", path, err)
		}
		if err := module.Set("exports", vm.ToValue(value)); err != nil {
			return nil, err
		}
		l.cache[path] = module
		return module.Get("exports"), nil
	}

	program, err := l.interp.compile(path)
	if err != nil {
		return nil, wrapJSError(vm, err)
	}

	wrapper, err := vm.RunProgram(program)
	if err != nil {
		return nil, wrapJSError(vm, err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", path)
	}

	l.cache[path] = module
	dir := filepath.Dir(path)
	if _, err := fn(exports, exports, vm.ToValue(l.requireFrom(dir)), module, vm.ToValue(path), vm.ToValue(dir)); err != nil {
		delete(l.cache, path)
		return nil, wrapJSError(vm, err)
	}

	return module.Get("exports"), nil
}

// requireFrom returns the require function handed to modules living in dir
func (l *moduleLoader) requireFrom(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		path, err := l.resolve(name, dir)
		if err != nil {
			panic(l.vm.NewGoError(err))
		}
		exports, err := l.load(path)
		if err != nil {
			var exc *goja.Exception
			if errors.As(err, &exc) {
				panic(exc)
			}
			panic(l.vm.NewGoError(err))
		}
		return exports
	}
}
