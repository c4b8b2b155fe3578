package jsoperator

import (
	"fmt"

	"github.com/dop251/goja"
)

// hostGlobals are the Node-style globals an operator must never see at global
// scope. Modules get require, module and exports from their wrapper.
var hostGlobals = []string{"require", "module", "exports", "process", "global", "Buffer"}

// schedulerGlobals would let an operator run code outside of on_input
var schedulerGlobals = []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "clearImmediate"}

// frozenBuiltins are frozen together with their prototypes in strict sessions
var frozenBuiltins = []string{
	"Object", "Array", "Function", "String", "Number", "Boolean",
	"Date", "RegExp", "Error", "Math", "JSON",
}

// policy is what a security level restricts
type policy struct {
	hidden   [][]string
	denyEval bool
	freeze   bool
}

var policies = map[string]policy{
	SecurityLevelPermissive: {hidden: [][]string{hostGlobals}},
	SecurityLevelStandard:   {hidden: [][]string{hostGlobals, schedulerGlobals}},
	SecurityLevelStrict:     {hidden: [][]string{hostGlobals, schedulerGlobals}, denyEval: true, freeze: true},
}

// Sandbox manages security restrictions for operator sessions
type Sandbox struct {
	level            string
	policy           policy
	maxCallStackSize int
}

// NewSandbox creates the sandbox of config's security level. Unknown levels
// get the strict policy.
func NewSandbox(config *InterpreterConfig) *Sandbox {
	p, ok := policies[config.SecurityLevel]
	if !ok {
		p = policies[SecurityLevelStrict]
	}
	return &Sandbox{
		level:            config.SecurityLevel,
		policy:           p,
		maxCallStackSize: config.MaxCallStackSize,
	}
}

// Apply restricts vm. It runs before any utility or operator code.
func (s *Sandbox) Apply(vm *goja.Runtime) error {
	if s.maxCallStackSize > 0 {
		vm.SetMaxCallStackSize(s.maxCallStackSize)
	}

	for _, names := range s.policy.hidden {
		for _, name := range names {
			if err := vm.Set(name, goja.Undefined()); err != nil {
				return fmt.Errorf("failed to hide %s: %w", name, err)
			}
		}
	}

	if s.policy.denyEval {
		err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in %s security mode", s.level))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	if s.policy.freeze {
		if err := freezeBuiltins(vm); err != nil {
			return fmt.Errorf("failed to freeze built-ins: %w", err)
		}
	}
	return nil
}

// freezeBuiltins freezes the built-in constructors and their prototypes so an
// operator cannot patch them for modules it requires
func freezeBuiltins(vm *goja.Runtime) error {
	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return fmt.Errorf("Object.freeze is not a function")
	}

	for _, name := range frozenBuiltins {
		value := vm.Get(name)
		if value == nil || goja.IsUndefined(value) {
			continue
		}
		if _, err := freeze(goja.Undefined(), value); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
		if proto := value.ToObject(vm).Get("prototype"); proto != nil && !goja.IsUndefined(proto) {
			if _, err := freeze(goja.Undefined(), proto); err != nil {
				return fmt.Errorf("failed to freeze %s.prototype: %w", name, err)
			}
		}
	}
	return nil
}
