package jsmodule

import (
	"fmt"

	"github.com/dop251/goja"
)

// removed globals never make sense inside a simulation module
var removedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

var frozenBuiltins = []string{
	"Object", "Array", "Function", "String", "Number", "Boolean", "Math", "JSON",
}

// applySandbox strips host globals and freezes built-ins so module scripts
// cannot change each other's environment.
func applySandbox(vm *goja.Runtime, level string) error {
	for _, name := range removedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if level == SecurityLevelStrict {
		err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict security mode"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	freeze, err := vm.RunString(`(function(o) { if (o) { Object.freeze(o); if (o.prototype) Object.freeze(o.prototype); } })`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freezeFn, ok := goja.AssertFunction(freeze)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}
	for _, name := range frozenBuiltins {
		if obj := vm.Get(name); obj != nil && !goja.IsUndefined(obj) {
			if _, err := freezeFn(goja.Undefined(), obj); err != nil {
				return fmt.Errorf("failed to freeze %s: %w", name, err)
			}
		}
	}
	return nil
}
