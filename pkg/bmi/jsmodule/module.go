// Package jsmodule loads simulation modules written in JavaScript and runs
// them in an embedded goja VM.
//
// A script defines a global object (named by the descriptor entry point,
// "model" by default) with the module functions:
//
//	var model = {
//	  initialize: function(config) {},
//	  update: function(dt) {},
//	  get_value: function(name) { return [0]; },
//	  set_value: function(name, values) {},
//	  update_until: function(t) {},   // optional
//	  finalize: function() {}          // optional
//	};
//
// Model time is tracked on the Go side from "time_step" and "end_time" in the
// init config.
package jsmodule

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Okeanos/pkg/bmi"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"go.uber.org/zap"
)

// Type is the descriptor type for JavaScript modules.
const Type = "js"

var requiredFunctions = []string{"initialize", "update", "get_value", "set_value"}

// Loader compiles and instantiates JavaScript modules.
type Loader struct {
	config Config
	logger *zap.Logger
}

// NewLoader creates a loader. A zero Config gets defaults.
func NewLoader(config Config, logger *zap.Logger) (*Loader, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid js module config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{config: config, logger: logger}, nil
}

// Load implements bmi.Loader. The script comes from Config["source"] when
// present, otherwise from Path.
func (l *Loader) Load(_ context.Context, desc bmi.Descriptor) (bmi.Module, error) {
	name := desc.Path
	src, _ := desc.Config["source"].(string)
	if src == "" {
		if desc.Path == "" {
			return nil, okerrors.Newf(okerrors.ModuleLoadError, "js module has neither path nor inline source").WithNode(desc.ID)
		}
		data, err := os.ReadFile(desc.Path)
		if err != nil {
			return nil, okerrors.New(okerrors.ModuleLoadError, "reading script "+desc.Path, err).WithNode(desc.ID)
		}
		src = string(data)
	}
	if name == "" {
		name = desc.ID + ".js"
	}

	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, okerrors.New(okerrors.ModuleLoadError, "compiling "+name, wrapCallError("", err, 0)).WithNode(desc.ID)
	}

	vm := goja.New()
	if err := applySandbox(vm, l.config.SecurityLevel); err != nil {
		return nil, okerrors.New(okerrors.ModuleLoadError, "preparing sandbox", err).WithNode(desc.ID)
	}
	m := &Module{
		vm:      vm,
		timeout: l.config.CallTimeout,
		fns:     make(map[string]goja.Callable),
		logger:  l.logger.With(zap.String("module_id", desc.ID)),
	}
	if _, err := m.run("<load>", func() (goja.Value, error) { return vm.RunProgram(prog) }); err != nil {
		return nil, okerrors.New(okerrors.ModuleLoadError, "evaluating "+name, err).WithNode(desc.ID)
	}

	objName := desc.EntryPoint
	if objName == "" {
		objName = l.config.DefaultObject
	}
	objVal := vm.Get(objName)
	if objVal == nil || goja.IsUndefined(objVal) || goja.IsNull(objVal) {
		return nil, okerrors.Newf(okerrors.ModuleLoadError, "script %s does not define %q", name, objName).WithNode(desc.ID)
	}
	obj := objVal.ToObject(vm)
	m.this = obj
	m.logger.Debug("JavaScript module loaded", zap.String("script", name), zap.String("object", objName))

	for _, fn := range append(requiredFunctions, "update_until", "finalize") {
		callable, ok := goja.AssertFunction(obj.Get(fn))
		if ok {
			m.fns[fn] = callable
		}
	}
	for _, fn := range requiredFunctions {
		if _, ok := m.fns[fn]; !ok {
			return nil, okerrors.Newf(okerrors.ModuleLoadError, "%s.%s is not a function", objName, fn).WithNode(desc.ID)
		}
	}
	return m, nil
}

// Module is a JavaScript module bound to its own VM. goja runtimes are not
// goroutine safe, so every call holds mu.
type Module struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	this    *goja.Object
	fns     map[string]goja.Callable
	timeout time.Duration
	logger  *zap.Logger

	now  float64
	end  float64
	step float64
}

// run executes fn with the call timeout armed.
func (m *Module) run(name string, fn func() (goja.Value, error)) (goja.Value, error) {
	var timer *time.Timer
	if m.timeout > 0 {
		timer = time.AfterFunc(m.timeout, func() { m.vm.Interrupt("execution timeout") })
	}
	v, err := fn()
	if timer != nil {
		timer.Stop()
	}
	m.vm.ClearInterrupt()
	if err != nil {
		return nil, wrapCallError(name, err, m.timeout)
	}
	return v, nil
}

func (m *Module) call(name string, args ...any) (goja.Value, error) {
	fn, ok := m.fns[name]
	if !ok {
		return goja.Undefined(), nil
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = m.vm.ToValue(a)
	}
	return m.run(name, func() (goja.Value, error) { return fn(m.this, vals...) })
}

func (m *Module) Initialize(config map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.step = 3600
	m.end = math.Inf(1)
	if v, ok := config["time_step"].(float64); ok && v > 0 {
		m.step = v
	}
	if v, ok := config["end_time"].(float64); ok {
		m.end = v
	}
	cfg := make(map[string]any, len(config))
	for k, v := range config {
		if k != "source" {
			cfg[k] = v
		}
	}
	_, err := m.call("initialize", cfg)
	return err
}

func (m *Module) Update(dt float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.call("update", dt); err != nil {
		return err
	}
	m.now += dt
	return nil
}

func (m *Module) UpdateUntil(t float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fns["update_until"]; ok {
		if _, err := m.call("update_until", t); err != nil {
			return err
		}
		m.now = t
		return nil
	}
	for m.now+m.step <= t+1e-9 {
		if _, err := m.call("update", m.step); err != nil {
			return err
		}
		m.now += m.step
	}
	return nil
}

func (m *Module) GetValue(name string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.call("get_value", name)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, &JSError{Type: ErrorTypeContract, Function: "get_value", Message: fmt.Sprintf("no value for %q", name)}
	}
	return exportFloats(v.Export())
}

func (m *Module) SetValue(name string, values []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := make([]any, len(values))
	for i, f := range values {
		arr[i] = f
	}
	_, err := m.call("set_value", name, arr)
	return err
}

func (m *Module) GetCurrentTime() float64 { return m.now }
func (m *Module) GetEndTime() float64     { return m.end }
func (m *Module) GetTimeStep() float64    { return m.step }

func (m *Module) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.call("finalize")
	return err
}

func exportFloats(v any) ([]float64, error) {
	switch t := v.(type) {
	case float64:
		return []float64{t}, nil
	case int64:
		return []float64{float64(t)}, nil
	case []any:
		out := make([]float64, len(t))
		for i, e := range t {
			switch n := e.(type) {
			case float64:
				out[i] = n
			case int64:
				out[i] = float64(n)
			default:
				return nil, &JSError{Type: ErrorTypeContract, Function: "get_value", Message: fmt.Sprintf("element %d is %T, not a number", i, e)}
			}
		}
		return out, nil
	}
	return nil, &JSError{Type: ErrorTypeContract, Function: "get_value", Message: fmt.Sprintf("returned %T, want number or array", v)}
}
