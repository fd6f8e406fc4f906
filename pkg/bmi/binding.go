package bmi

import (
	"context"
	"fmt"
	"math"

	"github.com/wehubfusion/Okeanos/pkg/bus"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"go.uber.org/zap"
)

// State is a lifecycle state of a Binding.
type State int

const (
	Unloaded State = iota
	Loaded
	Initialized
	Updated
	Finalized
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Initialized:
		return "initialized"
	case Updated:
		return "updated"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const timeEpsilon = 1e-9

// Binding wraps one module and enforces
// Unloaded -> Loaded -> Initialized -> {Updated}* -> Finalized, with
// Loaded -> Finalized as the only skip (abort path).
type Binding struct {
	desc     Descriptor
	registry *Registry
	module   Module
	state    State
	setStep  map[string]bool
	logger   *zap.Logger
}

// NewBinding creates an unloaded binding. desc is copied.
func NewBinding(desc Descriptor, registry *Registry, logger *zap.Logger) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binding{
		desc:     desc.Clone(),
		registry: registry,
		state:    Unloaded,
		setStep:  make(map[string]bool),
		logger:   logger.With(zap.String("module_id", desc.ID), zap.String("module_type", desc.Type)),
	}
}

// ID returns the descriptor identifier.
func (b *Binding) ID() string { return b.desc.ID }

// Descriptor returns a copy of the descriptor.
func (b *Binding) Descriptor() Descriptor { return b.desc.Clone() }

// State returns the lifecycle state.
func (b *Binding) State() State { return b.state }

func (b *Binding) invalid(op string) error {
	return okerrors.Newf(okerrors.InvalidState, "%s not allowed in state %s", op, b.state).WithNode(b.desc.ID)
}

// Load resolves the module code through the registry.
func (b *Binding) Load(ctx context.Context) error {
	if b.state != Unloaded {
		return b.invalid("load")
	}
	if b.registry == nil {
		return okerrors.Newf(okerrors.ModuleLoadError, "no module registry").WithNode(b.desc.ID)
	}
	m, err := b.registry.Load(ctx, b.desc)
	if err != nil {
		b.logger.Error("Failed to load module", zap.String("path", b.desc.Path), zap.String("entry_point", b.desc.EntryPoint), zap.Error(err))
		return err
	}
	b.module = m
	b.state = Loaded
	b.logger.Debug("Module loaded")
	return nil
}

// Initialize performs one-time setup. config overrides descriptor config keys.
func (b *Binding) Initialize(config map[string]any) error {
	if b.state != Loaded {
		return b.invalid("initialize")
	}
	if err := b.module.Initialize(mergeConfig(b.desc.Config, config)); err != nil {
		b.logger.Error("Module initialization failed", zap.Error(err))
		return okerrors.New(okerrors.InitializationError, "initializing module "+b.desc.ID, err).WithNode(b.desc.ID)
	}
	if b.desc.FixedStep && b.desc.StepSize <= 0 {
		b.desc.StepSize = b.module.GetTimeStep()
	}
	b.state = Initialized
	return nil
}

// BeginStep forgets which inputs were set, ready for a new step.
func (b *Binding) BeginStep() {
	clear(b.setStep)
}

func (b *Binding) running(op string) error {
	if b.state != Initialized && b.state != Updated {
		return b.invalid(op)
	}
	return nil
}

// SetValue writes a declared input.
func (b *Binding) SetValue(name string, values []float64) error {
	if err := b.running("set_value"); err != nil {
		return err
	}
	if _, ok := b.desc.Input(name); !ok {
		if _, out := b.desc.Output(name); out {
			return okerrors.Newf(okerrors.InvalidState, "variable %q is output-only", name).WithNode(b.desc.ID)
		}
		return okerrors.Newf(okerrors.UnknownVariable, "module %s has no input %q", b.desc.ID, name).WithNode(b.desc.ID)
	}
	if err := b.module.SetValue(name, values); err != nil {
		return okerrors.New(okerrors.UnknownVariable, fmt.Sprintf("setting %q", name), err).WithNode(b.desc.ID)
	}
	b.setStep[name] = true
	return nil
}

// GetValue reads a declared variable. Input-only variables are readable only
// once set during the current step.
func (b *Binding) GetValue(name string) ([]float64, error) {
	if err := b.running("get_value"); err != nil {
		return nil, err
	}
	_, isOut := b.desc.Output(name)
	_, isIn := b.desc.Input(name)
	switch {
	case !isOut && !isIn:
		return nil, okerrors.Newf(okerrors.UnknownVariable, "module %s has no variable %q", b.desc.ID, name).WithNode(b.desc.ID)
	case isIn && !isOut && !b.setStep[name]:
		return nil, okerrors.Newf(okerrors.UnknownVariable, "input %q read before it was set this step", name).WithNode(b.desc.ID)
	}
	v, err := b.module.GetValue(name)
	if err != nil {
		return nil, okerrors.New(okerrors.UnknownVariable, fmt.Sprintf("getting %q", name), err).WithNode(b.desc.ID)
	}
	return v, nil
}

// GetVariable reads name and tags it with its declared unit.
func (b *Binding) GetVariable(name string) (bus.Variable, error) {
	values, err := b.GetValue(name)
	if err != nil {
		return bus.Variable{}, err
	}
	spec, ok := b.desc.Output(name)
	if !ok {
		spec, _ = b.desc.Input(name)
	}
	return bus.Variable{Name: name, Unit: spec.Unit, Shape: []int{len(values)}, Values: values}, nil
}

// Update advances the module by dt seconds.
func (b *Binding) Update(dt float64) error {
	if err := b.running("update"); err != nil {
		return err
	}
	if err := b.checkDelta(dt); err != nil {
		return err
	}
	if err := b.module.Update(dt); err != nil {
		b.logger.Error("Module update failed", zap.Float64("dt", dt), zap.Error(err))
		return b.updateErr(err)
	}
	b.state = Updated
	return nil
}

// UpdateUntil advances the module to model time t.
func (b *Binding) UpdateUntil(t float64) error {
	if err := b.running("update_until"); err != nil {
		return err
	}
	cur := b.module.GetCurrentTime()
	if t < cur-timeEpsilon {
		return okerrors.Newf(okerrors.TimeStepError, "target %g is before current time %g", t, cur).WithNode(b.desc.ID)
	}
	if b.desc.FixedStep && b.desc.StepSize > 0 {
		n := (t - cur) / b.desc.StepSize
		if math.Abs(n-math.Round(n)) > 1e-6 {
			return okerrors.Newf(okerrors.TimeStepError, "target %g is not reachable in whole steps of %g", t, b.desc.StepSize).WithNode(b.desc.ID)
		}
	}
	if err := b.checkEnd(cur, t-cur); err != nil {
		return err
	}
	if err := b.module.UpdateUntil(t); err != nil {
		b.logger.Error("Module update failed", zap.Float64("target", t), zap.Error(err))
		return b.updateErr(err)
	}
	b.state = Updated
	return nil
}

// updateErr keeps the kind a module reported and tags anything else as
// UpdateError.
func (b *Binding) updateErr(err error) error {
	if _, ok := okerrors.KindOf(err); ok {
		return okerrors.Annotate(err, okerrors.UpdateError, b.desc.ID, -1, -1)
	}
	return okerrors.New(okerrors.UpdateError, "updating module "+b.desc.ID, err).WithNode(b.desc.ID)
}

func (b *Binding) checkDelta(dt float64) error {
	if dt <= 0 {
		return okerrors.Newf(okerrors.TimeStepError, "time step must be positive, got %g", dt).WithNode(b.desc.ID)
	}
	if b.desc.FixedStep && b.desc.StepSize > 0 && math.Abs(dt-b.desc.StepSize) > timeEpsilon {
		return okerrors.Newf(okerrors.TimeStepError, "fixed-step module expects dt=%g, got %g", b.desc.StepSize, dt).WithNode(b.desc.ID)
	}
	return b.checkEnd(b.module.GetCurrentTime(), dt)
}

func (b *Binding) checkEnd(cur, dt float64) error {
	if b.desc.AllowExceedEnd {
		return nil
	}
	end := b.module.GetEndTime()
	if end > 0 && cur+dt > end+timeEpsilon {
		return okerrors.Newf(okerrors.TimeStepError, "advancing to %g passes end time %g", cur+dt, end).WithNode(b.desc.ID)
	}
	return nil
}

// Finalize releases the module. It may be called once, from any state after
// Loaded.
func (b *Binding) Finalize() error {
	if b.state == Unloaded || b.state == Finalized {
		return b.invalid("finalize")
	}
	from := b.state
	b.state = Finalized
	if err := b.module.Finalize(); err != nil {
		return okerrors.New(okerrors.InvalidState, "finalizing module "+b.desc.ID, err).WithNode(b.desc.ID)
	}
	b.logger.Debug("Module finalized", zap.Stringer("from", from))
	return nil
}

// CurrentTime returns the module's current model time.
func (b *Binding) CurrentTime() float64 {
	if b.module == nil {
		return 0
	}
	return b.module.GetCurrentTime()
}

// EndTime returns the module's end time.
func (b *Binding) EndTime() float64 {
	if b.module == nil {
		return 0
	}
	return b.module.GetEndTime()
}

// TimeStep returns the module's time step.
func (b *Binding) TimeStep() float64 {
	if b.module == nil {
		return 0
	}
	return b.module.GetTimeStep()
}
