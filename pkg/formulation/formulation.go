// Package formulation composes module bindings into the per-catchment model
// the executor drives once per step.
//
// A SingleModule formulation wraps one binding. A MultiModule formulation
// runs several bindings in declared order and routes outputs of earlier
// modules into inputs of later ones, optionally through a look-back ring
// that delays a value by a fixed number of completed steps.
package formulation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/bus"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/forcing"
	"github.com/wehubfusion/Okeanos/pkg/simtime"
	"github.com/wehubfusion/Okeanos/pkg/units"
	"go.uber.org/zap"
)

// Well-known variable names.
const (
	// UpstreamInflow is placed on the external bus by the executor (m3/s).
	UpstreamInflow = "upstream_inflow"

	DefaultDischarge     = "Q_OUT"
	DefaultDischargeUnit = "m3/s"
)

// Formulation is the model of one catchment.
type Formulation interface {
	CatchmentID() string
	// Update computes step tc.Step. A step already computed is a no-op; a
	// later step catches up one step at a time.
	Update(ctx context.Context, tc simtime.Context, external *bus.Bus) error
	Output(name, unit string) (bus.Variable, error)
	OutputNames() []string
	// Discharge is the configured discharge output in m3/s.
	Discharge() (float64, error)
	Finalize() error
}

// ModuleConfig declares one nested module.
type ModuleConfig struct {
	Descriptor bmi.Descriptor

	// Defaults satisfy inputs nothing else provides.
	Defaults map[string]float64

	// VariableNames maps an input to the external bus or forcing variable
	// that feeds it. Unmapped inputs use their own name.
	VariableNames map[string]string
}

// Route feeds the input of one module from the output of another.
type Route struct {
	// Module and Input name the destination.
	Module string
	Input  string

	// FromModule names the source module. Empty means the first declared
	// module producing Variable.
	FromModule string

	// Variable is the source output. Empty means Input.
	Variable string

	// LookBack > 0 delivers the value from that many completed steps ago.
	LookBack int
}

func (r Route) variable() string {
	if r.Variable != "" {
		return r.Variable
	}
	return r.Input
}

// Config describes a formulation.
type Config struct {
	CatchmentID string
	Modules     []ModuleConfig
	Routes      []Route

	// Primary is the module whose outputs the formulation exposes. Default:
	// the last declared module.
	Primary string

	// Aliases expose extra output names. A target is either a primary
	// output name or "module.variable".
	Aliases map[string]string

	// Discharge names the output handed to downstream nexuses.
	Discharge     string
	DischargeUnit string
}

// Deps are the collaborators shared by every formulation of a run.
type Deps struct {
	Registry *bmi.Registry
	Forcing  forcing.Provider
	Units    *units.Registry
	Logger   *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Discharge == "" {
		c.Discharge = DefaultDischarge
	}
	if c.DischargeUnit == "" {
		c.DischargeUnit = DefaultDischargeUnit
	}
	if c.Primary == "" && len(c.Modules) > 0 {
		c.Primary = c.Modules[len(c.Modules)-1].Descriptor.ID
	}
}

// Validate checks the module and routing declarations.
func (c Config) Validate() error {
	if c.CatchmentID == "" {
		return okerrors.Newf(okerrors.InitializationError, "formulation without catchment id")
	}
	if len(c.Modules) == 0 {
		return c.initErr("formulation for %s declares no modules", c.CatchmentID)
	}
	index := make(map[string]int, len(c.Modules))
	for i, m := range c.Modules {
		id := m.Descriptor.ID
		if id == "" {
			return c.initErr("module %d of %s has no id", i, c.CatchmentID)
		}
		if _, dup := index[id]; dup {
			return c.initErr("duplicate module id %q in %s", id, c.CatchmentID)
		}
		index[id] = i
	}
	if c.Primary != "" {
		if _, ok := index[c.Primary]; !ok {
			return c.initErr("primary module %q is not declared", c.Primary)
		}
	}

	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		dst, ok := index[r.Module]
		if !ok {
			return c.initErr("route to unknown module %q", r.Module)
		}
		if _, ok := c.Modules[dst].Descriptor.Input(r.Input); !ok {
			return c.initErr("route to %s.%s: no such input", r.Module, r.Input)
		}
		key := r.Module + "." + r.Input
		if seen[key] {
			return c.initErr("input %s routed twice", key)
		}
		seen[key] = true
		if r.LookBack < 0 {
			return c.initErr("route to %s has negative look-back", key)
		}
		if r.FromModule != "" {
			src, ok := index[r.FromModule]
			if !ok {
				return c.initErr("route to %s from unknown module %q", key, r.FromModule)
			}
			if _, ok := c.Modules[src].Descriptor.Output(r.variable()); !ok {
				return c.initErr("route to %s: module %s has no output %q", key, r.FromModule, r.variable())
			}
			if r.LookBack == 0 && src >= dst {
				return c.initErr("route to %s reads %s in the same step but it runs later", key, r.FromModule)
			}
		} else if src := producer(c.Modules, r.variable(), len(c.Modules)); src < 0 {
			return c.initErr("route to %s: no module produces %q", key, r.variable())
		} else if r.LookBack == 0 && src >= dst {
			return c.initErr("route to %s reads %s in the same step but it runs later", key, c.Modules[src].Descriptor.ID)
		}
	}
	return nil
}

func (c Config) initErr(format string, args ...any) error {
	return okerrors.Newf(okerrors.InitializationError, format, args...).WithNode(c.CatchmentID)
}

// producer returns the index of the first module before limit declaring output name.
func producer(mods []ModuleConfig, name string, limit int) int {
	for i := 0; i < limit && i < len(mods); i++ {
		if _, ok := mods[i].Descriptor.Output(name); ok {
			return i
		}
	}
	return -1
}

// Build loads and initializes every module in declared order. If any module
// fails, the modules already loaded are finalized and no update is issued.
// One module without routes yields a SingleModule, anything else a MultiModule.
func Build(ctx context.Context, cfg Config, deps Deps) (Formulation, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Units == nil {
		deps.Units = units.Default()
	}
	if deps.Forcing == nil {
		deps.Forcing = forcing.None
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.With(zap.String("catchment_id", cfg.CatchmentID))

	members := make([]*member, 0, len(cfg.Modules))
	abort := func() {
		for _, m := range members {
			if st := m.binding.State(); st != bmi.Unloaded && st != bmi.Finalized {
				if err := m.binding.Finalize(); err != nil {
					logger.Warn("Failed to finalize module during abort", zap.String("module_id", m.binding.ID()), zap.Error(err))
				}
			}
		}
	}

	for _, mc := range cfg.Modules {
		b := bmi.NewBinding(mc.Descriptor, deps.Registry, logger)
		if err := b.Load(ctx); err != nil {
			abort()
			return nil, okerrors.Annotate(err, okerrors.ModuleLoadError, cfg.CatchmentID, -1, -1)
		}
		members = append(members, &member{binding: b, cfg: mc})
	}
	for _, m := range members {
		if err := m.binding.Initialize(nil); err != nil {
			abort()
			return nil, err
		}
	}

	c := core{
		catchmentID:   cfg.CatchmentID,
		discharge:     cfg.Discharge,
		dischargeUnit: cfg.DischargeUnit,
		units:         deps.Units,
		forcing:       deps.Forcing,
		logger:        logger,
		last:          -1,
	}
	if len(members) == 1 && len(cfg.Routes) == 0 && len(cfg.Aliases) == 0 {
		return &SingleModule{core: c, module: members[0]}, nil
	}
	return newMulti(c, cfg, members), nil
}

type member struct {
	binding *bmi.Binding
	cfg     ModuleConfig
}

func (m *member) id() string { return m.binding.ID() }

func (m *member) sourceName(input string) string {
	if n, ok := m.cfg.VariableNames[input]; ok && n != "" {
		return n
	}
	return input
}

// core holds the step bookkeeping shared by both variants.
type core struct {
	catchmentID   string
	discharge     string
	dischargeUnit string
	units         *units.Registry
	forcing       forcing.Provider
	logger        *zap.Logger

	last      int
	finalized bool
}

func (c *core) CatchmentID() string { return c.catchmentID }

// LastStep is the last computed step, -1 before the first update.
func (c *core) LastStep() int { return c.last }

func (c *core) wrap(err error, step int) error {
	kind, ok := okerrors.KindOf(err)
	if !ok {
		kind = okerrors.InvalidState
	}
	return okerrors.New(kind, fmt.Sprintf("catchment %s failed at step %d", c.catchmentID, step), err).
		WithNode(c.catchmentID).WithStep(step)
}

// advance runs step for every step between the last computed one and tc.Step.
func (c *core) advance(ctx context.Context, tc simtime.Context, step func(context.Context, simtime.Context) error) error {
	if c.finalized {
		return okerrors.Newf(okerrors.InvalidState, "formulation %s already finalized", c.catchmentID).WithNode(c.catchmentID).WithStep(tc.Step)
	}
	switch {
	case tc.Step == c.last:
		return nil
	case tc.Step < c.last:
		return okerrors.Newf(okerrors.InvalidState, "step %d already passed (last computed %d)", tc.Step, c.last).
			WithNode(c.catchmentID).WithStep(tc.Step)
	}
	for s := c.last + 1; s <= tc.Step; s++ {
		if err := ctx.Err(); err != nil {
			return c.wrap(err, s)
		}
		if err := step(ctx, tc.At(s)); err != nil {
			return c.wrap(err, s)
		}
		c.last = s
	}
	return nil
}

func (c *core) started(name string) error {
	if c.last < 0 {
		return okerrors.Newf(okerrors.InvalidState, "output %q read before the first step", name).WithNode(c.catchmentID)
	}
	return nil
}

func (c *core) convert(v bus.Variable, unit string) (bus.Variable, error) {
	if unit == "" || v.Unit == "" || unit == v.Unit {
		return v, nil
	}
	values, err := c.units.Convert(v.Values, v.Unit, unit)
	if err != nil {
		return bus.Variable{}, err
	}
	v.Values = values
	v.Unit = unit
	return v, nil
}

// ambient looks an input up on the external bus, then in the forcing provider.
func (c *core) ambient(ctx context.Context, m *member, in bmi.VarSpec, tc simtime.Context, external *bus.Bus) ([]float64, bool, error) {
	name := m.sourceName(in.Name)
	if external != nil && external.Has(name) {
		v, err := external.Get(name, in.Unit)
		if err != nil {
			return nil, false, err
		}
		return v.Values, true, nil
	}
	if unit, ok := c.forcing.Unit(name); ok {
		values, err := c.forcing.GetValue(ctx, name, forcing.Selector{Start: tc.Current(), End: tc.Next()})
		if err != nil {
			return nil, false, err
		}
		v, err := c.convert(bus.Variable{Name: name, Unit: unit, Values: values}, in.Unit)
		if err != nil {
			return nil, false, err
		}
		return v.Values, true, nil
	}
	return nil, false, nil
}

func defaultValue(m *member, input string) ([]float64, bool) {
	if v, ok := m.cfg.Defaults[input]; ok {
		return []float64{v}, true
	}
	return nil, false
}

func unsatisfied(m *member, input string, step int) error {
	return okerrors.Newf(okerrors.UnsatisfiedInput, "no value for input %q of module %s", input, m.id()).
		WithNode(m.id()).WithStep(step)
}

func (c *core) finalizeAll(members []*member) error {
	if c.finalized {
		return nil
	}
	c.finalized = true
	var first error
	for _, m := range members {
		if m.binding.State() == bmi.Finalized {
			continue
		}
		if err := m.binding.Finalize(); err != nil {
			c.logger.Warn("Failed to finalize module", zap.String("module_id", m.id()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func outputNames(m *member, aliases map[string]string) []string {
	desc := m.binding.Descriptor()
	names := make([]string, 0, len(desc.Outputs)+len(aliases))
	for _, o := range desc.Outputs {
		names = append(names, o.Name)
	}
	for a := range aliases {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

// SingleModule is a formulation of exactly one module.
type SingleModule struct {
	core
	module *member
}

// Update implements Formulation.
func (f *SingleModule) Update(ctx context.Context, tc simtime.Context, external *bus.Bus) error {
	return f.advance(ctx, tc, func(ctx context.Context, tc simtime.Context) error {
		m := f.module
		m.binding.BeginStep()
		for _, in := range m.binding.Descriptor().Inputs {
			values, ok, err := f.ambient(ctx, m, in, tc, external)
			if err != nil {
				return err
			}
			if !ok {
				if values, ok = defaultValue(m, in.Name); !ok {
					return unsatisfied(m, in.Name, tc.Step)
				}
			}
			if err := m.binding.SetValue(in.Name, values); err != nil {
				return err
			}
		}
		return m.binding.Update(tc.StepSeconds())
	})
}

// Output implements Formulation.
func (f *SingleModule) Output(name, unit string) (bus.Variable, error) {
	if err := f.started(name); err != nil {
		return bus.Variable{}, err
	}
	if _, ok := f.module.binding.Descriptor().Output(name); !ok {
		return bus.Variable{}, okerrors.Newf(okerrors.UnknownVariable, "catchment %s has no output %q", f.catchmentID, name).WithNode(f.catchmentID)
	}
	v, err := f.module.binding.GetVariable(name)
	if err != nil {
		return bus.Variable{}, err
	}
	return f.convert(v, unit)
}

// OutputNames implements Formulation.
func (f *SingleModule) OutputNames() []string { return outputNames(f.module, nil) }

// Discharge implements Formulation.
func (f *SingleModule) Discharge() (float64, error) {
	v, err := f.Output(f.discharge, f.dischargeUnit)
	if err != nil {
		return 0, err
	}
	return dischargeValue(v, f.dischargeUnit)
}

// Finalize implements Formulation.
func (f *SingleModule) Finalize() error { return f.finalizeAll([]*member{f.module}) }

func dischargeValue(v bus.Variable, unit string) (float64, error) {
	if len(v.Values) == 0 {
		return 0, okerrors.Newf(okerrors.UnknownVariable, "discharge %q is empty", v.Name).WithNode(v.Name)
	}
	if v.Unit != "" && unit != "" && !strings.EqualFold(v.Unit, unit) {
		return 0, okerrors.Newf(okerrors.UnitMismatch, "discharge %q in %s, want %s", v.Name, v.Unit, unit)
	}
	return v.Scalar(), nil
}
