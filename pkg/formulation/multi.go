package formulation

import (
	"context"
	"strings"

	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/bus"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/simtime"
	"go.uber.org/zap"
)

// ring keeps the last len(buf) completed-step values of a routed variable.
type ring struct {
	buf   [][]float64
	next  int
	count int
}

func newRing(depth int) *ring {
	return &ring{buf: make([][]float64, depth)}
}

func (r *ring) push(values []float64) {
	r.buf[r.next] = append([]float64(nil), values...)
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// ago returns the value pushed n pushes back (1 is the most recent).
func (r *ring) ago(n int) ([]float64, bool) {
	if n < 1 || n > r.count {
		return nil, false
	}
	i := (r.next - n + len(r.buf)) % len(r.buf)
	return append([]float64(nil), r.buf[i]...), true
}

// routeBinding resolves where a routed input comes from.
type routeBinding struct {
	route  Route
	source int // module index
	unit   string
	ring   *ring
}

// MultiModule runs several modules per step in declared order.
type MultiModule struct {
	core
	members []*member
	routes  map[string]*routeBinding // "module.input"
	lagged  []*routeBinding
	primary int
	aliases map[string]string
}

func newMulti(c core, cfg Config, members []*member) *MultiModule {
	f := &MultiModule{
		core:    c,
		members: members,
		routes:  make(map[string]*routeBinding, len(cfg.Routes)),
		aliases: make(map[string]string, len(cfg.Aliases)),
	}
	index := make(map[string]int, len(members))
	for i, m := range members {
		index[m.id()] = i
		if m.id() == cfg.Primary {
			f.primary = i
		}
	}
	for _, r := range cfg.Routes {
		dst := index[r.Module]
		limit := dst
		if r.LookBack > 0 {
			limit = len(members)
		}
		src := producer(cfg.Modules, r.variable(), limit)
		if r.FromModule != "" {
			src = index[r.FromModule]
		}
		in, _ := members[dst].cfg.Descriptor.Input(r.Input)
		rb := &routeBinding{route: r, source: src, unit: in.Unit}
		if r.LookBack > 0 {
			rb.ring = newRing(r.LookBack)
			f.lagged = append(f.lagged, rb)
		}
		f.routes[r.Module+"."+r.Input] = rb
	}
	for k, v := range cfg.Aliases {
		f.aliases[k] = v
	}
	return f
}

// Update implements Formulation.
func (f *MultiModule) Update(ctx context.Context, tc simtime.Context, external *bus.Bus) error {
	return f.advance(ctx, tc, func(ctx context.Context, tc simtime.Context) error {
		for k, m := range f.members {
			m.binding.BeginStep()
			for _, in := range m.binding.Descriptor().Inputs {
				values, err := f.resolve(ctx, k, in, tc, external)
				if err != nil {
					return err
				}
				if err := m.binding.SetValue(in.Name, values); err != nil {
					return err
				}
			}
			if err := m.binding.Update(tc.StepSeconds()); err != nil {
				return err
			}
		}
		return f.pushRings()
	})
}

// resolve finds the value of input in of module k for this step.
func (f *MultiModule) resolve(ctx context.Context, k int, in bmi.VarSpec, tc simtime.Context, external *bus.Bus) ([]float64, error) {
	m := f.members[k]
	if rb, ok := f.routes[m.id()+"."+in.Name]; ok {
		if rb.ring == nil {
			if rb.source >= 0 && rb.source < k {
				return f.read(rb.source, rb.route.variable(), in.Unit)
			}
		} else if values, ok := rb.ring.ago(rb.route.LookBack); ok {
			return values, nil
		}
		if values, ok := defaultValue(m, in.Name); ok {
			return values, nil
		}
		return nil, unsatisfied(m, in.Name, tc.Step)
	}

	// Unrouted: an earlier module's output of the same name, first declared wins.
	for j := 0; j < k; j++ {
		if _, ok := f.members[j].cfg.Descriptor.Output(in.Name); ok {
			return f.read(j, in.Name, in.Unit)
		}
	}
	values, ok, err := f.ambient(ctx, m, in, tc, external)
	if err != nil {
		return nil, err
	}
	if ok {
		return values, nil
	}
	if values, ok := defaultValue(m, in.Name); ok {
		return values, nil
	}
	return nil, unsatisfied(m, in.Name, tc.Step)
}

func (f *MultiModule) read(module int, name, unit string) ([]float64, error) {
	v, err := f.members[module].binding.GetVariable(name)
	if err != nil {
		return nil, err
	}
	v, err = f.convert(v, unit)
	if err != nil {
		return nil, err
	}
	return v.Values, nil
}

// pushRings records this step's source values for every lagged route. It
// runs only after every module updated, so a failed step pushes nothing.
func (f *MultiModule) pushRings() error {
	values := make([][]float64, len(f.lagged))
	for i, rb := range f.lagged {
		v, err := f.read(rb.source, rb.route.variable(), rb.unit)
		if err != nil {
			return err
		}
		values[i] = v
	}
	for i, rb := range f.lagged {
		rb.ring.push(values[i])
	}
	return nil
}

// lookup resolves a formulation output name to a module and variable.
func (f *MultiModule) lookup(name string) (int, string, bool) {
	if target, ok := f.aliases[name]; ok {
		if mod, variable, found := strings.Cut(target, "."); found {
			for i, m := range f.members {
				if m.id() == mod {
					return i, variable, true
				}
			}
			return 0, "", false
		}
		name = target
	}
	if _, ok := f.members[f.primary].cfg.Descriptor.Output(name); ok {
		return f.primary, name, true
	}
	return 0, "", false
}

// Output implements Formulation.
func (f *MultiModule) Output(name, unit string) (bus.Variable, error) {
	if err := f.started(name); err != nil {
		return bus.Variable{}, err
	}
	idx, variable, ok := f.lookup(name)
	if !ok {
		return bus.Variable{}, okerrors.Newf(okerrors.UnknownVariable, "catchment %s has no output %q", f.catchmentID, name).WithNode(f.catchmentID)
	}
	v, err := f.members[idx].binding.GetVariable(variable)
	if err != nil {
		return bus.Variable{}, err
	}
	v.Name = name
	return f.convert(v, unit)
}

// OutputNames implements Formulation.
func (f *MultiModule) OutputNames() []string {
	return outputNames(f.members[f.primary], f.aliases)
}

// Discharge implements Formulation.
func (f *MultiModule) Discharge() (float64, error) {
	v, err := f.Output(f.discharge, f.dischargeUnit)
	if err != nil {
		return 0, err
	}
	return dischargeValue(v, f.dischargeUnit)
}

// Primary returns the id of the module whose outputs are exposed.
func (f *MultiModule) Primary() string { return f.members[f.primary].id() }

// Finalize implements Formulation.
func (f *MultiModule) Finalize() error {
	err := f.finalizeAll(f.members)
	if err == nil {
		f.logger.Debug("Formulation finalized", zap.Int("modules", len(f.members)), zap.Int("last_step", f.last))
	}
	return err
}
