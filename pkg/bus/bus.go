// Package bus implements the variable value bus through which modules
// publish and consume named, unit-tagged quantities.
package bus

import (
	"fmt"
	"sort"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/units"
)

// Variable is one named quantity with an explicit unit.
type Variable struct {
	Name   string
	Unit   string
	Shape  []int
	Values []float64
}

// Clone returns a deep copy of v.
func (v Variable) Clone() Variable {
	out := Variable{Name: v.Name, Unit: v.Unit}
	out.Shape = append([]int(nil), v.Shape...)
	out.Values = append([]float64(nil), v.Values...)
	return out
}

// Scalar returns the first value, or 0 for an empty variable.
func (v Variable) Scalar() float64 {
	if len(v.Values) == 0 {
		return 0
	}
	return v.Values[0]
}

// Fallback supplies a value for a name that was never set on the bus.
type Fallback func(name string) (Variable, bool)

// Bus holds the variables of one step. It is not safe for concurrent use;
// a worker drives each bus from a single goroutine.
type Bus struct {
	vars     map[string]Variable
	units    *units.Registry
	fallback Fallback
}

// New creates an empty bus converting with reg, or the default registry when
// reg is nil.
func New(reg *units.Registry) *Bus {
	if reg == nil {
		reg = units.Default()
	}
	return &Bus{
		vars:  make(map[string]Variable),
		units: reg,
	}
}

// WithFallback installs fn as the source of values never set on the bus.
func (b *Bus) WithFallback(fn Fallback) *Bus {
	b.fallback = fn
	return b
}

// Set overwrites any prior value for name. shape defaults to [len(values)].
func (b *Bus) Set(name, unit string, values []float64, shape ...int) error {
	if name == "" {
		return okerrors.Newf(okerrors.UnknownVariable, "variable name is empty")
	}
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return okerrors.Newf(okerrors.InvalidState, "variable %q has %d values for shape %v", name, len(values), shape).WithNode(name)
	}
	b.vars[name] = Variable{
		Name:   name,
		Unit:   unit,
		Shape:  append([]int(nil), shape...),
		Values: append([]float64(nil), values...),
	}
	return nil
}

// SetScalar stores a single value.
func (b *Bus) SetScalar(name, unit string, value float64) error {
	return b.Set(name, unit, []float64{value})
}

// Put stores a copy of v under v.Name.
func (b *Bus) Put(v Variable) error {
	return b.Set(v.Name, v.Unit, v.Values, v.Shape...)
}

// Get returns name converted to unit. An empty unit returns the stored unit.
func (b *Bus) Get(name, unit string) (Variable, error) {
	v, ok := b.vars[name]
	if !ok && b.fallback != nil {
		v, ok = b.fallback(name)
	}
	if !ok {
		return Variable{}, okerrors.Newf(okerrors.UnknownVariable, "variable %q is not set", name).WithNode(name)
	}
	if unit == "" || unit == v.Unit {
		return v.Clone(), nil
	}
	values, err := b.units.Convert(v.Values, v.Unit, unit)
	if err != nil {
		return Variable{}, fmt.Errorf("reading %q: %w", name, err)
	}
	return Variable{
		Name:   name,
		Unit:   unit,
		Shape:  append([]int(nil), v.Shape...),
		Values: values,
	}, nil
}

// Has reports whether name was set on the bus; fallbacks are not consulted.
func (b *Bus) Has(name string) bool {
	_, ok := b.vars[name]
	return ok
}

// Names returns the names set on the bus in sorted order.
func (b *Bus) Names() []string {
	out := make([]string, 0, len(b.vars))
	for n := range b.vars {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Delete removes name.
func (b *Bus) Delete(name string) {
	delete(b.vars, name)
}

// Reset clears every variable, ready for a new step.
func (b *Bus) Reset() {
	clear(b.vars)
}

// Len returns the number of variables set.
func (b *Bus) Len() int {
	return len(b.vars)
}

// Units returns the registry used for conversions.
func (b *Bus) Units() *units.Registry {
	return b.units
}
