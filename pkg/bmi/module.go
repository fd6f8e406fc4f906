// Package bmi defines the module contract every simulation module exposes
// and the Binding that enforces its lifecycle.
//
// A module comes from one source ecosystem (in-process Go, a Go plugin, a
// JavaScript script, ...). Each ecosystem registers a Loader under a
// descriptor type; the Binding is the same for all of them:
//
//	reg := all.NewRegistry()
//	b := bmi.NewBinding(desc, reg, logger)
//	if err := b.Load(ctx); err != nil { ... }
//	if err := b.Initialize(nil); err != nil { ... }
//	err := b.Update(3600)
package bmi

import (
	"context"
	"maps"
)

// Module is the contract implemented by every loadable simulation module.
// Times are in model seconds.
type Module interface {
	Initialize(config map[string]any) error
	Update(dt float64) error
	UpdateUntil(t float64) error
	GetValue(name string) ([]float64, error)
	SetValue(name string, values []float64) error
	GetCurrentTime() float64
	GetEndTime() float64
	GetTimeStep() float64
	Finalize() error
}

// VarSpec declares a module variable and its unit.
type VarSpec struct {
	Name string
	Unit string
}

// Descriptor identifies a module and how to load it.
type Descriptor struct {
	// ID names the module within its formulation
	ID string

	// Type selects the loader, e.g. "go", "goplugin" or "js"
	Type string

	// Path is the file to load for types backed by files
	Path string

	// EntryPoint is the constructor symbol or registered name
	EntryPoint string

	// Config is passed to Initialize
	Config map[string]any

	Inputs  []VarSpec
	Outputs []VarSpec

	// FixedStep rejects updates whose dt differs from StepSize
	FixedStep bool
	StepSize  float64

	Start float64
	End   float64

	// AllowExceedEnd lets updates run past the module end time
	AllowExceedEnd bool
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Config = cloneConfig(d.Config)
	out.Inputs = append([]VarSpec(nil), d.Inputs...)
	out.Outputs = append([]VarSpec(nil), d.Outputs...)
	return out
}

// Input returns the declared input spec for name.
func (d Descriptor) Input(name string) (VarSpec, bool) {
	return find(d.Inputs, name)
}

// Output returns the declared output spec for name.
func (d Descriptor) Output(name string) (VarSpec, bool) {
	return find(d.Outputs, name)
}

func find(specs []VarSpec, name string) (VarSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return VarSpec{}, false
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneConfig(t)
		case []any:
			out[k] = append([]any(nil), t...)
		case []float64:
			out[k] = append([]float64(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

func mergeConfig(base, override map[string]any) map[string]any {
	out := cloneConfig(base)
	if out == nil {
		out = make(map[string]any, len(override))
	}
	maps.Copy(out, override)
	return out
}

// Loader loads modules of one source ecosystem.
type Loader interface {
	Load(ctx context.Context, desc Descriptor) (Module, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, desc Descriptor) (Module, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, desc Descriptor) (Module, error) {
	return f(ctx, desc)
}
