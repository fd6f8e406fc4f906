// Package forcing supplies external time-series inputs (precipitation,
// temperature, ...) to formulations.
package forcing

import (
	"context"
	"sort"
	"time"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// Selector picks the half-open time range [Start, End).
type Selector struct {
	Start time.Time
	End   time.Time
}

// Provider serves forcing values for one catchment.
type Provider interface {
	Variables() []string
	Unit(variable string) (string, bool)
	GetValue(ctx context.Context, variable string, sel Selector) ([]float64, error)
}

// Factory creates the provider for a catchment.
type Factory interface {
	ProviderFor(ctx context.Context, catchmentID string) (Provider, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, catchmentID string) (Provider, error)

// ProviderFor calls f.
func (f FactoryFunc) ProviderFor(ctx context.Context, catchmentID string) (Provider, error) {
	return f(ctx, catchmentID)
}

// Value is one constant forcing series.
type Value struct {
	Unit   string
	Values []float64
}

// Constant serves the same values for every time range.
type Constant map[string]Value

// Variables implements Provider.
func (c Constant) Variables() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Unit implements Provider.
func (c Constant) Unit(variable string) (string, bool) {
	v, ok := c[variable]
	return v.Unit, ok
}

// GetValue implements Provider.
func (c Constant) GetValue(_ context.Context, variable string, _ Selector) ([]float64, error) {
	v, ok := c[variable]
	if !ok {
		return nil, okerrors.Newf(okerrors.UnknownVariable, "no forcing variable %q", variable).WithNode(variable)
	}
	return append([]float64(nil), v.Values...), nil
}

// None is a provider with no variables.
var None Provider = Constant{}
