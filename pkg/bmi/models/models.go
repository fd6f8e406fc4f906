// Package models holds small built-in Go modules used for demonstrations and
// tests. They register themselves with the native loader on import.
package models

import (
	"fmt"
	"math"
	"sort"

	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/bmi/native"
)

const (
	EntryConstant        = "constant"
	EntryLinearReservoir = "linear_reservoir"
	EntryScale           = "scale"
)

func init() {
	native.Register(EntryConstant, func() bmi.Module { return &Constant{} })
	native.Register(EntryLinearReservoir, func() bmi.Module { return &LinearReservoir{} })
	native.Register(EntryScale, func() bmi.Module { return &Scale{} })
}

// clock tracks model time for the built-in modules.
type clock struct {
	now  float64
	end  float64
	step float64
}

func (c *clock) configure(cfg map[string]any) error {
	c.step = number(cfg, "time_step", 3600)
	c.end = number(cfg, "end_time", math.Inf(1))
	if c.step <= 0 {
		return fmt.Errorf("time_step must be positive")
	}
	return nil
}

func (c *clock) GetCurrentTime() float64 { return c.now }
func (c *clock) GetEndTime() float64     { return c.end }
func (c *clock) GetTimeStep() float64    { return c.step }

// Constant publishes fixed output values, configured as
// {"values": {"Q_OUT": 5.0}}.
type Constant struct {
	clock
	values map[string][]float64
}

func (m *Constant) Initialize(cfg map[string]any) error {
	if err := m.configure(cfg); err != nil {
		return err
	}
	raw, ok := cfg["values"].(map[string]any)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("constant module needs a non-empty \"values\" map")
	}
	m.values = make(map[string][]float64, len(raw))
	for name, v := range raw {
		vals, err := floats(v)
		if err != nil {
			return fmt.Errorf("value %q: %w", name, err)
		}
		m.values[name] = vals
	}
	return nil
}

func (m *Constant) Update(dt float64) error { m.now += dt; return nil }

func (m *Constant) UpdateUntil(t float64) error { m.now = t; return nil }

func (m *Constant) GetValue(name string) ([]float64, error) {
	v, ok := m.values[name]
	if !ok {
		return nil, fmt.Errorf("no variable %q", name)
	}
	return append([]float64(nil), v...), nil
}

func (m *Constant) SetValue(name string, values []float64) error {
	if _, ok := m.values[name]; !ok {
		return fmt.Errorf("no variable %q", name)
	}
	m.values[name] = append([]float64(nil), values...)
	return nil
}

func (m *Constant) Finalize() error { m.values = nil; return nil }

// Names returns the configured variable names.
func (m *Constant) Names() []string {
	out := make([]string, 0, len(m.values))
	for n := range m.values {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LinearReservoir is a single storage S draining at rate k*S. Input
// "precipitation" is a rate in mm/h over area_km2; "upstream_inflow" (m3/s)
// is added to storage. Output "Q_OUT" is discharge in m3/s and "storage" in m3.
type LinearReservoir struct {
	clock
	k       float64
	area    float64
	storage float64
	precip  float64
	inflow  float64
	q       float64
}

func (m *LinearReservoir) Initialize(cfg map[string]any) error {
	if err := m.configure(cfg); err != nil {
		return err
	}
	m.k = number(cfg, "k", 0.1)
	m.area = number(cfg, "area_km2", 1)
	m.storage = number(cfg, "storage", 0)
	if m.k < 0 || m.k > 1 {
		return fmt.Errorf("k must be within [0, 1], got %g", m.k)
	}
	if m.area <= 0 {
		return fmt.Errorf("area_km2 must be positive")
	}
	return nil
}

func (m *LinearReservoir) Update(dt float64) error {
	rainM3 := m.precip / 1000 / 3600 * dt * m.area * 1e6
	m.storage += rainM3 + m.inflow*dt
	out := m.k * m.storage
	m.storage -= out
	m.q = out / dt
	m.now += dt
	return nil
}

func (m *LinearReservoir) UpdateUntil(t float64) error {
	for m.now+m.step <= t+1e-9 {
		if err := m.Update(m.step); err != nil {
			return err
		}
	}
	return nil
}

func (m *LinearReservoir) GetValue(name string) ([]float64, error) {
	switch name {
	case "Q_OUT":
		return []float64{m.q}, nil
	case "storage":
		return []float64{m.storage}, nil
	case "precipitation":
		return []float64{m.precip}, nil
	case "upstream_inflow":
		return []float64{m.inflow}, nil
	}
	return nil, fmt.Errorf("no variable %q", name)
}

func (m *LinearReservoir) SetValue(name string, values []float64) error {
	if len(values) != 1 {
		return fmt.Errorf("variable %q is scalar, got %d values", name, len(values))
	}
	switch name {
	case "precipitation":
		m.precip = values[0]
	case "upstream_inflow":
		m.inflow = values[0]
	default:
		return fmt.Errorf("variable %q is not settable", name)
	}
	return nil
}

func (m *LinearReservoir) Finalize() error { return nil }

// Scale multiplies input "in" by "factor" and publishes it as "out".
type Scale struct {
	clock
	factor float64
	in     []float64
	out    []float64
}

func (m *Scale) Initialize(cfg map[string]any) error {
	if err := m.configure(cfg); err != nil {
		return err
	}
	m.factor = number(cfg, "factor", 1)
	return nil
}

func (m *Scale) Update(dt float64) error {
	m.out = make([]float64, len(m.in))
	for i, v := range m.in {
		m.out[i] = v * m.factor
	}
	m.now += dt
	return nil
}

func (m *Scale) UpdateUntil(t float64) error { return m.Update(t - m.now) }

func (m *Scale) GetValue(name string) ([]float64, error) {
	switch name {
	case "in":
		return append([]float64(nil), m.in...), nil
	case "out":
		return append([]float64(nil), m.out...), nil
	}
	return nil, fmt.Errorf("no variable %q", name)
}

func (m *Scale) SetValue(name string, values []float64) error {
	if name != "in" {
		return fmt.Errorf("variable %q is not settable", name)
	}
	m.in = append([]float64(nil), values...)
	return nil
}

func (m *Scale) Finalize() error { return nil }

func number(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func floats(v any) ([]float64, error) {
	switch t := v.(type) {
	case float64:
		return []float64{t}, nil
	case int:
		return []float64{float64(t)}, nil
	case int64:
		return []float64{float64(t)}, nil
	case []float64:
		return append([]float64(nil), t...), nil
	case []any:
		out := make([]float64, 0, len(t))
		for _, e := range t {
			f, err := floats(e)
			if err != nil || len(f) != 1 {
				return nil, fmt.Errorf("element %v is not a number", e)
			}
			out = append(out, f[0])
		}
		return out, nil
	}
	return nil, fmt.Errorf("%T is not a number or list of numbers", v)
}
