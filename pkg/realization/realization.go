// Package realization loads the HCL file that describes a simulation: its
// time window, the catchment/nexus network, and the formulation of every
// catchment.
//
//	simulation {
//	  start = "2015-12-01T00:00:00Z"
//	  end   = "2015-12-02T00:00:00Z"
//	  step  = "1h"
//	}
//
//	catchment "cat-1" {
//	  to = "nex-1"
//	  formulation {
//	    module "lr" {
//	      type        = "go"
//	      entry_point = "linear_reservoir"
//	      config      = { k = 0.3, label = "${catchment.id}" }
//	      input "precipitation" { unit = "mm/h" }
//	      output "Q_OUT" { unit = "m3/s" }
//	    }
//	  }
//	}
//
//	nexus "nex-1" {}
//
// Module config expressions may reference catchment.id, which makes a global
// formulation usable as a per-catchment template.
package realization

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/formulation"
	"github.com/wehubfusion/Okeanos/pkg/network"
	"github.com/wehubfusion/Okeanos/pkg/partition"
	"github.com/wehubfusion/Okeanos/pkg/simtime"
	"github.com/zclconf/go-cty/cty"
)

// DefaultStep is the step size when the simulation block names none.
const DefaultStep = time.Hour

// Forcing source kinds.
const (
	ForcingNone = "none"
	ForcingFile = "file"
	ForcingBlob = "blob"
)

// Forcing selects where per-catchment forcing tables come from.
type Forcing struct {
	Source string

	// Pattern is the per-catchment path with an "{id}" placeholder.
	Pattern string
}

// Catchment is one catchment of the realization.
type Catchment struct {
	ID          string
	Outflows    []network.Outflow
	Weight      float64
	Formulation formulation.Config
}

// Nexus is one nexus of the realization.
type Nexus struct {
	ID        string
	Receivers []network.Receiver
}

// Realization is a decoded realization file.
type Realization struct {
	Start    time.Time
	End      time.Time
	StepSize time.Duration

	// Workers and Strategy are partitioning defaults, used when the worker
	// configuration leaves them unset.
	Workers  int
	Strategy string

	Forcing    Forcing
	Catchments []Catchment
	Nexuses    []Nexus
}

// Load reads and decodes the realization file at path.
func Load(path string) (*Realization, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read realization %s: %w", path, err)
	}
	return Parse(src, path)
}

// Parse decodes realization source. filename is used in diagnostics.
func Parse(src []byte, filename string) (*Realization, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse realization %s: %w", filename, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode realization %s: %w", filename, diags)
	}
	return translate(&root)
}

func translate(root *fileRoot) (*Realization, error) {
	if root.Simulation == nil {
		return nil, fmt.Errorf("realization has no simulation block")
	}
	r := &Realization{StepSize: DefaultStep, Forcing: Forcing{Source: ForcingNone}}

	var err error
	if r.Start, err = parseTime(root.Simulation.Start); err != nil {
		return nil, fmt.Errorf("simulation start: %w", err)
	}
	if r.End, err = parseTime(root.Simulation.End); err != nil {
		return nil, fmt.Errorf("simulation end: %w", err)
	}
	if root.Simulation.Step != "" {
		if r.StepSize, err = time.ParseDuration(root.Simulation.Step); err != nil {
			return nil, fmt.Errorf("simulation step: %w", err)
		}
	}
	if root.Simulation.Workers != nil {
		r.Workers = *root.Simulation.Workers
	}
	if root.Simulation.Strategy != nil {
		r.Strategy = *root.Simulation.Strategy
	}

	if f := root.Forcing; f != nil {
		if f.Source != "" {
			r.Forcing.Source = f.Source
		}
		if f.Pattern != nil {
			r.Forcing.Pattern = *f.Pattern
		}
		switch r.Forcing.Source {
		case ForcingNone:
		case ForcingFile, ForcingBlob:
			if r.Forcing.Pattern == "" {
				r.Forcing.Pattern = "forcing/{id}.csv"
			}
		default:
			return nil, fmt.Errorf("unknown forcing source %q", r.Forcing.Source)
		}
	}

	var global *formulationBlock
	if root.Global != nil {
		global = root.Global.Formulation
	}
	for _, cb := range root.Catchments {
		c, err := translateCatchment(cb, global)
		if err != nil {
			return nil, err
		}
		r.Catchments = append(r.Catchments, c)
	}
	for _, nb := range root.Nexuses {
		n := Nexus{ID: nb.ID}
		for _, rb := range nb.Receivers {
			n.Receivers = append(n.Receivers, network.Release(rb.Catchment, deref(rb.Percent, 0)))
		}
		r.Nexuses = append(r.Nexuses, n)
	}
	return r, nil
}

func translateCatchment(cb *catchmentBlock, global *formulationBlock) (Catchment, error) {
	c := Catchment{ID: cb.ID, Weight: deref(cb.Weight, 1)}
	if cb.To != nil {
		c.Outflows = append(c.Outflows, network.To(*cb.To))
	}
	for _, ob := range cb.Outflows {
		c.Outflows = append(c.Outflows, network.Outflow{Nexus: ob.Nexus, Fraction: deref(ob.Fraction, 0)})
	}

	fb := cb.Formulation
	if fb == nil {
		fb = global
	}
	if fb == nil {
		return Catchment{}, fmt.Errorf("catchment %s has no formulation and no global formulation is set", cb.ID)
	}
	cfg, err := translateFormulation(cb.ID, fb)
	if err != nil {
		return Catchment{}, err
	}
	c.Formulation = cfg
	return c, nil
}

// evalContext exposes catchment.id to module config expressions.
func evalContext(catchmentID string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"catchment": cty.ObjectVal(map[string]cty.Value{"id": cty.StringVal(catchmentID)}),
		},
	}
}

func translateFormulation(catchmentID string, fb *formulationBlock) (formulation.Config, error) {
	cfg := formulation.Config{
		CatchmentID:   catchmentID,
		Primary:       deref(fb.Primary, ""),
		Discharge:     deref(fb.Discharge, ""),
		DischargeUnit: deref(fb.DischargeUnit, ""),
		Aliases:       fb.Aliases,
	}
	ectx := evalContext(catchmentID)
	for _, mb := range fb.Modules {
		mc, err := translateModule(mb, ectx)
		if err != nil {
			return formulation.Config{}, fmt.Errorf("catchment %s: %w", catchmentID, err)
		}
		cfg.Modules = append(cfg.Modules, mc)
	}
	for _, rb := range fb.Routes {
		cfg.Routes = append(cfg.Routes, formulation.Route{
			Module:     rb.Module,
			Input:      rb.Input,
			FromModule: deref(rb.From, ""),
			Variable:   deref(rb.Variable, ""),
			LookBack:   deref(rb.LookBack, 0),
		})
	}
	return cfg, nil
}

func translateModule(mb *moduleBlock, ectx *hcl.EvalContext) (formulation.ModuleConfig, error) {
	desc := bmi.Descriptor{
		ID:             mb.ID,
		Type:           mb.Type,
		Path:           deref(mb.Path, ""),
		EntryPoint:     deref(mb.EntryPoint, ""),
		FixedStep:      deref(mb.FixedStep, false),
		StepSize:       deref(mb.StepSize, 0),
		AllowExceedEnd: deref(mb.AllowExceedEnd, false),
	}
	if mb.Config != nil {
		val, diags := mb.Config.Value(ectx)
		if diags.HasErrors() {
			return formulation.ModuleConfig{}, fmt.Errorf("module %s config: %w", mb.ID, diags)
		}
		raw, err := ctyValueToInterface(val)
		if err != nil {
			return formulation.ModuleConfig{}, fmt.Errorf("module %s config: %w", mb.ID, err)
		}
		if raw != nil {
			m, ok := raw.(map[string]any)
			if !ok {
				return formulation.ModuleConfig{}, fmt.Errorf("module %s config must be an object, got %s", mb.ID, val.Type().FriendlyName())
			}
			desc.Config = m
		}
	}

	mc := formulation.ModuleConfig{}
	for _, in := range mb.Inputs {
		desc.Inputs = append(desc.Inputs, bmi.VarSpec{Name: in.Name, Unit: deref(in.Unit, "")})
		if in.Default != nil {
			if mc.Defaults == nil {
				mc.Defaults = make(map[string]float64)
			}
			mc.Defaults[in.Name] = *in.Default
		}
		if in.Source != nil {
			if mc.VariableNames == nil {
				mc.VariableNames = make(map[string]string)
			}
			mc.VariableNames[in.Name] = *in.Source
		}
	}
	for _, out := range mb.Outputs {
		desc.Outputs = append(desc.Outputs, bmi.VarSpec{Name: out.Name, Unit: deref(out.Unit, "")})
	}
	mc.Descriptor = desc
	return mc, nil
}

// Graph builds the catchment/nexus network.
func (r *Realization) Graph() (*network.Graph, error) {
	b := network.NewBuilder()
	for _, c := range r.Catchments {
		b.AddCatchment(c.ID, c.Outflows...)
	}
	for _, n := range r.Nexuses {
		b.AddNexus(n.ID, n.Receivers...)
	}
	return b.Build()
}

// Clock creates the simulation clock for the realization window.
func (r *Realization) Clock() (*simtime.Clock, error) {
	return simtime.NewClock(r.Start, r.End, r.StepSize)
}

// Weights returns the partitioning weight of every catchment.
func (r *Realization) Weights() partition.WeightFunc {
	w := make(map[string]float64, len(r.Catchments))
	for _, c := range r.Catchments {
		w[c.ID] = c.Weight
	}
	return partition.WeightTable(w)
}

// Formulation returns the formulation config of catchment id.
func (r *Realization) Formulation(id string) (formulation.Config, bool) {
	for _, c := range r.Catchments {
		if c.ID == id {
			return c.Formulation, true
		}
	}
	return formulation.Config{}, false
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
