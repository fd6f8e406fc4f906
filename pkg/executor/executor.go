// Package executor drives the formulations of one worker through simulation
// time and settles nexus flows, exchanging boundary partial sums with peers.
//
// Each step moves through Ready -> Running -> AwaitingRemote -> Advanced and
// back to Ready. Catchments run one at a time in topological order; the only
// suspension point is the boundary exchange.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wehubfusion/Okeanos/pkg/boundary"
	"github.com/wehubfusion/Okeanos/pkg/bus"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/formulation"
	"github.com/wehubfusion/Okeanos/pkg/network"
	"github.com/wehubfusion/Okeanos/pkg/nexus"
	"github.com/wehubfusion/Okeanos/pkg/partition"
	"github.com/wehubfusion/Okeanos/pkg/simtime"
	"github.com/wehubfusion/Okeanos/pkg/units"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a phase of the per-step state machine.
type State int

const (
	Ready State = iota
	Running
	AwaitingRemote
	Advanced
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case AwaitingRemote:
		return "awaiting_remote"
	case Advanced:
		return "advanced"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the collaborators of one worker's executor.
type Config struct {
	Graph *network.Graph

	// Plan may be nil for a single worker owning the whole graph.
	Plan *partition.Plan
	Rank int

	Clock *simtime.Clock

	// Channel is required when the rank has boundary nexuses.
	Channel boundary.Channel

	Units  *units.Registry
	Logger *zap.Logger
	Tracer trace.Tracer

	// Observe, when set, receives every settled nexus total once per step,
	// in nexus id order.
	Observe func(nexusID string, step int, total float64)
}

// Executor runs the owned subgraph of one worker.
type Executor struct {
	graph   *network.Graph
	rank    int
	clock   *simtime.Clock
	channel boundary.Channel
	logger  *zap.Logger
	tracer  trace.Tracer
	observe func(nexusID string, step int, total float64)

	// owned catchments in topological order
	order        []string
	formulations map[string]formulation.Formulation
	accs         map[string]*nexus.Accumulator
	nexusIDs     []string

	// sinks are the nexuses whose totals this rank settles
	sinks      map[string]bool
	boundaries []partition.BoundaryEntry
	entries    map[string]partition.BoundaryEntry
	external   *bus.Bus

	mu        sync.RWMutex
	state     State
	finalized bool
}

// New builds an executor. Every owned catchment needs exactly one formulation
// and no formulation may be given for a catchment the rank does not own.
func New(cfg Config, formulations map[string]formulation.Formulation) (*Executor, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("executor requires a graph")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("executor requires a clock")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("okeanos/executor")
	}

	e := &Executor{
		graph:        cfg.Graph,
		rank:         cfg.Rank,
		clock:        cfg.Clock,
		channel:      cfg.Channel,
		logger:       cfg.Logger.With(zap.Int("rank", cfg.Rank)),
		tracer:       cfg.Tracer,
		observe:      cfg.Observe,
		formulations: make(map[string]formulation.Formulation, len(formulations)),
		accs:         make(map[string]*nexus.Accumulator),
		sinks:        make(map[string]bool),
		entries:      make(map[string]partition.BoundaryEntry),
		external:     bus.New(cfg.Units),
	}

	owned := make(map[string]bool)
	if cfg.Plan == nil {
		for _, c := range cfg.Graph.CatchmentIDs() {
			owned[c] = true
		}
	} else {
		if err := cfg.Plan.Validate(cfg.Graph); err != nil {
			return nil, err
		}
		part, err := cfg.Plan.Partition(cfg.Rank)
		if err != nil {
			return nil, okerrors.New(okerrors.InvalidTopology, "selecting partition", err).WithRank(cfg.Rank)
		}
		for _, c := range part.CatchmentIDs {
			owned[c] = true
		}
		for _, b := range part.Boundaries {
			e.boundaries = append(e.boundaries, b)
			e.entries[b.NexusID] = b
		}
		sort.Slice(e.boundaries, func(i, j int) bool { return e.boundaries[i].NexusID < e.boundaries[j].NexusID })
	}
	if len(e.boundaries) > 0 && e.channel == nil {
		return nil, okerrors.Newf(okerrors.InvalidState, "rank %d has %d boundary nexuses but no channel", cfg.Rank, len(e.boundaries)).WithRank(cfg.Rank)
	}

	for id, f := range formulations {
		if !owned[id] {
			return nil, okerrors.Newf(okerrors.InvalidState, "formulation given for catchment %s not owned by rank %d", id, cfg.Rank).
				WithNode(id).WithRank(cfg.Rank)
		}
		if f == nil {
			return nil, okerrors.Newf(okerrors.InvalidState, "nil formulation for catchment %s", id).WithNode(id).WithRank(cfg.Rank)
		}
		e.formulations[id] = f
	}
	for _, c := range cfg.Graph.CatchmentOrder() {
		if !owned[c] {
			continue
		}
		if _, ok := e.formulations[c]; !ok {
			return nil, okerrors.Newf(okerrors.InvalidState, "catchment %s has no formulation", c).WithNode(c).WithRank(cfg.Rank)
		}
		e.order = append(e.order, c)
	}

	e.buildAccumulators(cfg.Plan, owned)
	return e, nil
}

// buildAccumulators creates one accumulator per nexus the owned catchments
// touch, plus the nexuses this rank owns.
func (e *Executor) buildAccumulators(plan *partition.Plan, owned map[string]bool) {
	touched := make(map[string]bool)
	for _, c := range e.order {
		cat, _ := e.graph.Catchment(c)
		for _, o := range cat.Outflows {
			touched[o.Nexus] = true
		}
		for _, n := range e.graph.UpstreamNexuses(c) {
			touched[n] = true
			e.sinks[n] = true
		}
	}
	for _, n := range e.graph.NexusIDs() {
		owner := 0
		if plan != nil {
			owner, _ = plan.NexusOwner(n)
		}
		if owner == e.rank {
			touched[n] = true
			e.sinks[n] = true
		}
	}

	for n := range touched {
		nx, _ := e.graph.Nexus(n)
		var local []string
		for _, c := range e.graph.Contributors(n) {
			if owned[c] {
				local = append(local, c)
			}
		}
		var remote []int
		if entry, ok := e.entries[n]; ok && e.sinks[n] {
			remote = entry.ReceiveFrom
		}
		e.accs[n] = nexus.New(nx, local, remote)
		e.nexusIDs = append(e.nexusIDs, n)
	}
	sort.Strings(e.nexusIDs)
}

// State returns the current phase.
func (e *Executor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Catchments returns the owned catchments in execution order.
func (e *Executor) Catchments() []string { return append([]string(nil), e.order...) }

// NexusTotal returns the finalized total flow (m3/s) of nexus at step, if
// this rank holds it and the step is still retained.
func (e *Executor) NexusTotal(nexusID string, step int) (float64, bool) {
	acc, ok := e.accs[nexusID]
	if !ok || !e.sinks[nexusID] {
		return 0, false
	}
	return acc.Total(step)
}

func (e *Executor) fail(err error, node string, step int) error {
	e.setState(Failed)
	return okerrors.Annotate(err, okerrors.InvalidState, node, step, e.rank)
}

// Step runs the current step to completion and advances the clock.
func (e *Executor) Step(ctx context.Context) error {
	if st := e.State(); st != Ready {
		return okerrors.Newf(okerrors.InvalidState, "step requested in state %s", st).WithRank(e.rank)
	}
	if e.clock.Done() {
		return okerrors.Newf(okerrors.InvalidState, "simulation already reached its end").WithRank(e.rank)
	}
	tc := e.clock.Now()

	ctx, span := e.tracer.Start(ctx, "executor.step",
		trace.WithAttributes(
			attribute.Int("step", tc.Step),
			attribute.Int("rank", e.rank),
			attribute.String("time", tc.Current().Format(time.RFC3339)),
		))
	defer span.End()
	started := time.Now()

	err := e.step(ctx, tc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "step completed")
	e.logger.Debug("Step completed",
		zap.Int("step", tc.Step),
		zap.Duration("duration", time.Since(started)))
	return nil
}

func (e *Executor) step(ctx context.Context, tc simtime.Context) error {
	e.setState(Running)
	for _, c := range e.order {
		if err := e.runCatchment(ctx, c, tc); err != nil {
			return e.fail(err, c, tc.Step)
		}
	}

	e.setState(AwaitingRemote)
	if err := e.exchange(ctx, tc.Step); err != nil {
		return e.fail(err, "", tc.Step)
	}
	for _, n := range e.nexusIDs {
		if !e.sinks[n] {
			continue
		}
		total, err := e.accs[n].Finalize(tc.Step)
		if err != nil {
			return e.fail(err, n, tc.Step)
		}
		e.logger.Debug("Nexus settled", zap.String("nexus_id", n), zap.Int("step", tc.Step), zap.Float64("flow", total))
		if e.observe != nil {
			e.observe(n, tc.Step, total)
		}
	}

	e.setState(Advanced)
	if err := e.clock.Advance(); err != nil {
		return e.fail(err, "", tc.Step)
	}
	for _, acc := range e.accs {
		acc.Expire(tc.Step)
	}
	e.setState(Ready)
	return nil
}

// runCatchment updates one catchment and hands its discharge to its nexuses.
func (e *Executor) runCatchment(ctx context.Context, id string, tc simtime.Context) error {
	ctx, span := e.tracer.Start(ctx, "executor.catchment",
		trace.WithAttributes(attribute.String("catchment_id", id), attribute.Int("step", tc.Step)))
	defer span.End()

	inflow, err := e.upstreamInflow(id, tc.Step)
	if err != nil {
		span.RecordError(err)
		return err
	}
	e.external.Reset()
	if err := e.external.SetScalar(formulation.UpstreamInflow, "m3/s", inflow); err != nil {
		return err
	}

	f := e.formulations[id]
	if err := f.Update(ctx, tc, e.external); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Catchment update failed", zap.String("catchment_id", id), zap.Int("step", tc.Step), zap.Error(err))
		return err
	}
	q, err := f.Discharge()
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Float64("discharge", q))

	cat, _ := e.graph.Catchment(id)
	for _, o := range cat.Outflows {
		acc := e.accs[o.Nexus]
		if err := acc.Add(tc.Step, id, q*o.Fraction); err != nil {
			return err
		}
		// Fully local nexuses settle as soon as their last contributor ran.
		if _, boundary := e.entries[o.Nexus]; !boundary && e.sinks[o.Nexus] && acc.LocalComplete(tc.Step) {
			if _, err := acc.Finalize(tc.Step); err != nil {
				return err
			}
		}
	}
	return nil
}

// upstreamInflow sums what the upstream nexuses released to catchment id in
// the previous step.
func (e *Executor) upstreamInflow(id string, step int) (float64, error) {
	if step == 0 {
		return 0, nil
	}
	var sum float64
	for _, n := range e.graph.UpstreamNexuses(id) {
		v, err := e.accs[n].Release(step-1, id)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

// exchange sends every boundary partial, then collects the remote partials
// of the nexuses this rank settles.
func (e *Executor) exchange(ctx context.Context, step int) error {
	for _, b := range e.boundaries {
		if !b.Role.Sends() {
			continue
		}
		acc := e.accs[b.NexusID]
		if !acc.LocalComplete(step) {
			return okerrors.Newf(okerrors.InvalidState, "nexus %s partial incomplete at step %d", b.NexusID, step).WithNode(b.NexusID)
		}
		partial := acc.Partial(step)
		if err := e.channel.Send(ctx, b.NexusID, step, partial); err != nil {
			return err
		}
		e.logger.Debug("Sent boundary partial",
			zap.String("nexus_id", b.NexusID),
			zap.Int("step", step),
			zap.Ints("to", b.SendTo),
			zap.Float64("flow", partial))
	}
	for _, b := range e.boundaries {
		if !b.Role.Receives() {
			continue
		}
		partials, err := e.channel.ReceiveAll(ctx, b.NexusID, step)
		if err != nil {
			return err
		}
		acc := e.accs[b.NexusID]
		for rank, v := range partials {
			if err := acc.AddRemote(step, rank, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run steps until the clock reaches its end, then finalizes every
// formulation. Any failure aborts the run on every worker.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("Starting run",
		zap.Int("catchments", len(e.order)),
		zap.Int("nexuses", len(e.nexusIDs)),
		zap.Int("boundaries", len(e.boundaries)),
		zap.Int("steps", e.clock.Now().TotalSteps()))

	for !e.clock.Done() {
		if err := ctx.Err(); err != nil {
			runErr := okerrors.New(okerrors.RunAborted, "run cancelled", err).WithStep(e.clock.Now().Step).WithRank(e.rank)
			return e.abort(ctx, runErr, true)
		}
		if err := e.Step(ctx); err != nil {
			// A peer's abort needs no echo.
			return e.abort(ctx, err, !errors.Is(err, okerrors.ErrRunAborted))
		}
	}

	e.setState(Done)
	if err := e.finalize(); err != nil {
		return err
	}
	e.logger.Info("Run completed", zap.Int("steps", e.clock.Now().Step))
	return nil
}

func (e *Executor) abort(ctx context.Context, err error, broadcast bool) error {
	e.setState(Failed)
	e.logger.Error("Run failed", zap.Error(err))
	if broadcast && e.channel != nil {
		e.channel.Abort(context.WithoutCancel(ctx), err)
	}
	if ferr := e.finalize(); ferr != nil {
		e.logger.Warn("Failed to finalize formulations after abort", zap.Error(ferr))
	}
	return err
}

func (e *Executor) finalize() error {
	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return nil
	}
	e.finalized = true
	e.mu.Unlock()

	var first error
	for _, c := range e.order {
		if err := e.formulations[c].Finalize(); err != nil {
			e.logger.Warn("Failed to finalize formulation", zap.String("catchment_id", c), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close finalizes formulations if Run did not, tears the clock down and
// closes the channel.
func (e *Executor) Close() error {
	err := e.finalize()
	e.clock.Close()
	if e.channel != nil {
		if cerr := e.channel.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
