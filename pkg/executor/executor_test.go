package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/bmi/models"
	"github.com/wehubfusion/Okeanos/pkg/bmi/native"
	"github.com/wehubfusion/Okeanos/pkg/boundary"
	"github.com/wehubfusion/Okeanos/pkg/bus"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/formulation"
	"github.com/wehubfusion/Okeanos/pkg/network"
	"github.com/wehubfusion/Okeanos/pkg/partition"
	"github.com/wehubfusion/Okeanos/pkg/simtime"
	"golang.org/x/sync/errgroup"
)

// stub is a formulation with a scripted discharge that records the upstream
// inflow it was given each step.
type stub struct {
	id        string
	discharge func(step int) float64
	failAt    int

	mu      sync.Mutex
	inflows []float64
	last    int
	finals  int
	updates int
}

func newStub(id string, q float64) *stub {
	return &stub{id: id, discharge: func(int) float64 { return q }, failAt: -1, last: -1}
}

func (s *stub) CatchmentID() string { return s.id }

func (s *stub) Update(_ context.Context, tc simtime.Context, external *bus.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc.Step == s.failAt {
		return okerrors.Newf(okerrors.UpdateError, "%s diverged", s.id)
	}
	v, err := external.Get(formulation.UpstreamInflow, "m3/s")
	if err != nil {
		return err
	}
	s.inflows = append(s.inflows, v.Scalar())
	s.last = tc.Step
	s.updates++
	return nil
}

func (s *stub) Output(name, unit string) (bus.Variable, error) {
	q, err := s.Discharge()
	return bus.Variable{Name: name, Unit: "m3/s", Values: []float64{q}}, err
}

func (s *stub) OutputNames() []string { return []string{formulation.DefaultDischarge} }

func (s *stub) Discharge() (float64, error) { return s.discharge(s.last), nil }

func (s *stub) Finalize() error {
	s.mu.Lock()
	s.finals++
	s.mu.Unlock()
	return nil
}

func (s *stub) seen() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.inflows...)
}

var start = time.Date(2015, 12, 1, 0, 0, 0, 0, time.UTC)

func hourlyClock(t *testing.T, steps int) *simtime.Clock {
	t.Helper()
	c, err := simtime.NewClock(start, start.Add(time.Duration(steps)*time.Hour), time.Hour)
	require.NoError(t, err)
	return c
}

func stubs(list ...*stub) map[string]formulation.Formulation {
	out := make(map[string]formulation.Formulation, len(list))
	for _, s := range list {
		out[s.id] = s
	}
	return out
}

// cat-1 -> nex-1 -> cat-2 -> nex-2
func chain(t *testing.T) *network.Graph {
	t.Helper()
	g, err := network.NewBuilder().
		AddCatchment("cat-1", network.To("nex-1")).
		AddCatchment("cat-2", network.To("nex-2")).
		AddNexus("nex-1", network.Release("cat-2", 0)).
		AddNexus("nex-2").
		Build()
	require.NoError(t, err)
	return g
}

// cat-1, cat-2 -> nex-1 -> cat-3 -> nex-2
func confluence(t *testing.T) *network.Graph {
	t.Helper()
	g, err := network.NewBuilder().
		AddCatchment("cat-1", network.To("nex-1")).
		AddCatchment("cat-2", network.To("nex-1")).
		AddCatchment("cat-3", network.To("nex-2")).
		AddNexus("nex-1", network.Release("cat-3", 0)).
		AddNexus("nex-2").
		Build()
	require.NoError(t, err)
	return g
}

func TestUpstreamDischargeReachesDownstreamNextStep(t *testing.T) {
	c1, c2 := newStub("cat-1", 5.0), newStub("cat-2", 1.0)
	e, err := New(Config{Graph: chain(t), Clock: hourlyClock(t, 3)}, stubs(c1, c2))
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-1", "cat-2"}, e.Catchments())

	ctx := context.Background()
	require.NoError(t, e.Step(ctx))
	total, ok := e.NexusTotal("nex-1", 0)
	require.True(t, ok)
	assert.Equal(t, 5.0, total)
	assert.Equal(t, Ready, e.State())

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, []float64{0, 5, 5}, c2.seen())
	assert.Equal(t, []float64{0, 0, 0}, c1.seen())
	assert.Equal(t, Done, e.State())
	assert.Equal(t, 1, c1.finals)
	assert.Equal(t, 1, c2.finals)

	err = e.Step(ctx)
	assert.ErrorIs(t, err, okerrors.ErrInvalidState)
	require.NoError(t, e.Close())
	assert.Equal(t, 1, c1.finals, "close does not finalize twice")
}

func TestObserveSeesEverySettledNexus(t *testing.T) {
	type settled struct {
		nexus string
		step  int
		total float64
	}
	var got []settled
	cfg := Config{
		Graph: chain(t),
		Clock: hourlyClock(t, 2),
		Observe: func(n string, step int, total float64) {
			got = append(got, settled{n, step, total})
		},
	}
	e, err := New(cfg, stubs(newStub("cat-1", 5.0), newStub("cat-2", 1.0)))
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []settled{
		{"nex-1", 0, 5}, {"nex-2", 0, 1},
		{"nex-1", 1, 5}, {"nex-2", 1, 1},
	}, got)
}

func TestNexusSumsContributors(t *testing.T) {
	g, err := network.NewBuilder().
		AddCatchment("cat-1", network.To("nex-1")).
		AddCatchment("cat-2", network.To("nex-1")).
		AddCatchment("cat-3", network.To("nex-1")).
		AddCatchment("cat-4", network.To("nex-2")).
		AddNexus("nex-1", network.Release("cat-4", 0)).
		AddNexus("nex-2").
		Build()
	require.NoError(t, err)
	plan, err := partition.NewPlan(g, 1, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.BoundaryNexuses())

	c4 := newStub("cat-4", 0)
	e, err := New(Config{Graph: g, Plan: plan, Clock: hourlyClock(t, 2)},
		stubs(newStub("cat-1", 1), newStub("cat-2", 2), newStub("cat-3", 3.5), c4))
	require.NoError(t, err)

	require.NoError(t, e.Step(context.Background()))
	total, ok := e.NexusTotal("nex-1", 0)
	require.True(t, ok)
	assert.Equal(t, 6.5, total)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []float64{0, 6.5}, c4.seen())
}

func TestOutflowSplitAndRelease(t *testing.T) {
	g, err := network.NewBuilder().
		AddCatchment("cat-1", network.Outflow{Nexus: "nex-1", Fraction: 0.75}, network.Outflow{Nexus: "nex-2", Fraction: 0.25}).
		AddCatchment("cat-2", network.To("nex-3")).
		AddCatchment("cat-3", network.To("nex-3")).
		AddNexus("nex-1", network.Release("cat-2", 40), network.Release("cat-3", 60)).
		AddNexus("nex-2").
		AddNexus("nex-3").
		Build()
	require.NoError(t, err)

	c2, c3 := newStub("cat-2", 0), newStub("cat-3", 0)
	e, err := New(Config{Graph: g, Clock: hourlyClock(t, 2)}, stubs(newStub("cat-1", 8), c2, c3))
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	total, ok := e.NexusTotal("nex-2", 1)
	require.True(t, ok)
	assert.Equal(t, 2.0, total)
	assert.InDelta(t, 2.4, c2.seen()[1], 1e-12)
	assert.InDelta(t, 3.6, c3.seen()[1], 1e-12)
}

// runWorkers runs one executor per rank over an in-memory hub.
func runWorkers(t *testing.T, g *network.Graph, plan *partition.Plan, steps int, timeout time.Duration, all map[string]*stub) []error {
	t.Helper()
	hub := boundary.NewMemoryHub()
	ctx := context.Background()

	execs := make([]*Executor, plan.Workers)
	for rank := range execs {
		part, err := plan.Partition(rank)
		require.NoError(t, err)
		forms := make(map[string]formulation.Formulation)
		for _, c := range part.CatchmentIDs {
			forms[c] = all[c]
		}
		ch, err := boundary.NewExchange(ctx, boundary.Config{RunID: "run-1", Rank: rank, Timeout: timeout, RetryDelay: time.Millisecond}, plan, hub.Transport(), nil)
		require.NoError(t, err)
		execs[rank], err = New(Config{Graph: g, Plan: plan, Rank: rank, Clock: hourlyClock(t, steps), Channel: ch}, forms)
		require.NoError(t, err)
	}

	errs := make([]error, len(execs))
	var wg sync.WaitGroup
	for rank, e := range execs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = e.Run(ctx)
		}()
	}
	wg.Wait()
	for _, e := range execs {
		_ = e.Close()
	}
	return errs
}

func TestTwoWorkersMatchOneWorker(t *testing.T) {
	g := confluence(t)
	q1 := func(step int) float64 { return float64(step + 1) }

	single := map[string]*stub{"cat-1": newStub("cat-1", 0), "cat-2": newStub("cat-2", 2), "cat-3": newStub("cat-3", 0)}
	single["cat-1"].discharge = q1
	e, err := New(Config{Graph: g, Clock: hourlyClock(t, 4)}, stubs(single["cat-1"], single["cat-2"], single["cat-3"]))
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	plan, err := partition.NewPlan(g, 2, partition.Contiguous{}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"nex-1"}, plan.BoundaryNexuses())
	b, ok := plan.Boundary(0, "nex-1")
	require.True(t, ok)
	assert.Equal(t, partition.RoleSender, b.Role)

	dist := map[string]*stub{"cat-1": newStub("cat-1", 0), "cat-2": newStub("cat-2", 2), "cat-3": newStub("cat-3", 0)}
	dist["cat-1"].discharge = q1
	for _, err := range runWorkers(t, g, plan, 4, 5*time.Second, dist) {
		require.NoError(t, err)
	}

	assert.Equal(t, []float64{0, 3, 4, 5}, single["cat-3"].seen())
	assert.Equal(t, single["cat-3"].seen(), dist["cat-3"].seen())
}

// gatedChannel holds every receive until opened.
type gatedChannel struct {
	gate     chan struct{}
	partials map[int]float64
	sent     int
}

func (g *gatedChannel) Send(context.Context, string, int, float64) error { g.sent++; return nil }

func (g *gatedChannel) Receive(ctx context.Context, nexusID string, step int) (float64, error) {
	all, err := g.ReceiveAll(ctx, nexusID, step)
	var sum float64
	for _, v := range all {
		sum += v
	}
	return sum, err
}

func (g *gatedChannel) ReceiveAll(ctx context.Context, _ string, _ int) (map[int]float64, error) {
	select {
	case <-g.gate:
		return g.partials, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedChannel) Abort(context.Context, error) {}
func (g *gatedChannel) Close() error                 { return nil }

func TestReceiverReadsOnlyAfterExchange(t *testing.T) {
	g := confluence(t)
	plan, err := partition.NewPlan(g, 2, partition.Contiguous{}, nil)
	require.NoError(t, err)

	ch := &gatedChannel{gate: make(chan struct{}), partials: map[int]float64{0: 3}}
	c3 := newStub("cat-3", 0)
	e, err := New(Config{Graph: g, Plan: plan, Rank: 1, Clock: hourlyClock(t, 2), Channel: ch}, stubs(c3))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Step(context.Background()) }()

	assert.Eventually(t, func() bool { return e.State() == AwaitingRemote }, time.Second, 5*time.Millisecond)
	_, ok := e.NexusTotal("nex-1", 0)
	assert.False(t, ok, "nexus settled before the exchange")

	close(ch.gate)
	require.NoError(t, <-done)
	total, ok := e.NexusTotal("nex-1", 0)
	require.True(t, ok)
	assert.Equal(t, 3.0, total)

	require.NoError(t, e.Step(context.Background()))
	assert.Equal(t, []float64{0, 3}, c3.seen())
	assert.Zero(t, ch.sent, "a pure receiver sends nothing")
}

func TestFormulationFailureAbortsAllWorkers(t *testing.T) {
	g := confluence(t)
	plan, err := partition.NewPlan(g, 2, partition.Contiguous{}, nil)
	require.NoError(t, err)

	all := map[string]*stub{"cat-1": newStub("cat-1", 1), "cat-2": newStub("cat-2", 1), "cat-3": newStub("cat-3", 0)}
	all["cat-1"].failAt = 1

	errs := runWorkers(t, g, plan, 4, 5*time.Second, all)

	require.Error(t, errs[0])
	assert.ErrorIs(t, errs[0], okerrors.ErrUpdate)
	var oe *okerrors.Error
	require.ErrorAs(t, errs[0], &oe)
	assert.Equal(t, "cat-1", oe.NodeID)
	assert.Equal(t, 1, oe.Step)
	assert.Equal(t, 0, oe.Rank)

	require.Error(t, errs[1])
	assert.ErrorIs(t, errs[1], okerrors.ErrRunAborted)

	for id, s := range all {
		assert.Equal(t, 1, s.finals, id)
	}
	assert.Equal(t, 1, all["cat-2"].updates, "cat-2 never ran step 1")
}

func TestRemoteSyncTimeoutIsFatal(t *testing.T) {
	g := confluence(t)
	plan, err := partition.NewPlan(g, 2, partition.Contiguous{}, nil)
	require.NoError(t, err)

	hub := boundary.NewMemoryHub()
	ch, err := boundary.NewExchange(context.Background(), boundary.Config{RunID: "run-1", Rank: 1, Timeout: 50 * time.Millisecond}, plan, hub.Transport(), nil)
	require.NoError(t, err)
	c3 := newStub("cat-3", 0)
	e, err := New(Config{Graph: g, Plan: plan, Rank: 1, Clock: hourlyClock(t, 2), Channel: ch}, stubs(c3))
	require.NoError(t, err)
	defer e.Close()

	err = e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, okerrors.ErrRemoteSyncTimeout)
	assert.True(t, okerrors.IsFatal(err))
	var oe *okerrors.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "nex-1", oe.NodeID)
	assert.Equal(t, 0, oe.Step)
	assert.Equal(t, 0, oe.Rank, "names the silent peer")
	assert.Equal(t, Failed, e.State())
	assert.Equal(t, 1, c3.finals)
}

func TestCancelledRunAborts(t *testing.T) {
	c1, c2 := newStub("cat-1", 1), newStub("cat-2", 1)
	e, err := New(Config{Graph: chain(t), Clock: hourlyClock(t, 3)}, stubs(c1, c2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Run(ctx)
	assert.ErrorIs(t, err, okerrors.ErrRunAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c1.updates)
	assert.Equal(t, 1, c1.finals)
}

func TestNewValidation(t *testing.T) {
	g := confluence(t)
	plan, err := partition.NewPlan(g, 2, partition.Contiguous{}, nil)
	require.NoError(t, err)
	clock := hourlyClock(t, 1)

	_, err = New(Config{Clock: clock}, nil)
	assert.Error(t, err)
	_, err = New(Config{Graph: g}, nil)
	assert.Error(t, err)

	_, err = New(Config{Graph: g, Clock: clock}, stubs(newStub("cat-1", 0), newStub("cat-2", 0)))
	assert.ErrorIs(t, err, okerrors.ErrInvalidState, "cat-3 has no formulation")

	_, err = New(Config{Graph: g, Plan: plan, Rank: 1, Clock: clock, Channel: &gatedChannel{}}, stubs(newStub("cat-1", 0), newStub("cat-3", 0)))
	assert.ErrorIs(t, err, okerrors.ErrInvalidState, "cat-1 is owned by rank 0")

	_, err = New(Config{Graph: g, Plan: plan, Rank: 1, Clock: clock}, stubs(newStub("cat-3", 0)))
	assert.ErrorIs(t, err, okerrors.ErrInvalidState, "boundary without channel")

	_, err = New(Config{Graph: g, Plan: plan, Rank: 4, Clock: clock, Channel: &gatedChannel{}}, nil)
	assert.ErrorIs(t, err, okerrors.ErrInvalidTopology)
}

func TestRealFormulations(t *testing.T) {
	reg := bmi.NewRegistry()
	reg.Register(native.TypeGo, native.Loader{})
	deps := formulation.Deps{Registry: reg}
	ctx := context.Background()

	upstream, err := formulation.Build(ctx, formulation.Config{
		CatchmentID: "cat-1",
		Modules: []formulation.ModuleConfig{{Descriptor: bmi.Descriptor{
			ID: "const", Type: native.TypeGo, EntryPoint: models.EntryConstant,
			Config:  map[string]any{"values": map[string]any{"Q_OUT": 5.0}},
			Outputs: []bmi.VarSpec{{Name: "Q_OUT", Unit: "m3/s"}},
		}}},
	}, deps)
	require.NoError(t, err)

	downstream, err := formulation.Build(ctx, formulation.Config{
		CatchmentID: "cat-2",
		Modules: []formulation.ModuleConfig{{
			Descriptor: bmi.Descriptor{
				ID: "lr", Type: native.TypeGo, EntryPoint: models.EntryLinearReservoir,
				Config:  map[string]any{"k": 0.5},
				Inputs:  []bmi.VarSpec{{Name: "precipitation", Unit: "mm/h"}, {Name: formulation.UpstreamInflow, Unit: "m3/s"}},
				Outputs: []bmi.VarSpec{{Name: "Q_OUT", Unit: "m3/s"}, {Name: "storage", Unit: "m3"}},
			},
			Defaults: map[string]float64{"precipitation": 0},
		}},
	}, deps)
	require.NoError(t, err)

	e, err := New(Config{Graph: chain(t), Clock: hourlyClock(t, 2)},
		map[string]formulation.Formulation{"cat-1": upstream, "cat-2": downstream})
	require.NoError(t, err)

	require.NoError(t, e.Step(ctx))
	total, _ := e.NexusTotal("nex-1", 0)
	assert.Equal(t, 5.0, total)
	q, err := downstream.Discharge()
	require.NoError(t, err)
	assert.Equal(t, 0.0, q)

	require.NoError(t, e.Step(ctx))
	q, err = downstream.Discharge()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, q, 1e-9)
	total, _ = e.NexusTotal("nex-2", 1)
	assert.InDelta(t, 2.5, total, 1e-9)
	require.NoError(t, e.Close())
}

func TestErrgroupWorkersStopOnFirstError(t *testing.T) {
	g := chain(t)
	plan, err := partition.NewPlan(g, 2, partition.Contiguous{}, nil)
	require.NoError(t, err)
	hub := boundary.NewMemoryHub()

	bad := newStub("cat-1", 1)
	bad.failAt = 0
	all := map[string]*stub{"cat-1": bad, "cat-2": newStub("cat-2", 0)}

	grp, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < 2; rank++ {
		part, _ := plan.Partition(rank)
		forms := map[string]formulation.Formulation{}
		for _, c := range part.CatchmentIDs {
			forms[c] = all[c]
		}
		ch, err := boundary.NewExchange(ctx, boundary.Config{RunID: "run-2", Rank: rank, Timeout: 5 * time.Second}, plan, hub.Transport(), nil)
		require.NoError(t, err)
		e, err := New(Config{Graph: g, Plan: plan, Rank: rank, Clock: hourlyClock(t, 3), Channel: ch}, forms)
		require.NoError(t, err)
		grp.Go(func() error {
			defer e.Close()
			return e.Run(ctx)
		})
	}
	err = grp.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, okerrors.ErrUpdate) || errors.Is(err, okerrors.ErrRunAborted))
}
