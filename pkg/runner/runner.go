// Package runner assembles simulation workers from a realization and a worker
// configuration. It resolves the partition plan, builds the formulations of
// the owned catchments, connects the boundary channel and drives the executor.
// A Runner can run a single rank against NATS or Redis peers, or every rank
// in process over an in-memory hub.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/bmi/all"
	"github.com/wehubfusion/Okeanos/pkg/boundary"
	"github.com/wehubfusion/Okeanos/pkg/concurrency"
	"github.com/wehubfusion/Okeanos/pkg/config"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/executor"
	"github.com/wehubfusion/Okeanos/pkg/forcing"
	"github.com/wehubfusion/Okeanos/pkg/formulation"
	"github.com/wehubfusion/Okeanos/pkg/network"
	"github.com/wehubfusion/Okeanos/pkg/partition"
	"github.com/wehubfusion/Okeanos/pkg/realization"
	"github.com/wehubfusion/Okeanos/pkg/simtime"
	"github.com/wehubfusion/Okeanos/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options holds the inputs of New. Config and Realization are required.
type Options struct {
	Config      *config.WorkerConfig
	Realization *realization.Realization
	Logger      *zap.Logger

	// Registry resolves module types. Default all.NewRegistry.
	Registry *bmi.Registry

	// Blob backs blob forcing and published plans. When nil and the config
	// carries a connection string, an Azure client is created.
	Blob storage.BlobStore

	// Forcing overrides the realization's forcing source.
	Forcing forcing.Factory

	// Tracing is optional - if nil, spans go to the global provider as is.
	Tracing *TracingConfig

	// InitConcurrency bounds how many formulations a rank sets up at once.
	// Default concurrency.DefaultLimit.
	InitConcurrency int
}

// Report summarizes the run of one rank.
type Report struct {
	Rank       int
	Catchments []string
	Steps      int

	// Flows holds the settled total (m3/s) of every nexus this rank settles,
	// indexed by step.
	Flows map[string][]float64
}

// MergeFlows combines the flows of several ranks. Each nexus is settled by a
// single rank, so no values collide.
func MergeFlows(reports ...*Report) map[string][]float64 {
	out := make(map[string][]float64)
	for _, r := range reports {
		if r == nil {
			continue
		}
		for n, v := range r.Flows {
			out[n] = v
		}
	}
	return out
}

// Runner owns everything shared by the workers of one run.
type Runner struct {
	cfg      config.WorkerConfig
	real     *realization.Realization
	graph    *network.Graph
	plan     *partition.Plan
	registry *bmi.Registry
	forcing  forcing.Factory
	blob     storage.BlobStore
	limiter  *concurrency.Limiter
	logger   *zap.Logger
	tracer   trace.Tracer

	tracingShutdown func(context.Context) error
}

// New validates the options, resolves the partition plan and sets up tracing
// when configured. Tracing failures are logged and the runner continues
// without export.
func New(ctx context.Context, opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("worker config cannot be nil")
	}
	if opts.Realization == nil {
		return nil, errors.New("realization cannot be nil")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Runner{
		cfg:      *opts.Config,
		real:     opts.Realization,
		registry: opts.Registry,
		forcing:  opts.Forcing,
		blob:     opts.Blob,
		limiter:  concurrency.NewLimiter(opts.InitConcurrency),
		tracer:   otel.Tracer("okeanos/runner"),
	}
	if r.cfg.RunID == "" {
		r.cfg.RunID = uuid.NewString()
	}
	r.logger = opts.Logger.With(zap.String("run_id", r.cfg.RunID))
	if r.registry == nil {
		r.registry = all.NewRegistry(r.logger)
	}

	graph, err := r.real.Graph()
	if err != nil {
		return nil, err
	}
	r.graph = graph

	if r.blob == nil && r.cfg.BlobConnectionString != "" {
		client, err := storage.NewAzureBlobClient(r.cfg.BlobConnectionString, r.cfg.BlobContainer, r.logger)
		if err != nil {
			return nil, err
		}
		r.blob = client
	}
	if r.forcing == nil {
		if r.forcing, err = r.forcingFactory(); err != nil {
			return nil, err
		}
	}

	if r.plan, err = r.resolvePlan(ctx); err != nil {
		return nil, err
	}
	if r.cfg.Rank >= r.plan.Workers {
		return nil, okerrors.Newf(okerrors.InvalidTopology, "rank %d outside plan of %d workers", r.cfg.Rank, r.plan.Workers).WithRank(r.cfg.Rank)
	}

	if opts.Tracing != nil {
		tc := opts.Tracing.toInternalConfig(r.cfg.RunID, r.cfg.Rank)
		shutdown, err := setupTracing(ctx, tc, r.logger)
		if err != nil {
			r.logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracingShutdown = shutdown
		}
	}

	r.logger.Info("Runner ready",
		zap.Int("workers", r.plan.Workers),
		zap.Int("catchments", len(r.graph.CatchmentIDs())),
		zap.Int("nexuses", len(r.graph.NexusIDs())),
		zap.Int("boundary_nexuses", len(r.plan.BoundaryNexuses())))
	return r, nil
}

// RunID returns the id shared by the workers of this run.
func (r *Runner) RunID() string { return r.cfg.RunID }

// Plan returns the partition plan in use.
func (r *Runner) Plan() *partition.Plan { return r.plan }

func (r *Runner) forcingFactory() (forcing.Factory, error) {
	f := r.real.Forcing
	switch f.Source {
	case "", realization.ForcingNone:
		return nil, nil
	case realization.ForcingFile:
		return forcing.CSVFactory{Source: forcing.FileSource{Pattern: f.Pattern}}, nil
	case realization.ForcingBlob:
		if r.blob == nil {
			return nil, errors.New("blob forcing requires a blob store or connection string")
		}
		return forcing.CSVFactory{Source: forcing.BlobSource{Client: r.blob, Pattern: f.Pattern}}, nil
	default:
		return nil, fmt.Errorf("unknown forcing source %q", f.Source)
	}
}

func (r *Runner) workers() int {
	switch {
	case r.cfg.Workers > 0:
		return r.cfg.Workers
	case r.real.Workers > 0:
		return r.real.Workers
	}
	return 1
}

// resolvePlan reads the configured plan or builds one. A loaded plan must
// match the graph and, when the worker count is configured, its size.
func (r *Runner) resolvePlan(ctx context.Context) (*partition.Plan, error) {
	var (
		plan *partition.Plan
		err  error
	)
	switch r.cfg.PlanFile {
	case "":
		return r.BuildPlan()
	case config.PlanFromBlob:
		if r.blob == nil {
			return nil, errors.New("plan from blob requires a blob store or connection string")
		}
		data, ferr := storage.NewPlanFileClient(r.blob, r.logger).Fetch(ctx, r.cfg.RunID)
		if ferr != nil {
			return nil, ferr
		}
		plan, err = partition.Decode(data)
	default:
		plan, err = partition.ReadFile(r.cfg.PlanFile)
	}
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(r.graph); err != nil {
		return nil, err
	}
	if r.cfg.Workers > 0 && plan.Workers != r.cfg.Workers {
		return nil, okerrors.Newf(okerrors.InvalidTopology, "plan has %d workers, configuration expects %d", plan.Workers, r.cfg.Workers)
	}
	return plan, nil
}

// BuildPlan partitions the graph with the configured strategy and the
// realization's catchment weights.
func (r *Runner) BuildPlan() (*partition.Plan, error) {
	name := r.cfg.Strategy
	if name == "" {
		name = r.real.Strategy
	}
	strategy, err := partition.StrategyByName(name)
	if err != nil {
		return nil, err
	}
	return partition.NewPlan(r.graph, r.workers(), strategy, r.real.Weights())
}

// PublishPlan uploads the plan in use so other workers can fetch it with
// PlanFromBlob.
func (r *Runner) PublishPlan(ctx context.Context) (string, error) {
	if r.blob == nil {
		return "", errors.New("publishing a plan requires a blob store or connection string")
	}
	data, err := r.plan.Encode()
	if err != nil {
		return "", err
	}
	return storage.NewPlanFileClient(r.blob, r.logger).Publish(ctx, r.cfg.RunID, data, r.plan.Workers)
}

// worker is one rank's assembled executor.
type worker struct {
	exec   *executor.Executor
	clock  *simtime.Clock
	report *Report
}

// finish records how far the clock got.
func (w *worker) finish() *Report {
	w.report.Steps = w.clock.Now().Step
	return w.report
}

// newWorker builds the formulations of rank's catchments and its executor.
// transport is only used when the rank has boundary nexuses.
func (r *Runner) newWorker(ctx context.Context, rank int, transport boundary.Transport) (*worker, error) {
	logger := r.logger.With(zap.Int("rank", rank))
	part, err := r.plan.Partition(rank)
	if err != nil {
		return nil, okerrors.New(okerrors.InvalidTopology, "selecting partition", err).WithRank(rank)
	}
	clock, err := r.real.Clock()
	if err != nil {
		return nil, err
	}

	ids := part.CatchmentIDs
	built := make([]formulation.Formulation, len(ids))
	errs := r.limiter.ForEach(ctx, len(ids), func(ctx context.Context, i int) error {
		f, err := r.buildFormulation(ctx, ids[i], rank, logger)
		built[i] = f
		return err
	})

	forms := make(map[string]formulation.Formulation, len(ids))
	for i, f := range built {
		if f != nil {
			forms[ids[i]] = f
		}
	}
	release := func() {
		for id, f := range forms {
			if ferr := f.Finalize(); ferr != nil {
				logger.Warn("Failed to finalize formulation", zap.String("catchment_id", id), zap.Error(ferr))
			}
		}
		clock.Close()
	}
	for _, err := range errs {
		if err != nil {
			release()
			return nil, err
		}
	}
	logger.Debug("Formulations ready",
		zap.Int("catchments", len(ids)),
		zap.Int64("peak_concurrent", r.limiter.Metrics().Peak))

	var channel boundary.Channel
	if len(part.Boundaries) > 0 {
		if transport == nil {
			release()
			return nil, okerrors.Newf(okerrors.InvalidState, "rank %d has boundary nexuses but no transport", rank).WithRank(rank)
		}
		bc := boundary.DefaultConfig(r.cfg.RunID, rank)
		bc.Timeout = r.cfg.SyncTimeout
		ex, err := boundary.NewExchange(ctx, bc, r.plan, transport, logger)
		if err != nil {
			release()
			return nil, err
		}
		channel = ex
	}

	report := &Report{Rank: rank, Flows: make(map[string][]float64)}
	exec, err := executor.New(executor.Config{
		Graph:   r.graph,
		Plan:    r.plan,
		Rank:    rank,
		Clock:   clock,
		Channel: channel,
		Logger:  logger,
		Observe: func(nexusID string, step int, total float64) {
			report.Flows[nexusID] = append(report.Flows[nexusID], total)
		},
	}, forms)
	if err != nil {
		release()
		if channel != nil {
			channel.Close()
		}
		return nil, err
	}
	report.Catchments = exec.Catchments()
	return &worker{exec: exec, clock: clock, report: report}, nil
}

// buildFormulation loads, wires forcing into and initializes the formulation
// of catchment id.
func (r *Runner) buildFormulation(ctx context.Context, id string, rank int, logger *zap.Logger) (formulation.Formulation, error) {
	fc, ok := r.real.Formulation(id)
	if !ok {
		return nil, okerrors.Newf(okerrors.InvalidState, "catchment %s has no formulation", id).WithNode(id).WithRank(rank)
	}
	deps := formulation.Deps{Registry: r.registry, Logger: logger}
	if r.forcing != nil {
		p, err := r.forcing.ProviderFor(ctx, id)
		if err != nil {
			return nil, okerrors.New(okerrors.InitializationError, "loading forcing", err).WithNode(id).WithRank(rank)
		}
		deps.Forcing = p
	}
	f, err := formulation.Build(ctx, fc, deps)
	if err != nil {
		return nil, okerrors.Annotate(err, okerrors.InitializationError, id, -1, rank)
	}
	return f, nil
}

// Run runs the configured rank against its peers over the configured
// transport. A single-worker plan needs no transport.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rank := r.cfg.Rank
	ctx, span := r.tracer.Start(ctx, "runner.run",
		trace.WithAttributes(
			attribute.String("run_id", r.cfg.RunID),
			attribute.Int("rank", rank),
			attribute.Int("workers", r.plan.Workers),
			attribute.String("transport", r.cfg.Transport),
		))
	defer span.End()

	var (
		transport boundary.Transport
		closer    = func() {}
	)
	part, err := r.plan.Partition(rank)
	if err != nil {
		return nil, err
	}
	if len(part.Boundaries) > 0 {
		if transport, closer, err = r.dial(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	defer closer()

	w, err := r.newWorker(ctx, rank, transport)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer w.exec.Close()

	started := time.Now()
	err = w.exec.Run(ctx)
	report := w.finish()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	span.SetStatus(codes.Ok, "run completed")
	r.logger.Info("Worker finished",
		zap.Int("rank", rank),
		zap.Int("steps", report.Steps),
		zap.Duration("duration", time.Since(started)))
	return report, nil
}

// RunLocal runs every rank of the plan in process, exchanging boundary flows
// over an in-memory hub. Reports are indexed by rank. When a rank fails, the
// returned error is the root cause rather than a peer's abort.
func (r *Runner) RunLocal(ctx context.Context) ([]*Report, error) {
	ctx, span := r.tracer.Start(ctx, "runner.run_local",
		trace.WithAttributes(
			attribute.String("run_id", r.cfg.RunID),
			attribute.Int("workers", r.plan.Workers),
		))
	defer span.End()

	hub := boundary.NewMemoryHub()
	workers := make([]*worker, 0, r.plan.Workers)
	defer func() {
		for _, w := range workers {
			if err := w.exec.Close(); err != nil {
				r.logger.Warn("Failed to close worker", zap.Int("rank", w.report.Rank), zap.Error(err))
			}
		}
	}()
	for rank := 0; rank < r.plan.Workers; rank++ {
		w, err := r.newWorker(ctx, rank, hub.Transport())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		workers = append(workers, w)
	}

	errs := make([]error, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			errs[i] = w.exec.Run(gctx)
			return errs[i]
		})
	}
	_ = g.Wait()

	reports := make([]*Report, len(workers))
	for i, w := range workers {
		reports[i] = w.finish()
	}
	if err := rootCause(errs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reports, err
	}
	span.SetStatus(codes.Ok, "run completed")
	return reports, nil
}

// rootCause prefers the first error that is not a propagated abort.
func rootCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, okerrors.ErrRunAborted) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// Close flushes tracing. It should be called once the runner is no longer
// needed.
func (r *Runner) Close() error {
	return shutdownTracing(r.tracingShutdown, r.logger)
}
