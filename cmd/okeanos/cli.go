package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Okeanos/pkg/config"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/realization"
	"github.com/wehubfusion/Okeanos/pkg/runner"
	"go.uber.org/zap"
)

const usage = `
Okeanos - distributed catchment/nexus simulation driver.

Usage:
  okeanos partition [options]   write or publish the partition plan
  okeanos run [options]         run one worker, or every worker with -local

Worker settings are read from OKEANOS_* environment variables and an
optional .env file; flags override them.
`

// ExitError is an error that carries a process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func usageErr(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// run dispatches a subcommand. It is separate from main for testing.
func run(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return usageErr("%v", err)
	}

	switch args[0] {
	case "partition":
		return partitionCmd(ctx, out, cfg, args[1:])
	case "run":
		return runCmd(ctx, out, cfg, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}
	return usageErr("unknown command %q", args[0])
}

// workerFlags binds the settings shared by every subcommand, defaulting to
// the environment.
func workerFlags(name string, out io.Writer, cfg *config.WorkerConfig) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.Realization, "realization", cfg.Realization, "Path to the realization file.")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of workers. 0 uses the realization's value.")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "Partition strategy: greedy, round_robin or contiguous.")
	fs.StringVar(&cfg.RunID, "run-id", cfg.RunID, "Run id shared by all workers. Generated when empty.")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error.")
	return fs
}

func parse(fs *flag.FlagSet, args []string, cfg *config.WorkerConfig) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return true, nil
		}
		return false, usageErr("%v", err)
	}
	if fs.NArg() > 0 {
		return false, usageErr("unexpected arguments: %v", fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return false, usageErr("%v", err)
	}
	return false, nil
}

func newRunner(ctx context.Context, cfg *config.WorkerConfig, logger *zap.Logger) (*runner.Runner, error) {
	real, err := realization.Load(cfg.Realization)
	if err != nil {
		return nil, err
	}
	return runner.New(ctx, runner.Options{
		Config:      cfg,
		Realization: real,
		Logger:      logger,
		Tracing:     runner.TracingFromWorkerConfig("okeanos", cfg),
	})
}

func partitionCmd(ctx context.Context, out io.Writer, cfg *config.WorkerConfig, args []string) error {
	fs := workerFlags("partition", out, cfg)
	output := fs.String("o", "partition.json", "Output file for the plan, - for stdout.")
	publish := fs.Bool("publish", false, "Upload the plan to blob storage for the run id.")
	if exit, err := parse(fs, args, cfg); exit || err != nil {
		return err
	}
	if *publish && cfg.RunID == "" {
		return usageErr("-publish requires -run-id or %sRUN_ID", config.Prefix)
	}
	// The plan is always computed here, never read back.
	cfg.PlanFile = ""

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	r, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	plan := r.Plan()
	switch *output {
	case "":
	case "-":
		data, err := plan.Encode()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	default:
		if err := plan.WriteFile(*output); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote plan for %d workers to %s\n", plan.Workers, *output)
	}
	if *publish {
		ref, err := r.PublishPlan(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "published plan for run %s to %s\n", r.RunID(), ref)
	}
	return nil
}

func runCmd(ctx context.Context, out io.Writer, cfg *config.WorkerConfig, args []string) error {
	fs := workerFlags("run", out, cfg)
	fs.IntVar(&cfg.Rank, "rank", cfg.Rank, "Rank of this worker.")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Boundary transport: memory, nats or redis.")
	fs.StringVar(&cfg.PlanFile, "plan", cfg.PlanFile, "Partition plan file, or \"blob\" for the run's published plan.")
	fs.DurationVar(&cfg.SyncTimeout, "sync-timeout", cfg.SyncTimeout, "Bound on every boundary exchange.")
	local := fs.Bool("local", false, "Run every worker of the plan in this process.")
	flowsOut := fs.String("flows", "", "Write settled nexus flows as JSON to this file.")
	if exit, err := parse(fs, args, cfg); exit || err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	flushSentry, err := initSentry(cfg)
	if err != nil {
		logger.Warn("Failed to initialize sentry, continuing without error reporting", zap.Error(err))
	}
	defer flushSentry()

	r, err := newRunner(ctx, cfg, logger)
	if err != nil {
		reportError(err, cfg)
		return err
	}
	defer r.Close()
	cfg.RunID = r.RunID()

	var reports []*runner.Report
	if *local {
		reports, err = r.RunLocal(ctx)
	} else {
		var rep *runner.Report
		rep, err = r.Run(ctx)
		reports = append(reports, rep)
	}
	if err != nil {
		reportError(err, cfg)
		return err
	}

	flows := runner.MergeFlows(reports...)
	printSummary(out, r.RunID(), flows)
	if *flowsOut != "" {
		return writeFlows(*flowsOut, flows)
	}
	return nil
}

// printSummary writes the last settled total of every nexus.
func printSummary(out io.Writer, runID string, flows map[string][]float64) {
	ids := make([]string, 0, len(flows))
	for id := range flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "run %s: %d nexuses settled\n", runID, len(ids))
	for _, id := range ids {
		series := flows[id]
		if len(series) == 0 {
			continue
		}
		fmt.Fprintf(out, "  %-16s step %-6d %12.4f m3/s\n", id, len(series)-1, series[len(series)-1])
	}
}

func writeFlows(path string, flows map[string][]float64) error {
	data, err := sonic.ConfigStd.MarshalIndent(flows, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding flows: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// initSentry enables error reporting when a DSN is configured. The returned
// func flushes pending events and is never nil.
func initSentry(cfg *config.WorkerConfig) (func(), error) {
	noop := func() {}
	if cfg.SentryDSN == "" {
		return noop, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  fmt.Sprintf("okeanos-rank-%d", cfg.Rank),
	})
	if err != nil {
		return noop, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// reportError sends a fatal run error to sentry, tagged with its kind and
// location. It is a no-op without an initialized client.
func reportError(err error, cfg *config.WorkerConfig) {
	if cfg.SentryDSN == "" {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(errorTags(err, cfg))
		sentry.CaptureException(err)
	})
}

func errorTags(err error, cfg *config.WorkerConfig) map[string]string {
	tags := map[string]string{
		"run_id":    cfg.RunID,
		"rank":      fmt.Sprint(cfg.Rank),
		"transport": cfg.Transport,
	}
	if kind, ok := okerrors.KindOf(err); ok {
		tags["kind"] = string(kind)
	}
	var oe *okerrors.Error
	if errors.As(err, &oe) {
		if oe.NodeID != "" {
			tags["node_id"] = oe.NodeID
		}
		if oe.Step >= 0 {
			tags["step"] = fmt.Sprint(oe.Step)
		}
	}
	return tags
}
