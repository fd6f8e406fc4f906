package boundary

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/partition"
	"go.uber.org/zap"
)

// Channel is the executor's view of cross-worker nexus exchange.
type Channel interface {
	// Send publishes this worker's partial sum of nexusID at step.
	Send(ctx context.Context, nexusID string, step int, value float64) error
	// Receive blocks until every remote partial of nexusID at step arrived
	// and returns their sum.
	Receive(ctx context.Context, nexusID string, step int) (float64, error)
	// ReceiveAll is Receive keyed by sending rank.
	ReceiveAll(ctx context.Context, nexusID string, step int) (map[int]float64, error)
	// Abort tells every peer the run failed.
	Abort(ctx context.Context, cause error)
	Close() error
}

// Transport delivers messages between ranks.
type Transport interface {
	Publish(ctx context.Context, toRank int, msg Message) error
	// Start begins delivering messages addressed to rank. deliver may be
	// called from any goroutine.
	Start(ctx context.Context, rank int, deliver func(Message)) error
	Close() error
}

// Config holds Exchange settings.
type Config struct {
	RunID string
	Rank  int

	// Timeout bounds every Receive. Default 30s.
	Timeout time.Duration

	// PublishMaxRetries is the number of retries after a failed publish. Default 3.
	PublishMaxRetries int

	// RetryDelay is the pause between publish attempts. Default 200ms.
	RetryDelay time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig(runID string, rank int) Config {
	return Config{
		RunID:             runID,
		Rank:              rank,
		Timeout:           30 * time.Second,
		PublishMaxRetries: 3,
		RetryDelay:        200 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.RunID, c.Rank)
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PublishMaxRetries < 0 {
		c.PublishMaxRetries = 0
	} else if c.PublishMaxRetries == 0 {
		c.PublishMaxRetries = d.PublishMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
}

type mailKey struct {
	nexus string
	step  int
	from  int
}

// Exchange implements Channel over a Transport using a partition plan's
// boundary table.
type Exchange struct {
	cfg       Config
	plan      *partition.Plan
	transport Transport
	logger    *zap.Logger

	mu      sync.Mutex
	mailbox map[mailKey]float64
	done    map[string]int // nexus -> lowest step still accepted
	changed chan struct{}
	aborted error
	closed  bool
}

// NewExchange starts delivery on transport and returns the exchange for cfg.Rank.
func NewExchange(ctx context.Context, cfg Config, plan *partition.Plan, transport Transport, logger *zap.Logger) (*Exchange, error) {
	if plan == nil {
		return nil, fmt.Errorf("partition plan is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Rank < 0 || cfg.Rank >= plan.Workers {
		return nil, fmt.Errorf("rank %d outside plan of %d workers", cfg.Rank, plan.Workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	e := &Exchange{
		cfg:       cfg,
		plan:      plan,
		transport: transport,
		logger:    logger.With(zap.Int("rank", cfg.Rank), zap.String("run_id", cfg.RunID)),
		mailbox:   make(map[mailKey]float64),
		done:      make(map[string]int),
		changed:   make(chan struct{}),
	}
	if err := transport.Start(ctx, cfg.Rank, e.deliver); err != nil {
		return nil, fmt.Errorf("starting boundary transport: %w", err)
	}
	return e, nil
}

// Rank is this worker's rank.
func (e *Exchange) Rank() int { return e.cfg.Rank }

func (e *Exchange) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Exchange) deliver(msg Message) {
	if msg.RunID != e.cfg.RunID {
		e.logger.Debug("Dropping message from another run", zap.String("msg_run_id", msg.RunID))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Kind {
	case KindAbort:
		if e.aborted == nil {
			e.aborted = okerrors.Newf(okerrors.RunAborted, "rank %d aborted the run: %s", msg.FromRank, msg.Reason).WithRank(msg.FromRank)
			e.logger.Warn("Peer aborted run", zap.Int("from_rank", msg.FromRank), zap.String("reason", msg.Reason))
		}
	case KindFlow:
		if low, ok := e.done[msg.NexusID]; ok && msg.Step < low {
			return
		}
		key := mailKey{nexus: msg.NexusID, step: msg.Step, from: msg.FromRank}
		if prev, dup := e.mailbox[key]; dup {
			if prev != msg.Flow {
				e.logger.Warn("Conflicting resend ignored",
					zap.String("nexus_id", msg.NexusID),
					zap.Int("step", msg.Step),
					zap.Int("from_rank", msg.FromRank),
					zap.Float64("kept", prev),
					zap.Float64("got", msg.Flow))
			}
			return
		}
		e.mailbox[key] = msg.Flow
	default:
		return
	}
	e.notifyLocked()
}

func (e *Exchange) entry(nexusID string, step int) (partition.BoundaryEntry, error) {
	entry, ok := e.plan.Boundary(e.cfg.Rank, nexusID)
	if !ok {
		return entry, okerrors.Newf(okerrors.InvalidState, "nexus %s is not a boundary of rank %d", nexusID, e.cfg.Rank).
			WithNode(nexusID).WithStep(step).WithRank(e.cfg.Rank)
	}
	return entry, nil
}

// Send implements Channel.
func (e *Exchange) Send(ctx context.Context, nexusID string, step int, value float64) error {
	entry, err := e.entry(nexusID, step)
	if err != nil {
		return err
	}
	if !entry.Role.Sends() {
		return okerrors.Newf(okerrors.InvalidState, "rank %d only receives nexus %s", e.cfg.Rank, nexusID).
			WithNode(nexusID).WithStep(step).WithRank(e.cfg.Rank)
	}

	msg := Message{RunID: e.cfg.RunID, Kind: KindFlow, Step: step, NexusID: nexusID, FromRank: e.cfg.Rank, Flow: value}
	for _, to := range entry.SendTo {
		if err := e.publishWithRetry(ctx, to, msg); err != nil {
			return okerrors.Annotate(err, okerrors.RemoteSyncTimeout, nexusID, step, e.cfg.Rank)
		}
	}
	return nil
}

func (e *Exchange) publishWithRetry(ctx context.Context, to int, msg Message) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.PublishMaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Info("Retrying publish",
				zap.Int("to_rank", to),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", e.cfg.PublishMaxRetries+1),
				zap.Duration("retry_delay", e.cfg.RetryDelay))
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(e.cfg.RetryDelay):
			}
		}
		if lastErr = e.transport.Publish(ctx, to, msg); lastErr == nil {
			return nil
		}
		e.logger.Warn("Publish failed",
			zap.Int("to_rank", to),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%w after %d attempts: %v", okerrors.ErrPublishFailed, e.cfg.PublishMaxRetries+1, lastErr)
}

// Receive implements Channel.
func (e *Exchange) Receive(ctx context.Context, nexusID string, step int) (float64, error) {
	parts, err := e.ReceiveAll(ctx, nexusID, step)
	if err != nil {
		return 0, err
	}
	ranks := make([]int, 0, len(parts))
	for r := range parts {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	var sum float64
	for _, r := range ranks {
		sum += parts[r]
	}
	return sum, nil
}

// ReceiveAll implements Channel.
func (e *Exchange) ReceiveAll(ctx context.Context, nexusID string, step int) (map[int]float64, error) {
	entry, err := e.entry(nexusID, step)
	if err != nil {
		return nil, err
	}
	if !entry.Role.Receives() {
		return nil, okerrors.Newf(okerrors.InvalidState, "rank %d only sends nexus %s", e.cfg.Rank, nexusID).
			WithNode(nexusID).WithStep(step).WithRank(e.cfg.Rank)
	}

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		if e.aborted != nil {
			err := e.aborted
			e.mu.Unlock()
			return nil, err
		}
		if e.closed {
			e.mu.Unlock()
			return nil, okerrors.Newf(okerrors.InvalidState, "boundary exchange closed").WithNode(nexusID).WithStep(step).WithRank(e.cfg.Rank)
		}
		parts, missing := e.collectLocked(nexusID, step, entry.ReceiveFrom)
		if missing < 0 {
			e.consumeLocked(nexusID, step)
			e.mu.Unlock()
			return parts, nil
		}
		wait := e.changed
		e.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			e.logger.Error("Timed out waiting for remote flow",
				zap.String("nexus_id", nexusID),
				zap.Int("step", step),
				zap.Int("missing_rank", missing),
				zap.Duration("timeout", e.cfg.Timeout))
			return nil, okerrors.New(okerrors.RemoteSyncTimeout,
				fmt.Sprintf("no flow for nexus %s from rank %d within %s", nexusID, missing, e.cfg.Timeout), okerrors.ErrTimeout).
				WithNode(nexusID).WithStep(step).WithRank(missing)
		case <-ctx.Done():
			return nil, okerrors.New(okerrors.RemoteSyncTimeout, "receive cancelled", ctx.Err()).
				WithNode(nexusID).WithStep(step).WithRank(e.cfg.Rank)
		}
	}
}

// collectLocked returns the received partials and the first missing rank,
// or -1 when none is missing.
func (e *Exchange) collectLocked(nexusID string, step int, from []int) (map[int]float64, int) {
	parts := make(map[int]float64, len(from))
	for _, r := range from {
		v, ok := e.mailbox[mailKey{nexus: nexusID, step: step, from: r}]
		if !ok {
			return nil, r
		}
		parts[r] = v
	}
	return parts, -1
}

func (e *Exchange) consumeLocked(nexusID string, step int) {
	for k := range e.mailbox {
		if k.nexus == nexusID && k.step <= step {
			delete(e.mailbox, k)
		}
	}
	if low := e.done[nexusID]; step+1 > low {
		e.done[nexusID] = step + 1
	}
}

// Abort implements Channel. Delivery to peers is best effort.
func (e *Exchange) Abort(ctx context.Context, cause error) {
	reason := "aborted"
	if cause != nil {
		reason = cause.Error()
	}

	e.mu.Lock()
	if e.aborted == nil {
		e.aborted = okerrors.New(okerrors.RunAborted, "run aborted locally", cause).WithRank(e.cfg.Rank)
		e.notifyLocked()
	}
	e.mu.Unlock()

	msg := Message{RunID: e.cfg.RunID, Kind: KindAbort, FromRank: e.cfg.Rank, Reason: reason}
	for r := 0; r < e.plan.Workers; r++ {
		if r == e.cfg.Rank {
			continue
		}
		if err := e.transport.Publish(ctx, r, msg); err != nil {
			e.logger.Warn("Failed to deliver abort", zap.Int("to_rank", r), zap.Error(err))
		}
	}
}

// Close stops the transport and fails pending receives.
func (e *Exchange) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.notifyLocked()
	e.mu.Unlock()
	return e.transport.Close()
}
