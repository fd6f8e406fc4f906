// Package simtime provides the simulation time context owned by the executor.
package simtime

import (
	"fmt"
	"sync"
	"time"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// Context is a read-only view of simulation time for one step.
type Context struct {
	Step     int
	StepSize time.Duration
	Start    time.Time
	End      time.Time
}

// Current returns the time at the beginning of the step.
func (c Context) Current() time.Time {
	return c.Start.Add(time.Duration(c.Step) * c.StepSize)
}

// Next returns the time at the end of the step.
func (c Context) Next() time.Time {
	return c.Current().Add(c.StepSize)
}

// StepSeconds returns the step size in seconds.
func (c Context) StepSeconds() float64 {
	return c.StepSize.Seconds()
}

// ElapsedSeconds returns model seconds from Start to the end of the step.
func (c Context) ElapsedSeconds() float64 {
	return float64(c.Step+1) * c.StepSeconds()
}

// TotalSteps returns the number of steps in [Start, End).
func (c Context) TotalSteps() int {
	if c.StepSize <= 0 {
		return 0
	}
	return int(c.End.Sub(c.Start) / c.StepSize)
}

// At returns a copy positioned at step.
func (c Context) At(step int) Context {
	c.Step = step
	return c
}

// Clock is the single writer of simulation time. Readers take Context
// snapshots through Now.
type Clock struct {
	mu     sync.RWMutex
	ctx    Context
	closed bool
}

// NewClock creates a clock at step 0 of [start, end).
func NewClock(start, end time.Time, step time.Duration) (*Clock, error) {
	if step <= 0 {
		return nil, okerrors.Newf(okerrors.TimeStepError, "step size must be positive, got %s", step)
	}
	if !end.After(start) {
		return nil, okerrors.Newf(okerrors.TimeStepError, "end %s is not after start %s", end, start)
	}
	if end.Sub(start)%step != 0 {
		return nil, okerrors.Newf(okerrors.TimeStepError, "window %s is not a whole number of %s steps", end.Sub(start), step)
	}
	return &Clock{ctx: Context{StepSize: step, Start: start, End: end}}, nil
}

// Now returns the current time context.
func (c *Clock) Now() Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// Done reports whether every step has been advanced past.
func (c *Clock) Done() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || c.ctx.Step >= c.ctx.TotalSteps()
}

// Advance moves to the next step.
func (c *Clock) Advance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return okerrors.Newf(okerrors.InvalidState, "clock is closed")
	}
	if c.ctx.Step >= c.ctx.TotalSteps() {
		return okerrors.Newf(okerrors.TimeStepError, "cannot advance past end %s", c.ctx.End).WithStep(c.ctx.Step)
	}
	c.ctx.Step++
	return nil
}

// Close tears the clock down; later advances fail.
func (c *Clock) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c Context) String() string {
	return fmt.Sprintf("step %d (%s)", c.Step, c.Current().Format(time.RFC3339))
}
