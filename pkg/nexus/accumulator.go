// Package nexus accumulates per-step flow contributions at a nexus.
package nexus

import (
	"sort"
	"sync"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/network"
)

type stepState struct {
	local  map[string]float64
	remote map[int]float64
	final  bool
	total  float64
}

// Accumulator collects contributions to one nexus. Local contributions are
// keyed by catchment id, remote partial sums by worker rank; both overwrite
// on repeat so resends are harmless.
type Accumulator struct {
	mu sync.Mutex

	nexus        network.Nexus
	contributors map[string]bool
	ranks        map[int]bool
	steps        map[int]*stepState
}

// New creates an accumulator expecting the given local contributors and
// remote ranks before a step can be finalized.
func New(nexus network.Nexus, localContributors []string, remoteRanks []int) *Accumulator {
	a := &Accumulator{
		nexus:        nexus,
		contributors: make(map[string]bool, len(localContributors)),
		ranks:        make(map[int]bool, len(remoteRanks)),
		steps:        make(map[int]*stepState),
	}
	for _, c := range localContributors {
		a.contributors[c] = true
	}
	for _, r := range remoteRanks {
		a.ranks[r] = true
	}
	return a
}

// ID is the nexus id.
func (a *Accumulator) ID() string { return a.nexus.ID }

// RemoteRanks returns the expected remote ranks, sorted.
func (a *Accumulator) RemoteRanks() []int {
	out := make([]int, 0, len(a.ranks))
	for r := range a.ranks {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

func (a *Accumulator) state(step int) *stepState {
	s, ok := a.steps[step]
	if !ok {
		s = &stepState{local: make(map[string]float64), remote: make(map[int]float64)}
		a.steps[step] = s
	}
	return s
}

func (a *Accumulator) stateErr(step int, format string, args ...any) error {
	return okerrors.Newf(okerrors.InvalidState, format, args...).WithNode(a.nexus.ID).WithStep(step)
}

// Add records the flow (m3/s) a local catchment sends to this nexus at step.
func (a *Accumulator) Add(step int, from string, flow float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.contributors[from] {
		return a.stateErr(step, "%s is not a local contributor of nexus %s", from, a.nexus.ID)
	}
	s := a.state(step)
	if s.final {
		return a.stateErr(step, "nexus %s already finalized for step %d", a.nexus.ID, step)
	}
	s.local[from] = flow
	return nil
}

// AddRemote records the partial sum received from rank at step.
func (a *Accumulator) AddRemote(step, rank int, flow float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ranks[rank] {
		return a.stateErr(step, "rank %d does not send to nexus %s", rank, a.nexus.ID)
	}
	s := a.state(step)
	if s.final {
		if s.remote[rank] == flow {
			return nil
		}
		return a.stateErr(step, "nexus %s already finalized for step %d", a.nexus.ID, step)
	}
	s.remote[rank] = flow
	return nil
}

// Partial is the sum of local contributions at step.
func (a *Accumulator) Partial(step int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sumLocal(a.steps[step])
}

func sumLocal(s *stepState) float64 {
	if s == nil {
		return 0
	}
	keys := make([]string, 0, len(s.local))
	for k := range s.local {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += s.local[k]
	}
	return sum
}

func sumRemote(s *stepState) float64 {
	if s == nil {
		return 0
	}
	ranks := make([]int, 0, len(s.remote))
	for r := range s.remote {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	var sum float64
	for _, r := range ranks {
		sum += s.remote[r]
	}
	return sum
}

// LocalComplete reports whether every local contributor reported for step.
func (a *Accumulator) LocalComplete(step int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.steps[step]
	if s == nil {
		return len(a.contributors) == 0
	}
	return len(s.local) == len(a.contributors)
}

// Complete reports whether all local and remote contributions for step arrived.
func (a *Accumulator) Complete(step int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete(step)
}

func (a *Accumulator) complete(step int) bool {
	s := a.steps[step]
	if s == nil {
		return len(a.contributors) == 0 && len(a.ranks) == 0
	}
	return len(s.local) == len(a.contributors) && len(s.remote) == len(a.ranks)
}

// Finalize fixes the step total. It fails InvalidState when contributions are
// missing; finalizing twice returns the same total.
func (a *Accumulator) Finalize(step int) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(step)
	if s.final {
		return s.total, nil
	}
	if !a.complete(step) {
		return 0, a.stateErr(step, "nexus %s missing contributions for step %d (%d/%d local, %d/%d remote)",
			a.nexus.ID, step, len(s.local), len(a.contributors), len(s.remote), len(a.ranks))
	}
	s.total = sumLocal(s) + sumRemote(s)
	s.final = true
	return s.total, nil
}

// Total returns the finalized total for step.
func (a *Accumulator) Total(step int) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.steps[step]
	if !ok || !s.final {
		return 0, false
	}
	return s.total, true
}

// Release returns the share of the finalized step total released to receiver.
func (a *Accumulator) Release(step int, receiver string) (float64, error) {
	total, ok := a.Total(step)
	if !ok {
		return 0, a.stateErr(step, "nexus %s read before step %d was finalized", a.nexus.ID, step)
	}
	return total * a.nexus.ReleasePercent(receiver) / 100, nil
}

// Expire drops every step before beforeStep.
func (a *Accumulator) Expire(beforeStep int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for step := range a.steps {
		if step < beforeStep {
			delete(a.steps, step)
		}
	}
}

// Steps is the number of steps currently held.
func (a *Accumulator) Steps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.steps)
}
