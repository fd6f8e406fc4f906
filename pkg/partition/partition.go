// Package partition splits a network across workers and derives the
// boundary table each worker uses to exchange nexus flows.
package partition

import (
	"fmt"
	"sort"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/network"
)

// Role of a worker at a boundary nexus.
type Role string

const (
	RoleSender         Role = "sender"
	RoleReceiver       Role = "receiver"
	RoleSenderReceiver Role = "sender_receiver"
)

// Sends reports whether the role publishes a partial sum.
func (r Role) Sends() bool { return r == RoleSender || r == RoleSenderReceiver }

// Receives reports whether the role waits for remote partial sums.
func (r Role) Receives() bool { return r == RoleReceiver || r == RoleSenderReceiver }

// BoundaryEntry describes one boundary nexus from one worker's point of view.
type BoundaryEntry struct {
	NexusID     string `json:"nex-id"`
	Role        Role   `json:"role"`
	SendTo      []int  `json:"send-to"`
	ReceiveFrom []int  `json:"receive-from"`
}

// Partition is the work assigned to one worker.
type Partition struct {
	ID           int             `json:"id"`
	CatchmentIDs []string        `json:"cat-ids"`
	NexusIDs     []string        `json:"nex-ids"`
	Boundaries   []BoundaryEntry `json:"remote-connections"`
}

// Plan is the full partition description.
type Plan struct {
	Workers    int         `json:"workers"`
	Partitions []Partition `json:"partitions"`

	catchmentOwner map[string]int
	nexusOwner     map[string]int
}

// Partition returns the partition of rank.
func (p *Plan) Partition(rank int) (Partition, error) {
	if rank < 0 || rank >= len(p.Partitions) {
		return Partition{}, fmt.Errorf("rank %d outside plan of %d workers", rank, p.Workers)
	}
	return p.Partitions[rank], nil
}

// CatchmentRank returns the rank hosting catchment.
func (p *Plan) CatchmentRank(id string) (int, bool) {
	p.index()
	r, ok := p.catchmentOwner[id]
	return r, ok
}

// NexusOwner returns the rank owning nexus.
func (p *Plan) NexusOwner(id string) (int, bool) {
	p.index()
	r, ok := p.nexusOwner[id]
	return r, ok
}

// Boundary returns rank's boundary entry for nexus.
func (p *Plan) Boundary(rank int, nexusID string) (BoundaryEntry, bool) {
	if rank < 0 || rank >= len(p.Partitions) {
		return BoundaryEntry{}, false
	}
	for _, b := range p.Partitions[rank].Boundaries {
		if b.NexusID == nexusID {
			return b, true
		}
	}
	return BoundaryEntry{}, false
}

// BoundaryNexuses returns the ids of every nexus that crosses workers, sorted.
func (p *Plan) BoundaryNexuses() []string {
	seen := make(map[string]bool)
	for _, part := range p.Partitions {
		for _, b := range part.Boundaries {
			seen[b.NexusID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Plan) index() {
	if p.catchmentOwner != nil {
		return
	}
	p.catchmentOwner = make(map[string]int)
	p.nexusOwner = make(map[string]int)
	for _, part := range p.Partitions {
		for _, c := range part.CatchmentIDs {
			p.catchmentOwner[c] = part.ID
		}
		for _, n := range part.NexusIDs {
			p.nexusOwner[n] = part.ID
		}
	}
}

// Validate checks that the plan covers every node of g exactly once and that
// its boundary table matches the one derived from g.
func (p *Plan) Validate(g *network.Graph) error {
	if p.Workers < 1 || len(p.Partitions) != p.Workers {
		return okerrors.Newf(okerrors.InvalidTopology, "plan declares %d workers but has %d partitions", p.Workers, len(p.Partitions))
	}
	assignment := make(map[string]int, len(g.CatchmentIDs()))
	nexusSeen := make(map[string]bool)
	for i, part := range p.Partitions {
		if part.ID != i {
			return okerrors.Newf(okerrors.InvalidTopology, "partition at index %d has id %d", i, part.ID)
		}
		for _, c := range part.CatchmentIDs {
			if g.Kind(c) != network.KindCatchment {
				return okerrors.Newf(okerrors.InvalidTopology, "partition %d lists unknown catchment %s", i, c).WithNode(c)
			}
			if prev, dup := assignment[c]; dup {
				return okerrors.Newf(okerrors.InvalidTopology, "catchment %s in partitions %d and %d", c, prev, i).WithNode(c)
			}
			assignment[c] = i
		}
		for _, n := range part.NexusIDs {
			if g.Kind(n) != network.KindNexus {
				return okerrors.Newf(okerrors.InvalidTopology, "partition %d lists unknown nexus %s", i, n).WithNode(n)
			}
			if nexusSeen[n] {
				return okerrors.Newf(okerrors.InvalidTopology, "nexus %s owned by more than one partition", n).WithNode(n)
			}
			nexusSeen[n] = true
		}
	}
	for _, c := range g.CatchmentIDs() {
		if _, ok := assignment[c]; !ok {
			return okerrors.Newf(okerrors.InvalidTopology, "catchment %s is not assigned", c).WithNode(c)
		}
	}
	for _, n := range g.NexusIDs() {
		if !nexusSeen[n] {
			return okerrors.Newf(okerrors.InvalidTopology, "nexus %s has no owner", n).WithNode(n)
		}
	}

	want, err := build(g, p.Workers, assignment)
	if err != nil {
		return err
	}
	for i := range want.Partitions {
		if !sameBoundaries(want.Partitions[i].Boundaries, p.Partitions[i].Boundaries) {
			return okerrors.Newf(okerrors.InvalidTopology, "partition %d boundary table does not match its assignment", i)
		}
		if !sameStrings(want.Partitions[i].NexusIDs, sortedCopy(p.Partitions[i].NexusIDs)) {
			return okerrors.Newf(okerrors.InvalidTopology, "partition %d nexus ownership does not match its assignment", i)
		}
	}
	return nil
}

// NewPlan partitions g: it assigns the catchments to workers with strategy
// and derives nexus ownership and boundary tables. Nil strategy means Greedy;
// nil weight means UniformWeight.
func NewPlan(g *network.Graph, workers int, strategy Strategy, weight WeightFunc) (*Plan, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", workers)
	}
	if n := len(g.CatchmentIDs()); workers > n {
		return nil, fmt.Errorf("cannot split %d catchments across %d workers", n, workers)
	}
	if strategy == nil {
		strategy = Greedy{}
	}
	if weight == nil {
		weight = UniformWeight
	}
	assignment, err := strategy.Assign(g, workers, weight)
	if err != nil {
		return nil, err
	}
	for _, c := range g.CatchmentIDs() {
		r, ok := assignment[c]
		if !ok || r < 0 || r >= workers {
			return nil, fmt.Errorf("strategy %s left catchment %s without a valid worker", strategy.Name(), c)
		}
	}
	return build(g, workers, assignment)
}

func build(g *network.Graph, workers int, assignment map[string]int) (*Plan, error) {
	plan := &Plan{Workers: workers, Partitions: make([]Partition, workers)}
	for i := range plan.Partitions {
		plan.Partitions[i] = Partition{ID: i, CatchmentIDs: []string{}, NexusIDs: []string{}, Boundaries: []BoundaryEntry{}}
	}
	for _, c := range g.CatchmentOrder() {
		r := assignment[c]
		plan.Partitions[r].CatchmentIDs = append(plan.Partitions[r].CatchmentIDs, c)
	}

	for _, n := range g.NexusIDs() {
		receivers := g.Receivers(n)
		contributors := g.Contributors(n)
		owner := 0
		switch {
		case len(receivers) > 0:
			owner = assignment[receivers[0]]
		case len(contributors) > 0:
			owner = assignment[contributors[0]]
		}
		plan.Partitions[owner].NexusIDs = append(plan.Partitions[owner].NexusIDs, n)

		senders := rankSet(contributors, assignment)
		sinks := rankSet(receivers, assignment)
		sinks[owner] = true

		for r := 0; r < workers; r++ {
			entry := BoundaryEntry{NexusID: n, SendTo: []int{}, ReceiveFrom: []int{}}
			if senders[r] {
				entry.SendTo = without(sinks, r)
			}
			if sinks[r] {
				entry.ReceiveFrom = without(senders, r)
			}
			switch {
			case len(entry.SendTo) > 0 && len(entry.ReceiveFrom) > 0:
				entry.Role = RoleSenderReceiver
			case len(entry.SendTo) > 0:
				entry.Role = RoleSender
			case len(entry.ReceiveFrom) > 0:
				entry.Role = RoleReceiver
			default:
				continue
			}
			plan.Partitions[r].Boundaries = append(plan.Partitions[r].Boundaries, entry)
		}
	}
	return plan, nil
}

func rankSet(ids []string, assignment map[string]int) map[int]bool {
	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		out[assignment[id]] = true
	}
	return out
}

func without(set map[int]bool, rank int) []int {
	out := []int{}
	for r := range set {
		if r != rank {
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return out
}

func sameBoundaries(a, b []BoundaryEntry) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]BoundaryEntry, len(b))
	for _, e := range b {
		byID[e.NexusID] = e
	}
	for _, e := range a {
		o, ok := byID[e.NexusID]
		if !ok || o.Role != e.Role || !sameInts(e.SendTo, sortedInts(o.SendTo)) || !sameInts(e.ReceiveFrom, sortedInts(o.ReceiveFrom)) {
			return false
		}
	}
	return true
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
