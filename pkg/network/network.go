// Package network holds the catchment/nexus graph of a watershed.
//
// Catchments drain into nexuses and nexuses release into catchments. The
// graph is a DAG, validated once by Builder.Build and immutable afterwards.
package network

import (
	"math"
	"sort"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// Kind distinguishes the two node types.
type Kind int

const (
	KindUnknown Kind = iota
	KindCatchment
	KindNexus
)

func (k Kind) String() string {
	switch k {
	case KindCatchment:
		return "catchment"
	case KindNexus:
		return "nexus"
	default:
		return "unknown"
	}
}

const tolerance = 1e-9

// Outflow is a catchment's edge to a downstream nexus. A zero Fraction means
// "share equally with the other unspecified outflows".
type Outflow struct {
	Nexus    string
	Fraction float64
}

// Receiver is a nexus's edge to a downstream catchment. A zero Percent means
// "share the unassigned remainder equally".
type Receiver struct {
	Catchment string
	Percent   float64
}

// To is an Outflow with the default fraction.
func To(nexus string) Outflow { return Outflow{Nexus: nexus} }

// Release is a Receiver with an explicit release percentage.
func Release(catchment string, percent float64) Receiver {
	return Receiver{Catchment: catchment, Percent: percent}
}

// Catchment is a validated catchment node.
type Catchment struct {
	ID       string
	Outflows []Outflow
}

// Nexus is a validated nexus node. Receiver percents are resolved.
type Nexus struct {
	ID        string
	Receivers []Receiver
}

// ReleasePercent returns the share of the nexus total released to catchment.
func (n Nexus) ReleasePercent(catchment string) float64 {
	for _, r := range n.Receivers {
		if r.Catchment == catchment {
			return r.Percent
		}
	}
	return 0
}

// Graph is an immutable, acyclic catchment/nexus network.
type Graph struct {
	catchments map[string]Catchment
	nexuses    map[string]Nexus

	contributors map[string][]string
	upstream     map[string][]string
	order        []string
}

// Kind reports the node type of id.
func (g *Graph) Kind(id string) Kind {
	if _, ok := g.catchments[id]; ok {
		return KindCatchment
	}
	if _, ok := g.nexuses[id]; ok {
		return KindNexus
	}
	return KindUnknown
}

// Catchment returns a copy of the catchment node.
func (g *Graph) Catchment(id string) (Catchment, bool) {
	c, ok := g.catchments[id]
	if !ok {
		return Catchment{}, false
	}
	c.Outflows = append([]Outflow(nil), c.Outflows...)
	return c, true
}

// Nexus returns a copy of the nexus node.
func (g *Graph) Nexus(id string) (Nexus, bool) {
	n, ok := g.nexuses[id]
	if !ok {
		return Nexus{}, false
	}
	n.Receivers = append([]Receiver(nil), n.Receivers...)
	return n, true
}

// CatchmentIDs returns all catchment ids, sorted.
func (g *Graph) CatchmentIDs() []string { return sortedKeys(g.catchments) }

// NexusIDs returns all nexus ids, sorted.
func (g *Graph) NexusIDs() []string { return sortedKeys(g.nexuses) }

// Contributors returns the catchments draining into nexus, sorted.
func (g *Graph) Contributors(nexus string) []string {
	return append([]string(nil), g.contributors[nexus]...)
}

// Receivers returns the catchments fed by nexus in declared order.
func (g *Graph) Receivers(nexus string) []string {
	n := g.nexuses[nexus]
	out := make([]string, len(n.Receivers))
	for i, r := range n.Receivers {
		out[i] = r.Catchment
	}
	return out
}

// UpstreamNexuses returns the nexuses releasing into catchment, sorted.
func (g *Graph) UpstreamNexuses(catchment string) []string {
	return append([]string(nil), g.upstream[catchment]...)
}

// Len is the total node count.
func (g *Graph) Len() int { return len(g.catchments) + len(g.nexuses) }

// Order returns every node id in a stable topological order: a catchment
// precedes its downstream nexuses and a nexus precedes its receivers.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// CatchmentOrder is Order restricted to catchments.
func (g *Graph) CatchmentOrder() []string {
	out := make([]string, 0, len(g.catchments))
	for _, id := range g.order {
		if _, ok := g.catchments[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Builder accumulates nodes for a Graph.
type Builder struct {
	catchments []Catchment
	nexuses    []Nexus
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// AddCatchment declares a catchment and its outflows.
func (b *Builder) AddCatchment(id string, outflows ...Outflow) *Builder {
	b.catchments = append(b.catchments, Catchment{ID: id, Outflows: append([]Outflow(nil), outflows...)})
	return b
}

// AddNexus declares a nexus and its receivers. A nexus with no receivers is
// a terminal outlet.
func (b *Builder) AddNexus(id string, receivers ...Receiver) *Builder {
	b.nexuses = append(b.nexuses, Nexus{ID: id, Receivers: append([]Receiver(nil), receivers...)})
	return b
}

func topologyErr(node, format string, args ...any) error {
	return okerrors.Newf(okerrors.InvalidTopology, format, args...).WithNode(node)
}

// Build validates the declared nodes and returns the graph. Every violation
// fails with InvalidTopology naming the offending node.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		catchments:   make(map[string]Catchment, len(b.catchments)),
		nexuses:      make(map[string]Nexus, len(b.nexuses)),
		contributors: make(map[string][]string),
		upstream:     make(map[string][]string),
	}

	seen := make(map[string]bool, len(b.catchments)+len(b.nexuses))
	for _, c := range b.catchments {
		if c.ID == "" {
			return nil, topologyErr("", "catchment with empty id")
		}
		if seen[c.ID] {
			return nil, topologyErr(c.ID, "duplicate node id %q", c.ID)
		}
		seen[c.ID] = true
	}
	for _, n := range b.nexuses {
		if n.ID == "" {
			return nil, topologyErr("", "nexus with empty id")
		}
		if seen[n.ID] {
			return nil, topologyErr(n.ID, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	for _, n := range b.nexuses {
		resolved, err := resolveReceivers(n, b)
		if err != nil {
			return nil, err
		}
		g.nexuses[n.ID] = Nexus{ID: n.ID, Receivers: resolved}
	}
	for _, c := range b.catchments {
		resolved, err := resolveOutflows(c, g)
		if err != nil {
			return nil, err
		}
		g.catchments[c.ID] = Catchment{ID: c.ID, Outflows: resolved}
		for _, o := range resolved {
			g.contributors[o.Nexus] = append(g.contributors[o.Nexus], c.ID)
		}
	}
	for _, n := range g.nexuses {
		for _, r := range n.Receivers {
			g.upstream[r.Catchment] = append(g.upstream[r.Catchment], n.ID)
		}
	}
	for _, ids := range g.contributors {
		sort.Strings(ids)
	}
	for _, ids := range g.upstream {
		sort.Strings(ids)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func resolveOutflows(c Catchment, g *Graph) ([]Outflow, error) {
	if len(c.Outflows) == 0 {
		return nil, topologyErr(c.ID, "catchment %s has no outflow nexus", c.ID)
	}
	var specified float64
	unspecified := 0
	targets := make(map[string]bool, len(c.Outflows))
	for _, o := range c.Outflows {
		if _, ok := g.nexuses[o.Nexus]; !ok {
			return nil, topologyErr(c.ID, "catchment %s flows to %q which is not a nexus", c.ID, o.Nexus)
		}
		if targets[o.Nexus] {
			return nil, topologyErr(c.ID, "catchment %s lists nexus %s twice", c.ID, o.Nexus)
		}
		targets[o.Nexus] = true
		switch {
		case o.Fraction < 0 || math.IsNaN(o.Fraction):
			return nil, topologyErr(c.ID, "catchment %s has invalid fraction %v to %s", c.ID, o.Fraction, o.Nexus)
		case o.Fraction == 0:
			unspecified++
		default:
			specified += o.Fraction
		}
	}
	if specified > 1+tolerance {
		return nil, topologyErr(c.ID, "catchment %s outflow fractions sum to %v", c.ID, specified)
	}

	out := make([]Outflow, len(c.Outflows))
	share := 0.0
	if unspecified > 0 {
		share = (1 - specified) / float64(unspecified)
		if share <= 0 {
			return nil, topologyErr(c.ID, "catchment %s leaves no fraction for unspecified outflows", c.ID)
		}
	} else if math.Abs(specified-1) > tolerance {
		return nil, topologyErr(c.ID, "catchment %s outflow fractions sum to %v, want 1", c.ID, specified)
	}
	for i, o := range c.Outflows {
		if o.Fraction == 0 {
			o.Fraction = share
		}
		out[i] = o
	}
	return out, nil
}

func resolveReceivers(n Nexus, b *Builder) ([]Receiver, error) {
	isCatchment := make(map[string]bool, len(b.catchments))
	for _, c := range b.catchments {
		isCatchment[c.ID] = true
	}

	var specified float64
	unspecified := 0
	seen := make(map[string]bool, len(n.Receivers))
	for _, r := range n.Receivers {
		if !isCatchment[r.Catchment] {
			return nil, topologyErr(n.ID, "nexus %s releases to %q which is not a catchment", n.ID, r.Catchment)
		}
		if seen[r.Catchment] {
			return nil, topologyErr(n.ID, "nexus %s lists receiver %s twice", n.ID, r.Catchment)
		}
		seen[r.Catchment] = true
		switch {
		case r.Percent < 0 || math.IsNaN(r.Percent):
			return nil, topologyErr(n.ID, "nexus %s has invalid release percent %v", n.ID, r.Percent)
		case r.Percent == 0:
			unspecified++
		default:
			specified += r.Percent
		}
	}
	if specified > 100+tolerance {
		return nil, topologyErr(n.ID, "nexus %s release percents total %v, above 100", n.ID, specified)
	}

	out := make([]Receiver, len(n.Receivers))
	share := 0.0
	if unspecified > 0 {
		share = (100 - specified) / float64(unspecified)
		if share <= tolerance {
			return nil, topologyErr(n.ID, "nexus %s leaves no percent for unspecified receivers", n.ID)
		}
	}
	for i, r := range n.Receivers {
		if r.Percent == 0 {
			r.Percent = share
		}
		out[i] = r
	}
	return out, nil
}

// topoSort runs Kahn's algorithm over catchment->nexus->catchment edges,
// always taking the lexically smallest ready node.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, g.Len())
	adj := make(map[string][]string, g.Len())
	for id, c := range g.catchments {
		indegree[id] += 0
		for _, o := range c.Outflows {
			adj[id] = append(adj[id], o.Nexus)
			indegree[o.Nexus]++
		}
	}
	for id, n := range g.nexuses {
		indegree[id] += 0
		for _, r := range n.Receivers {
			adj[id] = append(adj[id], r.Catchment)
			indegree[r.Catchment]++
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		order = append(order, u)
		for _, v := range adj[u] {
			indegree[v]--
			if indegree[v] == 0 {
				i := sort.SearchStrings(ready, v)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = v
			}
		}
	}

	if len(order) != len(indegree) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, topologyErr(stuck[0], "network has a cycle through %v", stuck)
	}
	return order, nil
}
