package partition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/Okeanos/pkg/network"
)

// WeightFunc returns the relative compute cost of a catchment.
type WeightFunc func(catchmentID string) float64

// UniformWeight gives every catchment weight 1.
func UniformWeight(string) float64 { return 1 }

// WeightTable looks weights up in a map; missing ids weigh 1.
func WeightTable(weights map[string]float64) WeightFunc {
	return func(id string) float64 {
		if w, ok := weights[id]; ok {
			return w
		}
		return 1
	}
}

// Strategy assigns every catchment to a worker rank in [0, workers).
type Strategy interface {
	Name() string
	Assign(g *network.Graph, workers int, weight WeightFunc) (map[string]int, error)
}

// StrategyByName resolves "greedy", "round_robin" or "contiguous".
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "greedy":
		return Greedy{}, nil
	case "round_robin", "roundrobin":
		return RoundRobin{}, nil
	case "contiguous":
		return Contiguous{}, nil
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", name)
	}
}

// RoundRobin deals catchments to workers in topological order.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round_robin" }

func (RoundRobin) Assign(g *network.Graph, workers int, _ WeightFunc) (map[string]int, error) {
	out := make(map[string]int)
	for i, c := range g.CatchmentOrder() {
		out[c] = i % workers
	}
	return out, nil
}

// Greedy places the heaviest catchment onto the least loaded worker. Ties
// break by catchment id, then by lowest rank.
type Greedy struct{}

func (Greedy) Name() string { return "greedy" }

func (Greedy) Assign(g *network.Graph, workers int, weight WeightFunc) (map[string]int, error) {
	ids := g.CatchmentIDs()
	weights := make(map[string]float64, len(ids))
	for _, id := range ids {
		w := weight(id)
		if w < 0 {
			return nil, fmt.Errorf("catchment %s has negative weight %v", id, w)
		}
		weights[id] = w
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if weights[ids[i]] != weights[ids[j]] {
			return weights[ids[i]] > weights[ids[j]]
		}
		return ids[i] < ids[j]
	})

	load := make([]float64, workers)
	count := make([]int, workers)
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		best := 0
		for r := 1; r < workers; r++ {
			if load[r] < load[best] || (load[r] == load[best] && count[r] < count[best]) {
				best = r
			}
		}
		out[id] = best
		load[best] += weights[id]
		count[best]++
	}
	return out, nil
}

// Contiguous cuts the topological catchment order into workers sequential
// chunks; the first len%workers chunks take one extra catchment.
type Contiguous struct{}

func (Contiguous) Name() string { return "contiguous" }

func (Contiguous) Assign(g *network.Graph, workers int, _ WeightFunc) (map[string]int, error) {
	order := g.CatchmentOrder()
	size := len(order) / workers
	remainder := len(order) % workers

	out := make(map[string]int, len(order))
	i := 0
	for r := 0; r < workers; r++ {
		n := size
		if r < remainder {
			n++
		}
		for j := 0; j < n; j++ {
			out[order[i]] = r
			i++
		}
	}
	return out, nil
}
