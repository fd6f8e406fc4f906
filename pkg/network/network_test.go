package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// cat-1, cat-2, cat-3 drain into nex-1 which feeds cat-4; cat-4 drains to the outlet nex-2.
func sampleGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewBuilder().
		AddCatchment("cat-1", To("nex-1")).
		AddCatchment("cat-2", To("nex-1")).
		AddCatchment("cat-3", To("nex-1")).
		AddCatchment("cat-4", To("nex-2")).
		AddNexus("nex-1", Release("cat-4", 0)).
		AddNexus("nex-2").
		Build()
	require.NoError(t, err)
	return g
}

func position(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	return pos
}

func TestOrderRespectsEdges(t *testing.T) {
	g := sampleGraph(t)
	order := g.Order()
	require.Len(t, order, g.Len())
	pos := position(order)

	for _, c := range g.CatchmentIDs() {
		cat, _ := g.Catchment(c)
		for _, o := range cat.Outflows {
			assert.Less(t, pos[c], pos[o.Nexus], "%s before %s", c, o.Nexus)
		}
	}
	for _, n := range g.NexusIDs() {
		for _, r := range g.Receivers(n) {
			assert.Less(t, pos[n], pos[r], "%s before %s", n, r)
		}
	}

	assert.Equal(t, []string{"cat-1", "cat-2", "cat-3", "nex-1", "cat-4", "nex-2"}, order)
	assert.Equal(t, []string{"cat-1", "cat-2", "cat-3", "cat-4"}, g.CatchmentOrder())
}

func TestOrderIsStable(t *testing.T) {
	first := sampleGraph(t).Order()
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, sampleGraph(t).Order())
	}
}

func TestQueries(t *testing.T) {
	g := sampleGraph(t)

	assert.Equal(t, []string{"cat-1", "cat-2", "cat-3"}, g.Contributors("nex-1"))
	assert.Equal(t, []string{"cat-4"}, g.Receivers("nex-1"))
	assert.Empty(t, g.Receivers("nex-2"))
	assert.Equal(t, []string{"nex-1"}, g.UpstreamNexuses("cat-4"))
	assert.Empty(t, g.UpstreamNexuses("cat-1"))
	assert.Equal(t, KindCatchment, g.Kind("cat-1"))
	assert.Equal(t, KindNexus, g.Kind("nex-2"))
	assert.Equal(t, KindUnknown, g.Kind("nope"))

	n, ok := g.Nexus("nex-1")
	require.True(t, ok)
	assert.Equal(t, 100.0, n.ReleasePercent("cat-4"))

	c, ok := g.Catchment("cat-1")
	require.True(t, ok)
	assert.Equal(t, 1.0, c.Outflows[0].Fraction)

	c.Outflows[0].Nexus = "mutated"
	again, _ := g.Catchment("cat-1")
	assert.Equal(t, "nex-1", again.Outflows[0].Nexus)
}

func TestSplitsAndReleases(t *testing.T) {
	g, err := NewBuilder().
		AddCatchment("cat-1", Outflow{Nexus: "nex-a", Fraction: 0.25}, To("nex-b")).
		AddCatchment("cat-2", To("nex-c")).
		AddCatchment("cat-3", To("nex-c")).
		AddNexus("nex-a", Release("cat-2", 60), Release("cat-3", 0)).
		AddNexus("nex-b", Release("cat-2", 0), Release("cat-3", 0)).
		AddNexus("nex-c").
		Build()
	require.NoError(t, err)

	c, _ := g.Catchment("cat-1")
	assert.InDelta(t, 0.25, c.Outflows[0].Fraction, 1e-12)
	assert.InDelta(t, 0.75, c.Outflows[1].Fraction, 1e-12)

	a, _ := g.Nexus("nex-a")
	assert.InDelta(t, 40.0, a.ReleasePercent("cat-3"), 1e-12)
	b, _ := g.Nexus("nex-b")
	assert.InDelta(t, 50.0, b.ReleasePercent("cat-2"), 1e-12)
}

func TestInvalidTopology(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		node  string
	}{
		{
			name: "cycle",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", To("nex-1")).
					AddCatchment("cat-2", To("nex-2")).
					AddNexus("nex-1", Release("cat-2", 0)).
					AddNexus("nex-2", Release("cat-1", 0))
			},
			node: "cat-1",
		},
		{
			name: "missing outflow target",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", To("nex-9"))
			},
			node: "cat-1",
		},
		{
			name: "outflow to catchment",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", To("cat-2")).AddCatchment("cat-2", To("nex-1")).AddNexus("nex-1")
			},
			node: "cat-1",
		},
		{
			name: "no outflow",
			build: func(b *Builder) {
				b.AddCatchment("cat-1")
			},
			node: "cat-1",
		},
		{
			name: "unknown receiver",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", To("nex-1")).AddNexus("nex-1", Release("cat-7", 0))
			},
			node: "nex-1",
		},
		{
			name: "duplicate id",
			build: func(b *Builder) {
				b.AddCatchment("x", To("x")).AddNexus("x")
			},
			node: "x",
		},
		{
			name: "unspecified receiver after full release",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", To("nex-1")).
					AddCatchment("cat-2", To("nex-2")).
					AddCatchment("cat-3", To("nex-2")).
					AddNexus("nex-1", Release("cat-2", 100), Release("cat-3", 0)).
					AddNexus("nex-2")
			},
			node: "nex-1",
		},
		{
			name: "release above 100",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", To("nex-1")).
					AddCatchment("cat-2", To("nex-2")).
					AddCatchment("cat-3", To("nex-2")).
					AddNexus("nex-1", Release("cat-2", 70), Release("cat-3", 40)).
					AddNexus("nex-2")
			},
			node: "nex-1",
		},
		{
			name: "fractions not summing to one",
			build: func(b *Builder) {
				b.AddCatchment("cat-1", Outflow{Nexus: "nex-1", Fraction: 0.5}).AddNexus("nex-1")
			},
			node: "cat-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			tt.build(b)
			g, err := b.Build()
			require.Error(t, err)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, okerrors.ErrInvalidTopology)

			var oe *okerrors.Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.node, oe.NodeID)
		})
	}
}
