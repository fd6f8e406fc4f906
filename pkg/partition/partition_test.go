package partition

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/network"
)

// cat-1 -> nex-1 -> cat-2 -> nex-2 (outlet)
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

// n headwater catchments draining into one outlet.
func fan(t *testing.T, n int) *network.Graph {
	t.Helper()
	b := network.NewBuilder().AddNexus("nex-out")
	for i := 0; i < n; i++ {
		b.AddCatchment(fmt.Sprintf("cat-%02d", i), network.To("nex-out"))
	}
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestSingleWorkerHasNoBoundaries(t *testing.T) {
	plan, err := NewPlan(chain(t), 1, nil, nil)
	require.NoError(t, err)

	require.Len(t, plan.Partitions, 1)
	assert.Equal(t, []string{"cat-1", "cat-2"}, plan.Partitions[0].CatchmentIDs)
	assert.Equal(t, []string{"nex-1", "nex-2"}, plan.Partitions[0].NexusIDs)
	assert.Empty(t, plan.Partitions[0].Boundaries)
	assert.Empty(t, plan.BoundaryNexuses())
}

func TestTwoWorkersSplitChain(t *testing.T) {
	for _, s := range []Strategy{Greedy{}, RoundRobin{}, Contiguous{}} {
		t.Run(s.Name(), func(t *testing.T) {
			plan, err := NewPlan(chain(t), 2, s, nil)
			require.NoError(t, err)

			r1, _ := plan.CatchmentRank("cat-1")
			r2, _ := plan.CatchmentRank("cat-2")
			require.NotEqual(t, r1, r2)

			owner, ok := plan.NexusOwner("nex-1")
			require.True(t, ok)
			assert.Equal(t, r2, owner, "nexus belongs to its receiver's worker")

			assert.Equal(t, []string{"nex-1"}, plan.BoundaryNexuses())

			send, ok := plan.Boundary(r1, "nex-1")
			require.True(t, ok)
			assert.Equal(t, RoleSender, send.Role)
			assert.Equal(t, []int{r2}, send.SendTo)
			assert.Empty(t, send.ReceiveFrom)

			recv, ok := plan.Boundary(r2, "nex-1")
			require.True(t, ok)
			assert.Equal(t, RoleReceiver, recv.Role)
			assert.Equal(t, []int{r1}, recv.ReceiveFrom)

			_, ok = plan.Boundary(r2, "nex-2")
			assert.False(t, ok, "outlet stays local")
		})
	}
}

func TestSenderReceiverRole(t *testing.T) {
	g, err := network.NewBuilder().
		AddCatchment("cat-a", network.To("nex-1")).
		AddCatchment("cat-b", network.To("nex-1")).
		AddCatchment("cat-c", network.To("nex-2")).
		AddNexus("nex-1", network.Release("cat-c", 0)).
		AddNexus("nex-2").
		Build()
	require.NoError(t, err)

	// Contiguous over [cat-a, cat-b, cat-c] with 2 workers: {cat-a, cat-b}, {cat-c}.
	plan, err := NewPlan(g, 2, Contiguous{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-a", "cat-b"}, plan.Partitions[0].CatchmentIDs)

	// Move cat-c next to cat-a: worker 0 hosts a contributor and the receiver.
	plan2, err := build(g, 2, map[string]int{"cat-a": 0, "cat-b": 1, "cat-c": 0})
	require.NoError(t, err)
	e0, ok := plan2.Boundary(0, "nex-1")
	require.True(t, ok)
	assert.Equal(t, RoleReceiver, e0.Role)
	assert.Equal(t, []int{1}, e0.ReceiveFrom)
	e1, _ := plan2.Boundary(1, "nex-1")
	assert.Equal(t, RoleSender, e1.Role)

	// Receivers on two workers: each contributing worker also feeds the other.
	g3, err := network.NewBuilder().
		AddCatchment("cat-a", network.To("nex-1")).
		AddCatchment("cat-b", network.To("nex-1")).
		AddCatchment("cat-c", network.To("nex-2")).
		AddCatchment("cat-d", network.To("nex-2")).
		AddNexus("nex-1", network.Release("cat-c", 50), network.Release("cat-d", 50)).
		AddNexus("nex-2").
		Build()
	require.NoError(t, err)
	plan3, err := build(g3, 2, map[string]int{"cat-a": 0, "cat-c": 0, "cat-b": 1, "cat-d": 1})
	require.NoError(t, err)
	for r := 0; r < 2; r++ {
		e, ok := plan3.Boundary(r, "nex-1")
		require.True(t, ok)
		assert.Equal(t, RoleSenderReceiver, e.Role)
		assert.Equal(t, []int{1 - r}, e.SendTo)
		assert.Equal(t, []int{1 - r}, e.ReceiveFrom)
	}
}

func TestDeterministic(t *testing.T) {
	weights := WeightTable(map[string]float64{"cat-03": 5, "cat-07": 2})
	for _, s := range []Strategy{Greedy{}, RoundRobin{}, Contiguous{}} {
		first, err := NewPlan(fan(t, 10), 3, s, weights)
		require.NoError(t, err)
		want, err := first.Encode()
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := NewPlan(fan(t, 10), 3, s, weights)
			require.NoError(t, err)
			got, err := again.Encode()
			require.NoError(t, err)
			assert.Equal(t, string(want), string(got), s.Name())
		}
	}
}

func TestGreedyBalancesWeight(t *testing.T) {
	weights := WeightTable(map[string]float64{"cat-00": 4})
	plan, err := NewPlan(fan(t, 5), 2, Greedy{}, weights)
	require.NoError(t, err)

	heavy, _ := plan.CatchmentRank("cat-00")
	assert.Equal(t, 0, heavy)
	assert.Equal(t, []string{"cat-00"}, plan.Partitions[0].CatchmentIDs)
	assert.Len(t, plan.Partitions[1].CatchmentIDs, 4)
}

func TestContiguousRemainder(t *testing.T) {
	plan, err := NewPlan(fan(t, 5), 2, Contiguous{}, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Partitions[0].CatchmentIDs, 3)
	assert.Len(t, plan.Partitions[1].CatchmentIDs, 2)
}

func TestNewPlanErrors(t *testing.T) {
	_, err := NewPlan(chain(t), 0, nil, nil)
	assert.Error(t, err)
	_, err = NewPlan(chain(t), 3, nil, nil)
	assert.Error(t, err)
	_, err = NewPlan(fan(t, 2), 2, Greedy{}, func(string) float64 { return -1 })
	assert.Error(t, err)
}

func TestEncodeDecodeValidate(t *testing.T) {
	g := chain(t)
	plan, err := NewPlan(g, 2, Contiguous{}, nil)
	require.NoError(t, err)

	data, err := plan.Encode()
	require.NoError(t, err)
	for _, key := range []string{`"workers"`, `"partitions"`, `"cat-ids"`, `"nex-ids"`, `"remote-connections"`, `"nex-id"`, `"send-to"`, `"receive-from"`, `"sender"`} {
		assert.Contains(t, string(data), key)
	}

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.NoError(t, decoded.Validate(g))
	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(reencoded))

	path := filepath.Join(t.TempDir(), "partition.json")
	require.NoError(t, plan.WriteFile(path))
	fromFile, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, fromFile.Workers)
}

func TestValidateRejects(t *testing.T) {
	g := chain(t)

	missing := []byte(`{"workers":1,"partitions":[{"id":0,"cat-ids":["cat-1"],"nex-ids":["nex-1","nex-2"],"remote-connections":[]}]}`)
	p, err := Decode(missing)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Validate(g), okerrors.ErrInvalidTopology)

	dup := []byte(`{"workers":2,"partitions":[
		{"id":0,"cat-ids":["cat-1","cat-2"],"nex-ids":["nex-1","nex-2"],"remote-connections":[]},
		{"id":1,"cat-ids":["cat-2"],"nex-ids":[],"remote-connections":[]}]}`)
	p, err = Decode(dup)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Validate(g), okerrors.ErrInvalidTopology)

	noBoundary := []byte(`{"workers":2,"partitions":[
		{"id":0,"cat-ids":["cat-1"],"nex-ids":[],"remote-connections":[]},
		{"id":1,"cat-ids":["cat-2"],"nex-ids":["nex-1","nex-2"],"remote-connections":[]}]}`)
	p, err = Decode(noBoundary)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Validate(g), okerrors.ErrInvalidTopology)

	_, err = Decode([]byte(`{"workers":`))
	assert.Error(t, err)
}

func TestStrategyByName(t *testing.T) {
	for name, want := range map[string]string{"": "greedy", "Greedy": "greedy", "round-robin": "round_robin", "contiguous": "contiguous"} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
	_, err := StrategyByName("random")
	assert.Error(t, err)
}
