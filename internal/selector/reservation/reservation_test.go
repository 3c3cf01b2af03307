package reservation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/topology"
)

func cluster(t *testing.T, coresPerNode []int, topo *topology.Table) Cluster {
	cm, err := coremap.New(coresPerNode)
	require.NoError(t, err)
	return Cluster{CoreMap: cm, Topology: topo}
}

func allOf(n int) *bitmap.Bitmap {
	b := bitmap.New(n)
	b.SetRange(0, n)
	return b
}

func TestFirstCores(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, nil)
	avail := allOf(4)

	nodes, cores := Test(c, Request{NodeCnt: 2, CoreCnt: []int{2, 2}, Flags: FlagFirstCores}, avail, nil)
	require.NotNil(t, nodes)
	assert.Equal(t, "0-1", nodes.String())
	assert.Equal(t, "0-3", cores.String()) // two lowest cores on n0 and n1
	assert.Equal(t, 4, avail.Count(), "avail must not be mutated")
}

func TestFirstCoresSkipsOccupiedLowCores(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, nil)
	excl := bitmap.New(8)
	excl.Set(0) // core 0 of node 0 taken

	nodes, cores := Test(c, Request{CoreCnt: []int{2}, Flags: FlagFirstCores}, allOf(4), excl)
	require.NotNil(t, nodes)
	assert.Equal(t, "1", nodes.String())
	assert.Equal(t, "2-3", cores.String())
	assert.False(t, cores.Overlaps(excl))
}

func TestFirstCoresFailure(t *testing.T) {
	c := cluster(t, []int{2, 2}, nil)
	nodes, cores := Test(c, Request{CoreCnt: []int{4}, Flags: FlagFirstCores}, allOf(2), nil)
	assert.Nil(t, nodes)
	assert.Nil(t, cores)
}

func TestSequentialFullNodes(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, nil)
	avail := allOf(4)
	avail.Clear(0)

	nodes, cores := Test(c, Request{NodeCnt: 2}, avail, nil)
	require.NotNil(t, nodes)
	assert.Nil(t, cores)
	assert.Equal(t, "1-2", nodes.String())

	nodes, _ = Test(c, Request{NodeCnt: 4}, avail, nil)
	assert.Nil(t, nodes, "only three nodes available")
}

func TestSequentialPerNodeCores(t *testing.T) {
	c := cluster(t, []int{4, 4, 4}, nil)
	excl := bitmap.New(12)
	excl.SetRange(0, 3) // node 0 has one free core

	nodes, cores := Test(c, Request{CoreCnt: []int{2, 2}}, allOf(3), excl)
	require.NotNil(t, nodes)
	// Node 0 lacks two free cores and is skipped.
	assert.Equal(t, "1-2", nodes.String())
	assert.Equal(t, 4, cores.Count())
	assert.False(t, cores.Overlaps(excl))
}

// Aggregate reservation with residual: first sweep takes ceil(10/4)=3 cores
// on n0..n2, the second sweep takes the remaining core on n3.
func TestAggregateResidualSweep(t *testing.T) {
	c := cluster(t, []int{4, 4, 4, 4}, nil)

	nodes, cores := Test(c, Request{NodeCnt: 4, CoreCnt: []int{10}}, allOf(4), nil)
	require.NotNil(t, nodes)
	assert.Equal(t, 4, nodes.Count())
	assert.Equal(t, 10, cores.Count())
	// 3 cores each on n0..n2, 1 on n3.
	for n, want := range []int{3, 3, 3, 1} {
		lo, hi := c.CoreMap.NodeRange(n)
		assert.Equal(t, want, cores.CountRange(lo, hi), "node %d", n)
	}
}

func TestAggregateInsufficient(t *testing.T) {
	c := cluster(t, []int{2, 2}, nil)
	nodes, cores := Test(c, Request{NodeCnt: 2, CoreCnt: []int{5}}, allOf(2), nil)
	assert.Nil(t, nodes)
	assert.Nil(t, cores)
}

func twoLeafTable(t *testing.T) *topology.Table {
	leaf0 := bitmap.New(4)
	leaf0.SetRange(0, 2)
	leaf1 := bitmap.New(4)
	leaf1.SetRange(2, 4)
	root := bitmap.New(4)
	root.SetRange(0, 4)
	table, err := topology.New([]topology.Switch{
		{Name: "leaf0", Level: 0, NodeBitmap: leaf0},
		{Name: "leaf1", Level: 0, NodeBitmap: leaf1},
		{Name: "root", Level: 1, NodeBitmap: root},
	}, 4)
	require.NoError(t, err)
	return table
}

// Two switches with two nodes each: a two-node reservation stays on the
// lowest-index leaf.
func TestTopologyPrefersSingleLeaf(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, twoLeafTable(t))

	nodes, cores := Test(c, Request{NodeCnt: 2}, allOf(4), nil)
	require.NotNil(t, nodes)
	assert.Nil(t, cores)
	assert.Equal(t, "0-1", nodes.String())
}

func TestTopologyFallsBackToTightestLeaf(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, twoLeafTable(t))
	avail := allOf(4)
	avail.Clear(0) // leaf0 down to one node

	nodes, _ := Test(c, Request{NodeCnt: 2}, avail, nil)
	require.NotNil(t, nodes)
	assert.Equal(t, "2-3", nodes.String())
}

func TestTopologyWithCores(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, twoLeafTable(t))
	excl := bitmap.New(8)
	excl.SetRange(0, 2) // node 0 fully busy

	nodes, cores := Test(c, Request{NodeCnt: 2, CoreCnt: []int{4}}, allOf(4), excl)
	require.NotNil(t, nodes)
	assert.Equal(t, "2-3", nodes.String(), "leaf1 is the only leaf with 2 usable nodes")
	assert.Equal(t, 4, cores.Count())
	assert.False(t, cores.Overlaps(excl))
}

func TestTopologyInsufficientNodes(t *testing.T) {
	c := cluster(t, []int{2, 2, 2, 2}, twoLeafTable(t))
	avail := bitmap.New(4)
	avail.Set(0)

	nodes, _ := Test(c, Request{NodeCnt: 2}, avail, nil)
	assert.Nil(t, nodes)
}

// Planner guarantees: selection within avail, enough nodes, enough cores,
// cores disjoint from the exclusions.
func TestPlannerContract(t *testing.T) {
	c := cluster(t, []int{4, 4, 4, 4}, twoLeafTable(t))
	excl := bitmap.New(16)
	excl.Set(0)
	excl.Set(5)
	avail := allOf(4)
	avail.Clear(3)

	req := Request{NodeCnt: 2, CoreCnt: []int{6}}
	nodes, cores := Test(c, req, avail, excl)
	require.NotNil(t, nodes)
	assert.True(t, nodes.SubsetOf(avail))
	assert.GreaterOrEqual(t, nodes.Count(), req.NodeCnt)
	assert.GreaterOrEqual(t, cores.Count(), 6)
	assert.False(t, cores.Overlaps(excl))
	// Selected cores lie on selected nodes.
	for n := 0; n < 4; n++ {
		lo, hi := c.CoreMap.NodeRange(n)
		if !nodes.Test(n) {
			assert.Equal(t, 0, cores.CountRange(lo, hi))
		}
	}
}
