package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/partition"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
	"github.com/kestrelhpc/kestrel/internal/selector/topology"
)

func testCluster(t *testing.T, nodes int, coresPer int, topo *topology.Table) Cluster {
	counts := make([]int, nodes)
	records := make([]selectorobjects.NodeRecord, nodes)
	for i := range counts {
		counts[i] = coresPer
		records[i] = selectorobjects.NodeRecord{
			Name:       nodeName(i),
			Cores:      coresPer,
			Threads:    1,
			CPUs:       coresPer,
			RealMemory: 4096,
		}
	}
	cm, err := coremap.New(counts)
	require.NoError(t, err)
	all := bitmap.New(nodes)
	all.SetRange(0, nodes)
	return Cluster{
		CoreMap:  cm,
		Topology: topo,
		Nodes:    records,
		Usage:    make([]selectorobjects.NodeUsage, nodes),
		Part:     partition.New("batch", 2, all),
	}
}

func nodeName(i int) string {
	return string(rune('a' + i))
}

func candidates(n int) *bitmap.Bitmap {
	b := bitmap.New(n)
	b.SetRange(0, n)
	return b
}

func TestSelectSimple(t *testing.T) {
	c := testCluster(t, 4, 2, nil)
	req := &Request{ID: "j1", MinNodes: 2, CPUsPerNode: 1, MemoryPerNode: 100}

	jr, err := Select(c, req, candidates(4), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, 2, jr.NHosts)
	assert.Equal(t, "0-1", jr.NodeBitmap.String())
	assert.Equal(t, []int{1, 1}, jr.CPUs)
	assert.Equal(t, 2, jr.NCPUs)
	// Lowest core on each node.
	assert.True(t, jr.CoreBitmap.Test(0))
	assert.True(t, jr.CoreBitmap.Test(2))
}

func TestSelectHonorsOccupancy(t *testing.T) {
	c := testCluster(t, 2, 2, nil)
	// Occupy both cores of node 0 through row 0.
	c.Part.Rows[0].JobIDs = []string{"resident"}
	c.Part.Rows[0].Bitmap = bitmap.New(c.CoreMap.TotalCores())
	c.Part.Rows[0].Bitmap.SetRange(0, 2)

	req := &Request{ID: "j1", MinNodes: 1, CPUsPerNode: 2}
	jr, err := Select(c, req, candidates(2), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, "1", jr.NodeBitmap.String())

	// TEST_ONLY ignores occupancy and places on node 0.
	jr, err = Select(c, req, candidates(2), selectorobjects.SelectTestOnly, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, "0", jr.NodeBitmap.String())
}

func TestSelectNoFitReturnsNil(t *testing.T) {
	c := testCluster(t, 2, 2, nil)
	req := &Request{ID: "j1", MinNodes: 3, CPUsPerNode: 1}
	jr, err := Select(c, req, candidates(2), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	assert.Nil(t, jr)
}

func TestSelectRequiredNodes(t *testing.T) {
	c := testCluster(t, 4, 2, nil)
	required := bitmap.New(4)
	required.Set(2)

	req := &Request{ID: "j1", MinNodes: 2, CPUsPerNode: 1, RequiredNodes: required}
	jr, err := Select(c, req, candidates(4), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.True(t, jr.NodeBitmap.Test(2))
	assert.Equal(t, 2, jr.NHosts)
}

func TestSelectRequiredNodeOutsideCandidates(t *testing.T) {
	c := testCluster(t, 4, 2, nil)
	required := bitmap.New(4)
	required.Set(3)
	cand := candidates(4)
	cand.Clear(3)

	req := &Request{ID: "j1", MinNodes: 1, RequiredNodes: required}
	jr, err := Select(c, req, cand, selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	assert.Nil(t, jr)
}

func TestSelectExclusiveNeedsIdleNode(t *testing.T) {
	c := testCluster(t, 2, 2, nil)
	c.Part.Rows[0].JobIDs = []string{"resident"}
	c.Part.Rows[0].Bitmap = bitmap.New(c.CoreMap.TotalCores())
	c.Part.Rows[0].Bitmap.Set(0)
	c.Usage[0].ShareState = int(selectorobjects.ShareAvailable) + 1

	req := &Request{ID: "j1", MinNodes: 1, WholeNode: true, NodeReq: selectorobjects.ShareExclusive}
	jr, err := Select(c, req, candidates(2), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, "1", jr.NodeBitmap.String())
	assert.Equal(t, 2, jr.NCPUs, "whole-node job gets every cpu")
}

func TestSelectMemoryPressure(t *testing.T) {
	c := testCluster(t, 2, 2, nil)
	c.Usage[0].AllocMemory = 4000

	req := &Request{ID: "j1", MinNodes: 1, CPUsPerNode: 1, MemoryPerNode: 200}
	jr, err := Select(c, req, candidates(2), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, "1", jr.NodeBitmap.String())
}

func TestSelectContiguous(t *testing.T) {
	c := testCluster(t, 4, 2, nil)
	// Node 1 busy: the only 2-node contiguous run is 2,3.
	c.Part.Rows[0].JobIDs = []string{"resident"}
	c.Part.Rows[0].Bitmap = bitmap.New(c.CoreMap.TotalCores())
	c.Part.Rows[0].Bitmap.SetRange(2, 4)

	req := &Request{ID: "j1", MinNodes: 2, CPUsPerNode: 2, Contiguous: true}
	jr, err := Select(c, req, candidates(4), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, "2-3", jr.NodeBitmap.String())
}

func TestSelectPrefersWholeLeaf(t *testing.T) {
	leaf0 := bitmap.New(4)
	leaf0.SetRange(0, 2)
	leaf1 := bitmap.New(4)
	leaf1.SetRange(2, 4)
	table, err := topology.New([]topology.Switch{
		{Name: "leaf0", Level: 0, NodeBitmap: leaf0},
		{Name: "leaf1", Level: 0, NodeBitmap: leaf1},
	}, 4)
	require.NoError(t, err)

	c := testCluster(t, 4, 2, table)
	// Node 0 busy: leaf0 cannot hold two nodes, leaf1 can.
	c.Part.Rows[0].JobIDs = []string{"resident"}
	c.Part.Rows[0].Bitmap = bitmap.New(c.CoreMap.TotalCores())
	c.Part.Rows[0].Bitmap.SetRange(0, 2)

	req := &Request{ID: "j1", MinNodes: 2, CPUsPerNode: 2}
	jr, err := Select(c, req, candidates(4), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	assert.Equal(t, "2-3", jr.NodeBitmap.String())
}

func TestSelectThreadScaling(t *testing.T) {
	c := testCluster(t, 1, 4, nil)
	c.Nodes[0].Threads = 2
	c.Nodes[0].CPUs = 8 // SMT: cpus are threads

	req := &Request{ID: "j1", MinNodes: 1, CPUsPerNode: 3}
	jr, err := Select(c, req, candidates(1), selectorobjects.SelectRunNow, nil)
	require.NoError(t, err)
	require.NotNil(t, jr)
	// ceil(3/2)=2 cores taken, reported as 4 cpus.
	assert.Equal(t, 2, jr.CoreBitmap.Count())
	assert.Equal(t, []int{4}, jr.CPUs)
}

func TestSelectInvalidInput(t *testing.T) {
	c := testCluster(t, 2, 2, nil)
	_, err := Select(c, nil, candidates(2), selectorobjects.SelectRunNow, nil)
	assert.Error(t, err)

	_, err = Select(c, &Request{ID: "j"}, bitmap.New(5), selectorobjects.SelectRunNow, nil)
	assert.Error(t, err)
}
