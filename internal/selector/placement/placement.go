// Package placement implements the shared select-and-test routine: given a
// pending job and a candidate node set, decide whether the job can be
// placed and on which exact cores. The engine wraps this with the WILL_RUN
// preemption simulation.
package placement

import (
	log "github.com/sirupsen/logrus"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/common/kestrelerrors"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/jobres"
	"github.com/kestrelhpc/kestrel/internal/selector/partition"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
	"github.com/kestrelhpc/kestrel/internal/selector/topology"
)

// Request carries a job's placement demands.
type Request struct {
	ID        string
	Partition string

	MinNodes int
	MaxNodes int // 0 = no cap
	ReqNodes int // desired count; 0 = MinNodes

	// RequiredNodes must all be part of the selection (may be nil).
	RequiredNodes *bitmap.Bitmap

	// CPUsPerNode is the cpu demand on every selected node.
	CPUsPerNode int
	// MemoryPerNode is the memory demand on every selected node.
	MemoryPerNode uint64

	NodeReq    selectorobjects.ShareMode
	WholeNode  bool
	Contiguous bool
}

// Cluster is the engine state placement reads. Nothing is mutated.
type Cluster struct {
	CoreMap  *coremap.CoreMap
	Topology *topology.Table
	Nodes    []selectorobjects.NodeRecord
	Usage    []selectorobjects.NodeUsage
	Part     *partition.Partition
}

// Select attempts to place the job on a subset of candidates. It returns
// the constructed resource record, or nil when the job does not fit (not an
// error), or an error for malformed input.
func Select(c Cluster, req *Request, candidates *bitmap.Bitmap, mode selectorobjects.SelectMode, excludeCores *bitmap.Bitmap) (*jobres.JobResources, error) {
	if req == nil || candidates == nil {
		return nil, &kestrelerrors.ErrInvalidArgument{Name: "request", Value: req, Message: "request and candidates are required"}
	}
	if candidates.Size() != c.CoreMap.Nodes() {
		return nil, &kestrelerrors.ErrInvalidArgument{
			Name: "candidates", Value: candidates.Size(),
			Message: "candidate bitmap not sized to the cluster",
		}
	}
	minNodes := req.MinNodes
	if minNodes < 1 {
		minNodes = 1
	}
	want := req.ReqNodes
	if want < minNodes {
		want = minNodes
	}
	if req.MaxNodes > 0 && want > req.MaxNodes {
		want = req.MaxNodes
	}
	if req.RequiredNodes != nil && !req.RequiredNodes.SubsetOf(candidates) {
		return nil, nil
	}

	occupied := occupiedCores(c, mode)
	usable, freePerNode := usableNodes(c, req, candidates, occupied, excludeCores)
	if len(usable) < minNodes {
		log.Debugf("placement: job %s needs %d nodes, only %d usable", req.ID, minNodes, len(usable))
		return nil, nil
	}

	selected := chooseNodes(c, req, usable, want)
	if len(selected) < minNodes {
		return nil, nil
	}

	return buildResources(c, req, selected, freePerNode)
}

// occupiedCores returns the union of the partition's row bitmaps, or an
// empty bitmap in TEST_ONLY mode which tests against configured capacity.
func occupiedCores(c Cluster, mode selectorobjects.SelectMode) *bitmap.Bitmap {
	occupied := bitmap.New(c.CoreMap.TotalCores())
	if mode == selectorobjects.SelectTestOnly {
		return occupied
	}
	c.Part.OrInto(occupied)
	return occupied
}

// usableNodes filters candidates by free cores, memory and sharing state,
// returning the usable node indices ascending plus each node's free-core
// bitmap positions.
func usableNodes(c Cluster, req *Request, candidates *bitmap.Bitmap, occupied, excludeCores *bitmap.Bitmap) ([]int, map[int]*bitmap.Bitmap) {
	var usable []int
	freePerNode := make(map[int]*bitmap.Bitmap)

	for n := candidates.NextSet(0); n >= 0; n = candidates.NextSet(n + 1) {
		if c.Part.NodeBitmap != nil && !c.Part.NodeBitmap.Test(n) {
			continue
		}
		node := &c.Nodes[n]
		usage := &c.Usage[n]

		// An exclusive resident shuts the node; an exclusive request
		// needs a fully idle node.
		exclusive := req.WholeNode || req.NodeReq == selectorobjects.ShareExclusive
		if usage.ShareState >= int(selectorobjects.ShareExclusive) {
			continue
		}
		lo, hi := c.CoreMap.NodeRange(n)
		if exclusive && (usage.ShareState > 0 || occupied.CountRange(lo, hi) > 0) {
			continue
		}

		free := bitmap.New(c.CoreMap.TotalCores())
		free.SetRange(lo, hi)
		free.AndNot(occupied)
		if excludeCores != nil && excludeCores.Size() == free.Size() {
			free.AndNot(excludeCores)
		}

		needCores := coresNeeded(node, req)
		if req.WholeNode {
			needCores = node.Cores
		}
		if free.CountRange(lo, hi) < needCores {
			continue
		}
		if node.AvailableMemory() < usage.AllocMemory+req.MemoryPerNode {
			continue
		}
		usable = append(usable, n)
		freePerNode[n] = free
	}
	return usable, freePerNode
}

// coresNeeded converts the per-node cpu demand into cores, scaling by the
// thread factor when cpus represent hardware threads.
func coresNeeded(node *selectorobjects.NodeRecord, req *Request) int {
	cpus := req.CPUsPerNode
	if cpus < 1 {
		cpus = 1
	}
	if node.CPUs > node.Cores && node.Threads > 1 {
		return (cpus + node.Threads - 1) / node.Threads
	}
	return cpus
}

// chooseNodes picks want nodes from the usable set: required nodes first,
// then by topology leaf when one wholly contains the allocation, then by
// contiguity, then ascending index.
func chooseNodes(c Cluster, req *Request, usable []int, want int) []int {
	usableSet := make(map[int]bool, len(usable))
	for _, n := range usable {
		usableSet[n] = true
	}

	var selected []int
	taken := make(map[int]bool)
	if req.RequiredNodes != nil {
		for n := req.RequiredNodes.NextSet(0); n >= 0; n = req.RequiredNodes.NextSet(n + 1) {
			if !usableSet[n] {
				return nil // a required node is not usable
			}
			selected = append(selected, n)
			taken[n] = true
		}
	}
	if len(selected) >= want {
		return selected[:want]
	}

	// Prefer a single leaf switch that can hold the whole allocation.
	if c.Topology.Configured() && len(selected) == 0 {
		for _, leaf := range c.Topology.Leaves() {
			var inLeaf []int
			for _, n := range usable {
				if c.Topology.Switches[leaf].NodeBitmap.Test(n) {
					inLeaf = append(inLeaf, n)
				}
			}
			if len(inLeaf) >= want {
				return inLeaf[:want]
			}
		}
	}

	if req.Contiguous && len(selected) == 0 {
		if run := contiguousRun(usable, want); run != nil {
			return run
		}
		return nil
	}

	for _, n := range usable {
		if len(selected) >= want {
			break
		}
		if !taken[n] {
			selected = append(selected, n)
		}
	}
	return selected
}

// contiguousRun finds the lowest window of want consecutive node indices.
func contiguousRun(usable []int, want int) []int {
	for i := 0; i+want <= len(usable); i++ {
		if usable[i+want-1]-usable[i] == want-1 {
			return usable[i : i+want]
		}
	}
	return nil
}

// buildResources constructs the resource record over the selected nodes,
// taking the lowest-index free cores on each.
func buildResources(c Cluster, req *Request, selected []int, freePerNode map[int]*bitmap.Bitmap) (*jobres.JobResources, error) {
	nodeBitmap := bitmap.New(c.CoreMap.Nodes())
	for _, n := range selected {
		nodeBitmap.Set(n)
	}
	jr := jobres.New(nodeBitmap.Count())
	jr.NodeBitmap = nodeBitmap
	jr.NodeReq = req.NodeReq
	jr.WholeNode = req.WholeNode

	packedSize := 0
	for n := nodeBitmap.NextSet(0); n >= 0; n = nodeBitmap.NextSet(n + 1) {
		packedSize += c.CoreMap.Cores(n)
	}
	jr.CoreBitmap = bitmap.New(packedSize)

	rank := 0
	packedOff := 0
	for n := nodeBitmap.NextSet(0); n >= 0; n = nodeBitmap.NextSet(n + 1) {
		node := &c.Nodes[n]
		lo, hi := c.CoreMap.NodeRange(n)
		free := freePerNode[n]

		needCores := coresNeeded(node, req)
		if req.WholeNode {
			needCores = node.Cores
		}
		taken := 0
		for k := lo; k < hi && taken < needCores; k++ {
			if free.Test(k) {
				jr.CoreBitmap.Set(packedOff + (k - lo))
				taken++
			}
		}
		if taken < needCores {
			// usableNodes vouched for this node; reaching here is
			// an engine bug, not a NO_FIT.
			return nil, &kestrelerrors.ErrStateInvariant{
				JobId:   req.ID,
				Message: "free-core accounting changed during selection",
			}
		}

		cpus := taken
		if node.CPUs > node.Cores && node.Threads > 1 {
			cpus = taken * node.Threads
		}
		if req.WholeNode {
			cpus = node.CPUs
		}
		jr.CPUs[rank] = cpus
		jr.MemoryAllocated[rank] = req.MemoryPerNode
		jr.NCPUs += cpus

		rank++
		packedOff += hi - lo
	}
	return jr, nil
}
