// Package jobres implements the per-job resource record: which nodes a job
// holds, how many cpus and how much memory on each, and which exact cores.
//
// The core bitmap is packed: it covers only the job's selected nodes, with
// no gaps for unselected ones. Per-node arrays are indexed by rank, i.e. the
// ordinal of the node within the job's node bitmap, never by global node
// index. Projection to the cluster-wide core numbering goes through a
// coremap.CoreMap.
package jobres

import (
	"github.com/pkg/errors"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
)

type JobResources struct {
	// NodeBitmap has one bit per cluster node.
	NodeBitmap *bitmap.Bitmap
	// NHosts = popcount(NodeBitmap).
	NHosts int
	// NCPUs is the job's total cpu demand.
	NCPUs int

	// Rank-indexed arrays, all of length NHosts.
	CPUs            []int
	CPUsUsed        []int
	MemoryAllocated []uint64
	MemoryUsed      []uint64

	// CoreBitmap is packed over the selected nodes.
	CoreBitmap *bitmap.Bitmap

	NodeReq   selectorobjects.ShareMode
	WholeNode bool
}

// New allocates a record with rank arrays sized for nodeCnt nodes.
// NodeBitmap and CoreBitmap are left for the caller to fill in.
func New(nodeCnt int) *JobResources {
	return &JobResources{
		NHosts:          nodeCnt,
		CPUs:            make([]int, nodeCnt),
		CPUsUsed:        make([]int, nodeCnt),
		MemoryAllocated: make([]uint64, nodeCnt),
		MemoryUsed:      make([]uint64, nodeCnt),
	}
}

// Validate checks the fields every engine operation relies on.
func (jr *JobResources) Validate(cm *coremap.CoreMap) error {
	if jr == nil {
		return errors.New("job resources record is nil")
	}
	if jr.NodeBitmap == nil || jr.CoreBitmap == nil || jr.CPUs == nil {
		return errors.New("job resources record lacks node bitmap, core bitmap or cpu array")
	}
	if jr.NodeBitmap.Size() != cm.Nodes() {
		return errors.Errorf("node bitmap covers %d nodes, cluster has %d", jr.NodeBitmap.Size(), cm.Nodes())
	}
	if got := jr.NodeBitmap.Count(); got != jr.NHosts {
		return errors.Errorf("nhosts %d does not match node bitmap popcount %d", jr.NHosts, got)
	}
	want := 0
	for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
		want += cm.Cores(n)
	}
	if jr.CoreBitmap.Size() != want {
		return errors.Errorf("core bitmap size %d does not match %d cores on selected nodes", jr.CoreBitmap.Size(), want)
	}
	return nil
}

// forEachRank walks the job's nodes in ascending index order, passing the
// rank, the global node index, and the packed core offset of that rank.
// Return false from f to stop.
func (jr *JobResources) forEachRank(cm *coremap.CoreMap, f func(rank, node, packedOff int) bool) {
	packedOff := 0
	rank := 0
	for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
		if !f(rank, n, packedOff) {
			return
		}
		packedOff += cm.Cores(n)
		rank++
	}
}

// RankOfNode returns the rank of global node n within the job, or -1.
func (jr *JobResources) RankOfNode(node int) int {
	if jr.NodeBitmap == nil || !jr.NodeBitmap.Test(node) {
		return -1
	}
	rank := 0
	for n := jr.NodeBitmap.NextSet(0); n >= 0 && n < node; n = jr.NodeBitmap.NextSet(n + 1) {
		rank++
	}
	return rank
}

// NodeOfRank returns the global node index at the given rank, or -1.
func (jr *JobResources) NodeOfRank(rank int) int {
	i := 0
	for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
		if i == rank {
			return n
		}
		i++
	}
	return -1
}

// PackedRange returns the half-open interval of the packed core bitmap
// belonging to the given rank.
func (jr *JobResources) PackedRange(cm *coremap.CoreMap, rank int) (int, int) {
	lo, hi := -1, -1
	jr.forEachRank(cm, func(r, node, packedOff int) bool {
		if r == rank {
			lo, hi = packedOff, packedOff+cm.Cores(node)
			return false
		}
		return true
	})
	return lo, hi
}

// CoreCountOnRank returns the number of cores the job holds on the given rank.
func (jr *JobResources) CoreCountOnRank(cm *coremap.CoreMap, rank int) int {
	lo, hi := jr.PackedRange(cm, rank)
	if lo < 0 {
		return 0
	}
	return jr.CoreBitmap.CountRange(lo, hi)
}

// AddToRowBitmap projects the job's cores through the coremap and ORs them
// into row, which is indexed over the cluster-wide core numbering.
func (jr *JobResources) AddToRowBitmap(cm *coremap.CoreMap, row *bitmap.Bitmap) {
	jr.forEachRank(cm, func(rank, node, packedOff int) bool {
		base := cm.Offset(node)
		for k := 0; k < cm.Cores(node); k++ {
			if jr.CoreBitmap.Test(packedOff + k) {
				row.Set(base + k)
			}
		}
		return true
	})
}

// RemoveFromRowBitmap clears the job's projected cores from row.
func (jr *JobResources) RemoveFromRowBitmap(cm *coremap.CoreMap, row *bitmap.Bitmap) {
	jr.forEachRank(cm, func(rank, node, packedOff int) bool {
		base := cm.Offset(node)
		for k := 0; k < cm.Cores(node); k++ {
			if jr.CoreBitmap.Test(packedOff + k) {
				row.Clear(base + k)
			}
		}
		return true
	})
}

// FitsInto reports whether the job's projected cores are disjoint from row.
// Whole-node jobs additionally require each of their nodes to be entirely
// clear in row, so that a fit implies an exclusive node.
func (jr *JobResources) FitsInto(cm *coremap.CoreMap, row *bitmap.Bitmap) bool {
	fits := true
	jr.forEachRank(cm, func(rank, node, packedOff int) bool {
		lo, hi := cm.NodeRange(node)
		if jr.WholeNode {
			if row.CountRange(lo, hi) != 0 {
				fits = false
				return false
			}
			return true
		}
		for k := 0; k < hi-lo; k++ {
			if jr.CoreBitmap.Test(packedOff+k) && row.Test(lo+k) {
				fits = false
				return false
			}
		}
		return true
	})
	return fits
}

// SortKey is the packer's primary sort key: the global position of the
// job's first allocated core.
func (jr *JobResources) SortKey(cm *coremap.CoreMap) int {
	first := jr.NodeBitmap.FirstSet()
	if first < 0 {
		return 0
	}
	return cm.Offset(first) + jr.CoreBitmap.FirstSet()
}

// CopyRankBits ORs the cores src holds at srcRank into jr's packed section
// for dstRank. Both records must select the same node at those ranks.
func (jr *JobResources) CopyRankBits(cm *coremap.CoreMap, dstRank int, src *JobResources, srcRank int) error {
	dstLo, dstHi := jr.PackedRange(cm, dstRank)
	srcLo, srcHi := src.PackedRange(cm, srcRank)
	if dstLo < 0 || srcLo < 0 {
		return errors.Errorf("rank out of range: dst %d src %d", dstRank, srcRank)
	}
	if dstHi-dstLo != srcHi-srcLo {
		return errors.Errorf("core count mismatch between ranks: %d vs %d", dstHi-dstLo, srcHi-srcLo)
	}
	for k := 0; k < srcHi-srcLo; k++ {
		if src.CoreBitmap.Test(srcLo + k) {
			jr.CoreBitmap.Set(dstLo + k)
		}
	}
	return nil
}

// ExtractNode rewrites the record in place with the given rank removed:
// rank arrays are compacted, the rank's section of the packed core bitmap is
// dropped, the node bit is cleared and NHosts decremented.
func (jr *JobResources) ExtractNode(cm *coremap.CoreMap, rank int) error {
	node := jr.NodeOfRank(rank)
	if node < 0 {
		return errors.Errorf("job has no rank %d", rank)
	}
	lo, hi := jr.PackedRange(cm, rank)

	packed := bitmap.New(jr.CoreBitmap.Size() - (hi - lo))
	for i, j := 0, 0; i < jr.CoreBitmap.Size(); i++ {
		if i >= lo && i < hi {
			continue
		}
		if jr.CoreBitmap.Test(i) {
			packed.Set(j)
		}
		j++
	}
	jr.CoreBitmap = packed

	jr.CPUs = append(jr.CPUs[:rank], jr.CPUs[rank+1:]...)
	jr.CPUsUsed = append(jr.CPUsUsed[:rank], jr.CPUsUsed[rank+1:]...)
	jr.MemoryAllocated = append(jr.MemoryAllocated[:rank], jr.MemoryAllocated[rank+1:]...)
	jr.MemoryUsed = append(jr.MemoryUsed[:rank], jr.MemoryUsed[rank+1:]...)

	jr.NodeBitmap.Clear(node)
	jr.NHosts--
	return nil
}

// TotalMemory sums allocated memory over all ranks.
func (jr *JobResources) TotalMemory() uint64 {
	var total uint64
	for _, m := range jr.MemoryAllocated {
		total += m
	}
	return total
}

// TotalCPUs sums allocated cpus over all ranks.
func (jr *JobResources) TotalCPUs() int {
	total := 0
	for _, c := range jr.CPUs {
		total += c
	}
	return total
}

// Clone deep-copies the record.
func (jr *JobResources) Clone() *JobResources {
	c := &JobResources{
		NodeBitmap:      jr.NodeBitmap.Clone(),
		NHosts:          jr.NHosts,
		NCPUs:           jr.NCPUs,
		CPUs:            append([]int(nil), jr.CPUs...),
		CPUsUsed:        append([]int(nil), jr.CPUsUsed...),
		MemoryAllocated: append([]uint64(nil), jr.MemoryAllocated...),
		MemoryUsed:      append([]uint64(nil), jr.MemoryUsed...),
		CoreBitmap:      jr.CoreBitmap.Clone(),
		NodeReq:         jr.NodeReq,
		WholeNode:       jr.WholeNode,
	}
	return c
}
