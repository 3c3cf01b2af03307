// Package coremap maintains the flat numbering of all cores in the cluster.
// Global bit offset(n)+k denotes local core k on node n; every core bitmap
// in the engine is indexed against this numbering.
package coremap

import (
	"github.com/pkg/errors"
)

// CoreMap is a prefix-sum table over per-node core counts. Rebuilds happen
// during reconfig with no placement in flight; derived bitmaps become stale
// on rebuild and callers detect that through Generation.
type CoreMap struct {
	offsets    []int // offsets[n] = sum of cores over nodes 0..n-1; len = nodes+1
	generation int64
}

// New builds a CoreMap from per-node core counts.
func New(coresPerNode []int) (*CoreMap, error) {
	cm := &CoreMap{}
	if err := cm.Rebuild(coresPerNode); err != nil {
		return nil, err
	}
	return cm, nil
}

// Rebuild recomputes the offset table. All derived bitmaps (row bitmaps,
// reservation masks) are invalid afterwards and must be reconstructed by
// callers before use.
func (cm *CoreMap) Rebuild(coresPerNode []int) error {
	offsets := make([]int, len(coresPerNode)+1)
	for n, c := range coresPerNode {
		if c < 0 {
			return errors.Errorf("node %d has negative core count %d", n, c)
		}
		offsets[n+1] = offsets[n] + c
	}
	cm.offsets = offsets
	cm.generation++
	return nil
}

// Nodes returns the number of nodes in the map.
func (cm *CoreMap) Nodes() int {
	return len(cm.offsets) - 1
}

// Offset returns the global bit position of local core 0 on node n.
// Offset(Nodes()) is the total core count.
func (cm *CoreMap) Offset(n int) int {
	if n < 0 {
		return 0
	}
	if n >= len(cm.offsets) {
		return cm.offsets[len(cm.offsets)-1]
	}
	return cm.offsets[n]
}

// Cores returns the number of cores on node n.
func (cm *CoreMap) Cores(n int) int {
	if n < 0 || n >= cm.Nodes() {
		return 0
	}
	return cm.offsets[n+1] - cm.offsets[n]
}

// NodeRange returns the half-open global core interval [lo, hi) of node n.
func (cm *CoreMap) NodeRange(n int) (int, int) {
	return cm.Offset(n), cm.Offset(n + 1)
}

// TotalCores returns the total core count across all nodes.
func (cm *CoreMap) TotalCores() int {
	if len(cm.offsets) == 0 {
		return 0
	}
	return cm.offsets[len(cm.offsets)-1]
}

// Generation increases on every Rebuild.
func (cm *CoreMap) Generation() int64 {
	return cm.generation
}

// CoreCounts returns the per-node core count table. The result aliases
// nothing and may be retained by the caller.
func (cm *CoreMap) CoreCounts() []int {
	counts := make([]int, cm.Nodes())
	for n := range counts {
		counts[n] = cm.Cores(n)
	}
	return counts
}
