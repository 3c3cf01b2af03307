package selector

import (
	log "github.com/sirupsen/logrus"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
)

// NodeInfo is the per-node allocation snapshot served to external queries.
type NodeInfo struct {
	Name         string
	AllocCPUs    int
	AllocMemory  uint64
	TresAlloc    map[string]int64
	TresWeighted float64
}

// SetAllNodeInfo recomputes the per-node allocation snapshots from the row
// tables and the usage table. Results are cached: when nothing changed
// since the last call the cached snapshots are returned with changed=false.
func (e *Engine) SetAllNodeInfo() (infos []NodeInfo, changed bool) {
	if e.nodeinfo != nil && e.nodeinfoGen == e.lastNodeUpdate {
		log.Debugf("node info unchanged since generation %d", e.nodeinfoGen)
		return e.nodeinfo, false
	}

	// All cores allocated to any active job, across every partition row.
	allocCores := bitmap.New(e.coreMap.TotalCores())
	for _, name := range e.partOrder {
		e.parts[name].OrInto(allocCores)
	}

	infos = make([]NodeInfo, len(e.nodes))
	for n := range e.nodes {
		node := &e.nodes[n]
		lo, hi := e.coreMap.NodeRange(n)
		allocCPUs := allocCores.CountRange(lo, hi)

		// A resumed job can oversubscribe cores; never report more in
		// use than configured.
		if allocCPUs > node.Cores {
			allocCPUs = node.Cores
		}
		// The minimum allocatable unit may be a core, so scale up to
		// the cpu count when cpus represent hardware threads.
		if node.Cores < node.CPUs {
			allocCPUs *= node.Threads
		}

		counts := map[string]int64{
			"cpu": int64(allocCPUs),
			"mem": int64(e.usage[n].AllocMemory),
		}
		e.devices.SetNodeTresCount(e.usage[n].DeviceState, counts)

		infos[n] = NodeInfo{
			Name:         node.Name,
			AllocCPUs:    allocCPUs,
			AllocMemory:  e.usage[n].AllocMemory,
			TresAlloc:    counts,
			TresWeighted: e.devices.TresWeighted(counts, e.tresWeights),
		}
		e.metrics.setNodeInfo(node.Name, allocCPUs, e.usage[n].AllocMemory)
	}
	e.nodeinfo = infos
	e.nodeinfoGen = e.lastNodeUpdate
	return infos, true
}
