package selector

import (
	log "github.com/sirupsen/logrus"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/common/kestrelerrors"
	"github.com/kestrelhpc/kestrel/internal/selector/jobres"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
)

// AddJob registers the job and adds its allocation to the usage and row
// tables. The record must come from a successful JobTest (or a controller
// replay); if it fits no row the placement invariant was violated upstream
// and an error is returned with no partial state applied.
func (e *Engine) AddJob(id, partitionName string, jr *jobres.JobResources) error {
	return e.addJob(id, partitionName, jr, selectorobjects.AllocationAll, false)
}

// ReplayJob re-adds a job after a controller restart. Suspended jobs keep
// their memory allocation only when they were suspended indefinitely
// (zeroPriority); gang-suspended jobs replay in full.
func (e *Engine) ReplayJob(id, partitionName string, jr *jobres.JobResources, suspended, zeroPriority bool) error {
	mode := selectorobjects.AllocationAll
	if suspended && zeroPriority {
		mode = selectorobjects.AllocationMemoryOnly
	}
	return e.addJob(id, partitionName, jr, mode, suspended)
}

func (e *Engine) addJob(id, partitionName string, jr *jobres.JobResources, mode selectorobjects.AllocationMode, suspended bool) error {
	if err := jr.Validate(e.coreMap); err != nil {
		return &kestrelerrors.ErrStateInvariant{JobId: id, Message: err.Error()}
	}
	if _, ok := e.parts[partitionName]; !ok {
		return &kestrelerrors.ErrNotFound{Type: "partition", Value: partitionName}
	}
	if existing := e.jobs.Get(id); existing != nil {
		return &kestrelerrors.ErrInvalidArgument{Name: "job", Value: id, Message: "already registered"}
	}
	entry := &JobEntry{ID: id, Partition: partitionName, Resources: jr, Suspended: suspended}
	if err := e.addJobToRes(entry, mode); err != nil {
		return err
	}
	return e.jobs.Upsert(entry)
}

// addJobToRes applies the job's allocation to NUT and PRT per mode.
func (e *Engine) addJobToRes(entry *JobEntry, mode selectorobjects.AllocationMode) error {
	jr := entry.Resources
	p := e.parts[entry.Partition]
	if p == nil {
		return &kestrelerrors.ErrNotFound{Type: "partition", Value: entry.Partition}
	}

	if mode != selectorobjects.AllocationCoresOnly {
		rank := 0
		for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
			e.usage[n].AllocMemory += jr.MemoryAllocated[rank]
			if avail := e.nodes[n].AvailableMemory(); e.usage[n].AllocMemory > avail {
				log.Errorf("node %s memory is overallocated (%d > %d) for job %s",
					e.nodes[n].Name, e.usage[n].AllocMemory, avail, entry.ID)
			}
			rank++
		}
	}

	if mode != selectorobjects.AllocationMemoryOnly {
		row, err := p.AddJob(e.coreMap, entry.ID, jr)
		if err != nil {
			// Roll the memory add back so failure leaves no trace.
			if mode != selectorobjects.AllocationCoresOnly {
				e.subtractMemory(entry)
			}
			return err
		}
		log.Debugf("job %s added to partition %s row %d", entry.ID, entry.Partition, row)
		for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
			e.usage[n].ShareState += int(jr.NodeReq)
		}
	}

	e.metrics.setRowsUsed(p.Name, p.NumUsedRows())
	e.lastNodeUpdate++
	return nil
}

// FinishJob removes a terminated job entirely: memory, cores, typed
// devices, registry entry.
func (e *Engine) FinishJob(id string) error {
	entry := e.jobs.Get(id)
	if entry == nil {
		return &kestrelerrors.ErrNotFound{Type: "job", Value: id}
	}
	if err := e.rmJobFromRes(entry, selectorobjects.AllocationAll, true, true); err != nil {
		return err
	}
	return e.jobs.Delete(id)
}

// SuspendJob frees the job's cores but keeps its memory allocated.
// Gang-scheduling transient suspends (indefinite=false) are a no-op.
func (e *Engine) SuspendJob(id string, indefinite bool) error {
	if !indefinite {
		return nil
	}
	entry := e.jobs.Get(id)
	if entry == nil {
		return &kestrelerrors.ErrNotFound{Type: "job", Value: id}
	}
	if entry.Suspended {
		return nil
	}
	if err := e.rmJobFromRes(entry, selectorobjects.AllocationCoresOnly, false, false); err != nil {
		return err
	}
	entry.Suspended = true
	return e.jobs.Upsert(entry)
}

// ResumeJob re-adds a suspended job's cores to whichever row fits.
func (e *Engine) ResumeJob(id string, indefinite bool) error {
	if !indefinite {
		return nil
	}
	entry := e.jobs.Get(id)
	if entry == nil {
		return &kestrelerrors.ErrNotFound{Type: "job", Value: id}
	}
	if !entry.Suspended {
		return nil
	}
	if err := e.addJobToRes(entry, selectorobjects.AllocationCoresOnly); err != nil {
		return err
	}
	entry.Suspended = false
	return e.jobs.Upsert(entry)
}

// rmJobFromRes reverses addJobToRes. reconstruct selects a full repack of
// the partition instead of an incremental bitmap subtract; releaseDevices
// is withheld during suspends and expansions.
func (e *Engine) rmJobFromRes(entry *JobEntry, mode selectorobjects.AllocationMode, reconstruct, releaseDevices bool) error {
	jr := entry.Resources
	p := e.parts[entry.Partition]
	if p == nil {
		return &kestrelerrors.ErrNotFound{Type: "partition", Value: entry.Partition}
	}

	if mode != selectorobjects.AllocationCoresOnly {
		e.subtractMemory(entry)
	}

	if mode != selectorobjects.AllocationMemoryOnly && !entry.Suspended {
		if !p.RemoveJob(entry.ID) {
			return &kestrelerrors.ErrNotFound{
				Type: "job", Value: entry.ID,
				Message: "not resident in partition " + entry.Partition,
			}
		}
		removed := jr
		if reconstruct {
			removed = nil
		}
		p.Rebuild(e.coreMap, e.jobs, removed)

		for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
			e.decrementShareState(n, jr.NodeReq)
		}
	}

	if releaseDevices && mode == selectorobjects.AllocationAll {
		rank := 0
		for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
			if err := e.devices.Dealloc(entry.ID, e.usage[n].DeviceState, rank, e.nodes[n].Name); err != nil {
				log.Errorf("device dealloc for job %s on node %s: %v", entry.ID, e.nodes[n].Name, err)
			}
			rank++
		}
	}

	e.metrics.setRowsUsed(p.Name, p.NumUsedRows())
	e.lastNodeUpdate++
	return nil
}

func (e *Engine) subtractMemory(entry *JobEntry) {
	jr := entry.Resources
	rank := 0
	for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
		if e.usage[n].AllocMemory < jr.MemoryAllocated[rank] {
			log.Errorf("node %s memory is underallocated (%d-%d) for job %s",
				e.nodes[n].Name, e.usage[n].AllocMemory, jr.MemoryAllocated[rank], entry.ID)
			e.usage[n].AllocMemory = 0
		} else {
			e.usage[n].AllocMemory -= jr.MemoryAllocated[rank]
		}
		rank++
	}
}

func (e *Engine) decrementShareState(n int, req selectorobjects.ShareMode) {
	if e.usage[n].ShareState >= int(req) {
		e.usage[n].ShareState -= int(req)
	} else {
		log.Errorf("node %s share-state miscount", e.nodes[n].Name)
		e.usage[n].ShareState = 0
	}
}

// RemoveJobFromNode drops one node from a running or suspended job: the
// node's memory and device allocations are released and the record is
// rewritten in place without that node. Cores are re-tiled by a full
// partition repack unless the job is suspended.
func (e *Engine) RemoveJobFromNode(id string, node int) error {
	entry := e.jobs.Get(id)
	if entry == nil {
		return &kestrelerrors.ErrNotFound{Type: "job", Value: id}
	}
	jr := entry.Resources
	if jr == nil || jr.CoreBitmap == nil {
		return &kestrelerrors.ErrStateInvariant{JobId: id, Message: "job has no resource record"}
	}
	rank := jr.RankOfNode(node)
	if rank < 0 {
		return &kestrelerrors.ErrNotFound{Type: "node", Value: e.nodeName(node), Message: "not part of job " + id}
	}
	if jr.CPUs[rank] == 0 {
		log.Infof("attempt to remove node %s from job %s again", e.nodeName(node), id)
		return nil
	}

	if err := e.devices.Dealloc(id, e.usage[node].DeviceState, rank, e.nodeName(node)); err != nil {
		log.Errorf("device dealloc for job %s on node %s: %v", id, e.nodeName(node), err)
	}

	if e.usage[node].AllocMemory < jr.MemoryAllocated[rank] {
		log.Errorf("node %s memory is underallocated (%d-%d) for job %s",
			e.nodeName(node), e.usage[node].AllocMemory, jr.MemoryAllocated[rank], id)
		e.usage[node].AllocMemory = 0
	} else {
		e.usage[node].AllocMemory -= jr.MemoryAllocated[rank]
	}

	if err := jr.ExtractNode(e.coreMap, rank); err != nil {
		return err
	}

	if entry.Suspended {
		// No cores are allocated to the job right now.
		e.lastNodeUpdate++
		return nil
	}

	p := e.parts[entry.Partition]
	if p == nil {
		return &kestrelerrors.ErrNotFound{Type: "partition", Value: entry.Partition}
	}
	if p.RowOf(id) < 0 {
		return &kestrelerrors.ErrNotFound{
			Type: "job", Value: id,
			Message: "not resident in partition " + entry.Partition,
		}
	}

	// A node of the job left the core bitmap, so refresh the rows.
	p.Rebuild(e.coreMap, e.jobs, nil)
	e.decrementShareState(node, jr.NodeReq)

	e.metrics.setRowsUsed(p.Name, p.NumUsedRows())
	e.lastNodeUpdate++
	return nil
}

// ExpandJob merges from's resources into to, leaving from empty. Where both
// jobs hold the same node the cpu counts are summed, the core bits ORed,
// and the cpus rescaled by the merged core count so shared-node partitions
// do not double-count.
func (e *Engine) ExpandJob(fromID, toID string) error {
	if fromID == toID {
		return &kestrelerrors.ErrInvalidArgument{Name: "job", Value: fromID, Message: "attempt to merge a job with itself"}
	}
	fromEntry := e.jobs.Get(fromID)
	toEntry := e.jobs.Get(toID)
	if fromEntry == nil {
		return &kestrelerrors.ErrNotFound{Type: "job", Value: fromID}
	}
	if toEntry == nil {
		return &kestrelerrors.ErrNotFound{Type: "job", Value: toID}
	}
	from, to := fromEntry.Resources, toEntry.Resources
	for _, pair := range []struct {
		id string
		jr *jobres.JobResources
	}{{fromID, from}, {toID, to}} {
		if pair.jr == nil || pair.jr.CPUs == nil || pair.jr.CoreBitmap == nil || pair.jr.NodeBitmap == nil {
			return &kestrelerrors.ErrStateInvariant{JobId: pair.id, Message: "job lacks a resource record"}
		}
	}

	if err := e.rmJobFromRes(fromEntry, selectorobjects.AllocationAll, true, false); err != nil {
		return err
	}
	if err := e.rmJobFromRes(toEntry, selectorobjects.AllocationAll, true, false); err != nil {
		return err
	}

	targetNodes := from.NodeBitmap.Clone()
	targetNodes.Or(to.NodeBitmap)
	merged := e.mergeResources(from, to, targetNodes)

	if err := e.devices.Merge(fromID, toID); err != nil {
		log.Errorf("device merge %s -> %s: %v", fromID, toID, err)
	}

	// Swap data: merged -> to, clear from.
	toEntry.Resources = merged
	from.NCPUs = 0
	from.NHosts = 0
	from.CPUs = from.CPUs[:0]
	from.CPUsUsed = from.CPUsUsed[:0]
	from.MemoryAllocated = from.MemoryAllocated[:0]
	from.MemoryUsed = from.MemoryUsed[:0]
	from.NodeBitmap.ClearAll()
	from.CoreBitmap = bitmap.New(0)

	if err := e.jobs.Upsert(fromEntry); err != nil {
		return err
	}
	if err := e.jobs.Upsert(toEntry); err != nil {
		return err
	}
	return e.addJobToRes(toEntry, selectorobjects.AllocationAll)
}

// mergeResources tiles from's and to's allocations into one record over
// targetNodes, walking node indices in ascending order with separate
// from/to/new ranks.
func (e *Engine) mergeResources(from, to *jobres.JobResources, targetNodes *bitmap.Bitmap) *jobres.JobResources {
	merged := jobres.New(targetNodes.Count())
	merged.NodeBitmap = targetNodes
	merged.NCPUs = 0
	merged.NodeReq = to.NodeReq
	merged.WholeNode = to.WholeNode

	packedSize := 0
	for n := targetNodes.NextSet(0); n >= 0; n = targetNodes.NextSet(n + 1) {
		packedSize += e.coreMap.Cores(n)
	}
	merged.CoreBitmap = bitmap.New(packedSize)

	newRank := 0
	for n := targetNodes.NextSet(0); n >= 0; n = targetNodes.NextSet(n + 1) {
		fromRank := from.RankOfNode(n)
		toRank := to.RankOfNode(n)

		if fromRank >= 0 {
			merged.CPUs[newRank] = from.CPUs[fromRank]
			merged.MemoryAllocated[newRank] = from.MemoryAllocated[fromRank]
			if err := merged.CopyRankBits(e.coreMap, newRank, from, fromRank); err != nil {
				log.Errorf("expand: copying cores of rank %d: %v", fromRank, err)
			}
		}
		if toRank >= 0 {
			merged.CPUs[newRank] += to.CPUs[toRank]
			merged.CPUsUsed[newRank] += to.CPUsUsed[toRank]
			merged.MemoryAllocated[newRank] += to.MemoryAllocated[toRank]
			merged.MemoryUsed[newRank] += to.MemoryUsed[toRank]
			if err := merged.CopyRankBits(e.coreMap, newRank, to, toRank); err != nil {
				log.Errorf("expand: copying cores of rank %d: %v", toRank, err)
			}
			if fromRank >= 0 {
				// Both jobs held this node: the ORed cores may be
				// fewer than the sum, so rescale the cpus to avoid
				// double counting on shared nodes.
				fromCores := from.CoreCountOnRank(e.coreMap, fromRank)
				toCores := to.CoreCountOnRank(e.coreMap, toRank)
				newCores := merged.CoreCountOnRank(e.coreMap, newRank)
				if fromCores+toCores != newCores && fromCores+toCores > 0 {
					merged.CPUs[newRank] = merged.CPUs[newRank] * newCores / (fromCores + toCores)
				}
			}
		}
		if merged.WholeNode {
			merged.NCPUs += e.nodes[n].CPUs
		} else {
			merged.NCPUs += merged.CPUs[newRank]
		}
		newRank++
	}
	return merged
}

// ConfirmJobMemory grants the job the full available memory of each of its
// nodes, returning the smallest per-node grant. Used for jobs whose memory
// demand is computed from the nodes they land on.
func (e *Engine) ConfirmJobMemory(id string) (uint64, error) {
	entry := e.jobs.Get(id)
	if entry == nil {
		return 0, &kestrelerrors.ErrNotFound{Type: "job", Value: id}
	}
	jr := entry.Resources
	if jr == nil || jr.NodeBitmap == nil || jr.MemoryAllocated == nil {
		return 0, &kestrelerrors.ErrStateInvariant{JobId: id, Message: "job lacks memory accounting"}
	}
	var lowest uint64
	rank := 0
	for n := jr.NodeBitmap.NextSet(0); n >= 0; n = jr.NodeBitmap.NextSet(n + 1) {
		avail := e.nodes[n].AvailableMemory()
		jr.MemoryAllocated[rank] = avail
		e.usage[n].AllocMemory = avail
		if rank == 0 || avail < lowest {
			lowest = avail
		}
		rank++
	}
	e.lastNodeUpdate++
	return lowest, nil
}

func (e *Engine) nodeName(n int) string {
	if n >= 0 && n < len(e.nodes) {
		return e.nodes[n].Name
	}
	return "?"
}
