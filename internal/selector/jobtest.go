package selector

import (
	log "github.com/sirupsen/logrus"
	goslices "golang.org/x/exp/slices"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/common/kestrelerrors"
	commonslices "github.com/kestrelhpc/kestrel/internal/common/slices"
	"github.com/kestrelhpc/kestrel/internal/selector/jobres"
	"github.com/kestrelhpc/kestrel/internal/selector/placement"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
)

// JobTest places a pending job against the candidate node set. A nil record
// with a nil error means the job does not fit (NO_FIT); the returned
// preemptee list is non-empty only in WILL_RUN mode when preempting
// candidates would let the job start.
//
// The engine's state is never mutated: a successful test is committed
// separately with AddJob.
func (e *Engine) JobTest(
	req *placement.Request,
	candidates *bitmap.Bitmap,
	mode selectorobjects.SelectMode,
	preemptees []string,
	excludeCores *bitmap.Bitmap,
) (*jobres.JobResources, []string, error) {
	if req == nil {
		return nil, nil, &kestrelerrors.ErrInvalidArgument{Name: "request", Value: nil, Message: "request is required"}
	}
	e.policy.Prepare(req)

	p := e.parts[req.Partition]
	if p == nil {
		return nil, nil, &kestrelerrors.ErrNotFound{Type: "partition", Value: req.Partition}
	}

	cluster := placement.Cluster{
		CoreMap:  e.coreMap,
		Topology: e.topo,
		Nodes:    e.nodes,
		Usage:    e.usage,
		Part:     p,
	}

	directMode := mode
	if mode == selectorobjects.SelectWillRun {
		directMode = selectorobjects.SelectRunNow
	}
	jr, err := placement.Select(cluster, req, candidates, directMode, excludeCores)
	if err != nil {
		return nil, nil, err
	}
	if jr != nil || mode != selectorobjects.SelectWillRun || len(preemptees) == 0 {
		e.metrics.observePlacement(modeLabel(mode), jr != nil)
		return jr, nil, nil
	}

	// WILL_RUN: simulate terminating preemptees one at a time until the
	// job fits. State is simulated on copies; the engine is untouched.
	simPart := p.Clone()
	simUsage := append([]selectorobjects.NodeUsage(nil), e.usage...)
	simCluster := cluster
	simCluster.Part = simPart
	simCluster.Usage = simUsage

	var used []string
	for _, id := range commonslices.Unique(preemptees) {
		entry := e.jobs.Get(id)
		if entry == nil || entry.Partition != req.Partition {
			continue
		}
		if !simPart.RemoveJob(id) {
			continue
		}
		simPart.Rebuild(e.coreMap, &simLookup{registry: e.jobs, dropped: used, extra: id}, nil)
		res := entry.Resources
		rank := 0
		for n := res.NodeBitmap.NextSet(0); n >= 0; n = res.NodeBitmap.NextSet(n + 1) {
			if simUsage[n].AllocMemory >= res.MemoryAllocated[rank] {
				simUsage[n].AllocMemory -= res.MemoryAllocated[rank]
			} else {
				simUsage[n].AllocMemory = 0
			}
			if simUsage[n].ShareState >= int(res.NodeReq) {
				simUsage[n].ShareState -= int(res.NodeReq)
			} else {
				simUsage[n].ShareState = 0
			}
			rank++
		}
		used = append(used, id)

		jr, err = placement.Select(simCluster, req, candidates, selectorobjects.SelectRunNow, excludeCores)
		if err != nil {
			return nil, nil, err
		}
		if jr != nil {
			log.Debugf("job %s can start after preempting %d jobs", req.ID, len(used))
			e.metrics.observePlacement(modeLabel(mode), true)
			return jr, used, nil
		}
	}
	e.metrics.observePlacement(modeLabel(mode), false)
	return nil, nil, nil
}

// simLookup hides preempted jobs from the packer during simulation.
type simLookup struct {
	registry *Registry
	dropped  []string
	extra    string
}

func (s *simLookup) Resources(id string) *jobres.JobResources {
	if id == s.extra || goslices.Contains(s.dropped, id) {
		return nil
	}
	return s.registry.Resources(id)
}

func modeLabel(mode selectorobjects.SelectMode) string {
	switch mode {
	case selectorobjects.SelectRunNow:
		return "run_now"
	case selectorobjects.SelectTestOnly:
		return "test_only"
	case selectorobjects.SelectWillRun:
		return "will_run"
	}
	return "unknown"
}
