package partition

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/jobres"
)

// Rebuild reconstructs the partition's row bitmaps after a job was removed,
// optimizing the resident jobs into the fewest rows with the lower rows as
// dense as possible.
//
// removed may carry the record of the single job just removed; with a
// one-row partition that allows an incremental bitmap subtract instead of a
// full rebuild. Jobs whose ids no longer resolve through lookup are dropped.
//
// The packing is heuristic: jobs are sorted by the global position of their
// first allocated core, so allocations that stay in blocks tend to land in
// the same row without a combinatorial search. If any job fails to place
// under the new order, the pre-pack layout is restored, so the packer never
// does worse than the layout it started from.
func (p *Partition) Rebuild(cm *coremap.CoreMap, lookup Lookup, removed *jobres.JobResources) {
	if len(p.Rows) == 1 {
		p.rebuildSingleRow(cm, lookup, removed)
		return
	}

	numJobs := 0
	for _, r := range p.Rows {
		numJobs += len(r.JobIDs)
	}
	if numJobs == 0 {
		for _, r := range p.Rows {
			r.clear()
		}
		return
	}
	log.Debugf("partition %s: repacking %d jobs", p.Name, numJobs)

	// Snapshot the current layout in case we cannot do better.
	orig := make([][]string, len(p.Rows))
	for i, r := range p.Rows {
		orig[i] = append([]string(nil), r.JobIDs...)
	}

	type packJob struct {
		id    string
		res   *jobres.JobResources
		start int
	}
	jobs := make([]packJob, 0, numJobs)
	for _, r := range p.Rows {
		for _, id := range r.JobIDs {
			res := lookup.Resources(id)
			if res == nil {
				log.Errorf("partition %s: job %s vanished during repack", p.Name, id)
				continue
			}
			jobs = append(jobs, packJob{id: id, res: res, start: res.SortKey(cm)})
		}
		r.clear()
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].start != jobs[j].start {
			return jobs[i].start < jobs[j].start
		}
		return jobs[i].res.NCPUs > jobs[j].res.NCPUs
	})

	placed := make([]bool, len(jobs))
	for j := range jobs {
		for _, r := range p.Rows {
			if r.CanFit(cm, jobs[j].res) {
				r.add(cm, jobs[j].id, jobs[j].res)
				placed[j] = true
				break
			}
		}
		// Keep fuller rows first while inserting.
		p.SortRows()
	}

	for j := range jobs {
		if !placed[j] {
			// The packing could not improve on the existing layout;
			// restore it.
			log.Debugf("partition %s: dangling job %s, restoring pre-pack layout", p.Name, jobs[j].id)
			for i, r := range p.Rows {
				r.clear()
				for _, id := range orig[i] {
					if res := lookup.Resources(id); res != nil {
						r.add(cm, id, res)
					}
				}
			}
			return
		}
	}
}

func (p *Partition) rebuildSingleRow(cm *coremap.CoreMap, lookup Lookup, removed *jobres.JobResources) {
	r := p.Rows[0]
	if len(r.JobIDs) == 0 {
		if r.Bitmap != nil {
			r.Bitmap.ClearAll()
		}
		return
	}
	if removed != nil && r.Bitmap != nil {
		removed.RemoveFromRowBitmap(cm, r.Bitmap)
		return
	}
	ids := append([]string(nil), r.JobIDs...)
	r.clear()
	for _, id := range ids {
		if res := lookup.Resources(id); res != nil {
			r.add(cm, id, res)
		}
	}
}
