// Package partition implements the per-partition row table. Each row is one
// oversubscription lane: jobs resident in the same row hold mutually
// disjoint cores. Rows reference jobs by id only; the controller owns the
// records and guarantees their lifetime exceeds their residency in any row.
package partition

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/jobres"
)

// Lookup resolves a job id to its resource record. Implemented by the
// engine's job registry.
type Lookup interface {
	Resources(id string) *jobres.JobResources
}

// Row is one oversubscription lane. Bitmap is nil until the first job
// lands, and always equals the OR of the resident jobs' projected cores.
type Row struct {
	JobIDs []string
	Bitmap *bitmap.Bitmap
}

func (r *Row) NumJobs() int {
	return len(r.JobIDs)
}

// CanFit reports whether the job's cores are disjoint from the row.
// An empty row always fits.
func (r *Row) CanFit(cm *coremap.CoreMap, jr *jobres.JobResources) bool {
	if len(r.JobIDs) == 0 || r.Bitmap == nil {
		return true
	}
	return jr.FitsInto(cm, r.Bitmap)
}

func (r *Row) add(cm *coremap.CoreMap, id string, jr *jobres.JobResources) {
	if r.Bitmap == nil {
		r.Bitmap = bitmap.New(cm.TotalCores())
	}
	r.JobIDs = append(r.JobIDs, id)
	jr.AddToRowBitmap(cm, r.Bitmap)
}

func (r *Row) clear() {
	r.JobIDs = r.JobIDs[:0]
	if r.Bitmap != nil {
		r.Bitmap.ClearAll()
	}
}

// Partition groups a node set with a fixed number of rows. Rows persist for
// the partition's lifetime; their bitmaps are cleared on empty and rebuilt
// on repack.
type Partition struct {
	Name       string
	NodeBitmap *bitmap.Bitmap
	Rows       []*Row
}

func New(name string, numRows int, nodeBitmap *bitmap.Bitmap) *Partition {
	if numRows < 1 {
		numRows = 1
	}
	rows := make([]*Row, numRows)
	for i := range rows {
		rows[i] = &Row{}
	}
	return &Partition{
		Name:       name,
		NodeBitmap: nodeBitmap,
		Rows:       rows,
	}
}

func (p *Partition) NumRows() int {
	return len(p.Rows)
}

// NumUsedRows counts rows with at least one resident job.
func (p *Partition) NumUsedRows() int {
	n := 0
	for _, r := range p.Rows {
		if len(r.JobIDs) > 0 {
			n++
		}
	}
	return n
}

// AddJob inserts the job into the first row it fits, updating that row's
// bitmap. If no row fits the placement invariant was violated upstream and
// an error is returned.
func (p *Partition) AddJob(cm *coremap.CoreMap, id string, jr *jobres.JobResources) (int, error) {
	for i, r := range p.Rows {
		if r.CanFit(cm, jr) {
			r.add(cm, id, jr)
			return i, nil
		}
	}
	return -1, errors.Errorf("job %s fits no row of partition %s", id, p.Name)
}

// RemoveJob drops the job id from its row's job list. Row bitmaps are not
// touched; callers follow up with Rebuild. Returns false if the job is not
// resident.
func (p *Partition) RemoveJob(id string) bool {
	for _, r := range p.Rows {
		for i, jid := range r.JobIDs {
			if jid == id {
				r.JobIDs = append(r.JobIDs[:i], r.JobIDs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// RowOf returns the index of the row the job resides in, or -1.
func (p *Partition) RowOf(id string) int {
	for i, r := range p.Rows {
		for _, jid := range r.JobIDs {
			if jid == id {
				return i
			}
		}
	}
	return -1
}

// JobIDs returns all resident job ids across rows.
func (p *Partition) JobIDs() []string {
	var ids []string
	for _, r := range p.Rows {
		ids = append(ids, r.JobIDs...)
	}
	return ids
}

// SortRows reorders rows so that rows with more set bits come first; ties
// keep their relative order.
func (p *Partition) SortRows() {
	sort.SliceStable(p.Rows, func(i, j int) bool {
		return rowWeight(p.Rows[i]) > rowWeight(p.Rows[j])
	})
}

func rowWeight(r *Row) int {
	if r.Bitmap == nil {
		return 0
	}
	return r.Bitmap.Count()
}

// Clone deep-copies the partition for what-if simulation: job id lists and
// row bitmaps are copied, the node bitmap is shared.
func (p *Partition) Clone() *Partition {
	c := &Partition{
		Name:       p.Name,
		NodeBitmap: p.NodeBitmap,
		Rows:       make([]*Row, len(p.Rows)),
	}
	for i, r := range p.Rows {
		c.Rows[i] = &Row{
			JobIDs: append([]string(nil), r.JobIDs...),
			Bitmap: r.Bitmap.Clone(),
		}
	}
	return c
}

// OrInto ORs every row bitmap into dst. Used by the node-info rollup.
func (p *Partition) OrInto(dst *bitmap.Bitmap) {
	for _, r := range p.Rows {
		if r.Bitmap != nil && r.Bitmap.Size() == dst.Size() {
			dst.Or(r.Bitmap)
		}
	}
}
