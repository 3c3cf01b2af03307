package selector

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/kestrelhpc/kestrel/internal/selector/jobres"
)

const (
	jobsTable      = "jobs"
	idIndex        = "id"        // look up jobs by id
	partitionIndex = "partition" // look up jobs resident in a partition
)

// JobEntry is the registry's view of one job. The controller owns the
// resource record; partition rows reference it by id only and resolve
// through the registry.
type JobEntry struct {
	ID        string
	Partition string
	Resources *jobres.JobResources
	Suspended bool
}

// Registry is the id -> job record lookup map backing the row tables.
// It is implemented on go-memdb so jobs can be iterated per partition
// without scanning.
type Registry struct {
	db *memdb.MemDB
}

func NewRegistry() (*Registry, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					partitionIndex: {
						Name:    partitionIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Partition"},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Registry{db: db}, nil
}

// Upsert stores or replaces the entry.
func (r *Registry) Upsert(entry *JobEntry) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(jobsTable, entry); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Get returns the entry for id, or nil.
func (r *Registry) Get(id string) *JobEntry {
	txn := r.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*JobEntry)
}

// Delete removes the entry for id. Removing an absent id is not an error.
func (r *Registry) Delete(id string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		txn.Commit()
		return nil
	}
	if err := txn.Delete(jobsTable, raw); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// ByPartition returns all entries resident in the named partition.
func (r *Registry) ByPartition(name string) ([]*JobEntry, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, partitionIndex, name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var entries []*JobEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entries = append(entries, raw.(*JobEntry))
	}
	return entries, nil
}

// All returns every registered entry.
func (r *Registry) All() ([]*JobEntry, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var entries []*JobEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entries = append(entries, raw.(*JobEntry))
	}
	return entries, nil
}

// Resources implements partition.Lookup.
func (r *Registry) Resources(id string) *jobres.JobResources {
	if entry := r.Get(id); entry != nil {
		return entry.Resources
	}
	return nil
}
