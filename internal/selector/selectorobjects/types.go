// Package selectorobjects holds the node-level records shared across the
// selector: static node configuration, the per-node usage table, and the
// enums that describe sharing and allocation modes.
package selectorobjects

// ShareMode is the sharing requirement a job imposes on each of its nodes.
// Values are additive: a node's share counter accumulates the ShareMode of
// every resident job, so an exclusive job pushes the counter past what any
// shareable job would tolerate.
type ShareMode int

const (
	// ShareAvailable places no restriction on co-resident jobs.
	ShareAvailable ShareMode = 0
	// ShareOneRow allows co-residency only within a single row.
	ShareOneRow ShareMode = 1
	// ShareExclusive demands the whole node.
	ShareExclusive ShareMode = 2
)

func (m ShareMode) String() string {
	switch m {
	case ShareAvailable:
		return "available"
	case ShareOneRow:
		return "one-row"
	case ShareExclusive:
		return "exclusive"
	}
	return "unknown"
}

// AllocationMode selects which halves of a job's allocation an add or remove
// operation touches. Suspend frees cores but keeps memory; replaying a
// zero-priority suspended job restores memory but no cores.
type AllocationMode int

const (
	AllocationAll AllocationMode = iota
	AllocationMemoryOnly
	AllocationCoresOnly
)

// SelectMode is the placement mode of JobTest.
type SelectMode int

const (
	// SelectRunNow tests and selects against current occupancy.
	SelectRunNow SelectMode = iota
	// SelectTestOnly ignores occupancy and tests against configured capacity.
	SelectTestOnly
	// SelectWillRun additionally simulates removal of preemptee candidates.
	SelectWillRun
)

// NodeRecord is the static configuration of one node, captured at NodeInit
// and refreshed by UpdateNodeConfig.
type NodeRecord struct {
	Name         string
	Sockets      int
	Cores        int // total physical cores (sockets * cores per socket)
	Threads      int // hardware threads per core
	CPUs         int // schedulable cpus; equals Cores or Cores*Threads
	RealMemory   uint64
	MemSpecLimit uint64
}

// AvailableMemory is the memory schedulable on the node.
func (n *NodeRecord) AvailableMemory() uint64 {
	if n.MemSpecLimit >= n.RealMemory {
		return 0
	}
	return n.RealMemory - n.MemSpecLimit
}

// NodeUsage is the dynamic usage record of one node. Entries persist for the
// node's lifetime; only contents mutate.
type NodeUsage struct {
	AllocMemory uint64
	// ShareState accumulates resident jobs' ShareMode values.
	// Zero means the node is fully available.
	ShareState int
	// DeviceState is an opaque handle owned by the typed-device subsystem.
	DeviceState interface{}
}
