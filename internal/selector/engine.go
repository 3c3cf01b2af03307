// Package selector is the consumable-resource node-selection engine. It
// answers whether a pending job can be placed and on which cores, and keeps
// the per-partition core occupancy correct as jobs start, end, suspend,
// resume, expand or lose nodes.
//
// The engine is invoked synchronously from a single-threaded controller
// holding a coarse write lock over its job and node tables; it does no I/O
// and spawns no goroutines. It is stateless across restarts — the
// controller replays running jobs with ReplayJob.
package selector

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/common/kestrelerrors"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/devices"
	"github.com/kestrelhpc/kestrel/internal/selector/partition"
	"github.com/kestrelhpc/kestrel/internal/selector/reservation"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
	"github.com/kestrelhpc/kestrel/internal/selector/topology"
)

// PartitionSpec configures one partition. An empty Nodes list means every
// node belongs to the partition.
type PartitionSpec struct {
	Name    string
	NumRows int
	Nodes   []int
}

// Params configures a new Engine. Only Nodes and Partitions are required.
type Params struct {
	Nodes      []selectorobjects.NodeRecord
	Partitions []PartitionSpec
	Topology   *topology.Table
	Devices    devices.Subsystem
	Policy     Policy
	// TresWeights folds typed-device counts into the weighted scalar of
	// the node-info rollup.
	TresWeights map[string]float64
	// Registerer receives the engine's Prometheus metrics; nil disables
	// registration (tests).
	Registerer prometheus.Registerer
}

// Engine owns the core map, the node usage table and the partition row
// tables. Job resource records stay owned by the controller; the engine
// tracks them through its registry.
type Engine struct {
	nodes   []selectorobjects.NodeRecord
	coreMap *coremap.CoreMap
	usage   []selectorobjects.NodeUsage
	parts   map[string]*partition.Partition
	// partOrder fixes iteration order for the rollup and reconfigure.
	partOrder []string
	topo      *topology.Table
	devices   devices.Subsystem
	policy    Policy
	jobs      *Registry
	metrics   *Metrics

	tresWeights map[string]float64

	// lastNodeUpdate advances on every mutation; the node-info rollup
	// caches against it.
	lastNodeUpdate int64
	nodeinfoGen    int64
	nodeinfo       []NodeInfo
}

// New builds an engine and its node/partition skeletons.
func New(params Params) (*Engine, error) {
	if len(params.Nodes) == 0 {
		return nil, &kestrelerrors.ErrInvalidArgument{Name: "nodes", Value: 0, Message: "at least one node is required"}
	}
	if len(params.Partitions) == 0 {
		return nil, &kestrelerrors.ErrInvalidArgument{Name: "partitions", Value: 0, Message: "at least one partition is required"}
	}
	policy := params.Policy
	if policy == nil {
		policy = ConsumablePolicy{}
	}
	dev := params.Devices
	if dev == nil {
		dev = devices.Noop{}
	}
	jobs, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		nodes:       append([]selectorobjects.NodeRecord(nil), params.Nodes...),
		topo:        params.Topology,
		devices:     dev,
		policy:      policy,
		jobs:        jobs,
		metrics:     NewMetrics(params.Registerer),
		tresWeights: params.TresWeights,
	}
	if err := e.nodeInit(params.Partitions); err != nil {
		return nil, err
	}
	return e, nil
}

// nodeInit (re)builds the core map and allocates the usage and row-table
// skeletons. Any prior derived bitmaps are invalid afterwards.
func (e *Engine) nodeInit(specs []PartitionSpec) error {
	counts := make([]int, len(e.nodes))
	for i, n := range e.nodes {
		if n.Cores <= 0 {
			return &kestrelerrors.ErrInvalidArgument{Name: "cores", Value: n.Cores, Message: "node " + n.Name}
		}
		counts[i] = n.Cores
	}
	cm, err := coremap.New(counts)
	if err != nil {
		return err
	}
	e.coreMap = cm
	e.usage = make([]selectorobjects.NodeUsage, len(e.nodes))
	e.parts = make(map[string]*partition.Partition, len(specs))
	e.partOrder = e.partOrder[:0]
	for _, spec := range specs {
		if _, ok := e.parts[spec.Name]; ok {
			return &kestrelerrors.ErrInvalidArgument{Name: "partition", Value: spec.Name, Message: "duplicate partition name"}
		}
		nb := bitmap.New(len(e.nodes))
		if len(spec.Nodes) == 0 {
			nb.SetRange(0, len(e.nodes))
		} else {
			for _, n := range spec.Nodes {
				if n < 0 || n >= len(e.nodes) {
					return &kestrelerrors.ErrInvalidArgument{Name: "partition.nodes", Value: n, Message: spec.Name}
				}
				nb.Set(n)
			}
		}
		e.parts[spec.Name] = partition.New(spec.Name, e.policy.RowLimit(spec.NumRows), nb)
		e.partOrder = append(e.partOrder, spec.Name)
	}
	e.lastNodeUpdate++
	return nil
}

// CoreMap exposes the engine's core numbering to collaborators (planner
// wrappers, tests).
func (e *Engine) CoreMap() *coremap.CoreMap {
	return e.coreMap
}

// Partition returns the named partition, or nil.
func (e *Engine) Partition(name string) *partition.Partition {
	return e.parts[name]
}

// Usage returns the usage record of node n.
func (e *Engine) Usage(n int) *selectorobjects.NodeUsage {
	if n < 0 || n >= len(e.usage) {
		return nil
	}
	return &e.usage[n]
}

// Jobs exposes the registry.
func (e *Engine) Jobs() *Registry {
	return e.jobs
}

// ResvTest runs the reservation planner against the engine's core map and
// switch table. excludeCores marks cores already spoken for. On success the
// selected node bitmap and (for partial-node reservations) the selected
// core bitmap are returned; on failure both are nil. Inputs are never
// mutated, even on failure.
func (e *Engine) ResvTest(req reservation.Request, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap) (*bitmap.Bitmap, *bitmap.Bitmap) {
	return reservation.Test(reservation.Cluster{CoreMap: e.coreMap, Topology: e.topo}, req, avail, excludeCores)
}

// UpdateNodeConfig refreshes node i's memory limits from rec. Socket
// geometry may change only while the total core count is preserved;
// changing the core count needs a full reconfigure.
func (e *Engine) UpdateNodeConfig(i int, rec selectorobjects.NodeRecord) error {
	if i < 0 || i >= len(e.nodes) {
		return &kestrelerrors.ErrInvalidArgument{Name: "node", Value: i, Message: "index out of range"}
	}
	node := &e.nodes[i]
	if rec.Cores != node.Cores {
		return &kestrelerrors.ErrInvalidArgument{
			Name: "cores", Value: rec.Cores,
			Message: "core count changes require reconfigure",
		}
	}
	node.Sockets = rec.Sockets
	node.Threads = rec.Threads
	node.CPUs = rec.CPUs
	node.RealMemory = rec.RealMemory
	node.MemSpecLimit = rec.MemSpecLimit
	e.lastNodeUpdate++
	return nil
}

// UpdateNodeState notes a controller-side state change on node i so the
// next rollup recomputes.
func (e *Engine) UpdateNodeState(i int) {
	if i >= 0 && i < len(e.nodes) {
		e.lastNodeUpdate++
	}
}

// Reconfigure rebuilds every derived structure — core map, usage table,
// partition rows — and replays all registered jobs into them. Individual
// replay failures are collected and do not stop the rebuild.
func (e *Engine) Reconfigure() error {
	entries, err := e.jobs.All()
	if err != nil {
		return err
	}
	specs := make([]PartitionSpec, 0, len(e.partOrder))
	for _, name := range e.partOrder {
		p := e.parts[name]
		spec := PartitionSpec{Name: name, NumRows: p.NumRows()}
		for n := p.NodeBitmap.NextSet(0); n >= 0; n = p.NodeBitmap.NextSet(n + 1) {
			spec.Nodes = append(spec.Nodes, n)
		}
		specs = append(specs, spec)
	}
	if err := e.nodeInit(specs); err != nil {
		return err
	}

	var result *multierror.Error
	for _, entry := range entries {
		mode := selectorobjects.AllocationAll
		if entry.Suspended {
			mode = selectorobjects.AllocationMemoryOnly
		}
		if err := e.addJobToRes(entry, mode); err != nil {
			log.Errorf("reconfigure: replaying job %s failed: %v", entry.ID, err)
			result = multierror.Append(result, err)
		}
	}
	e.nodeinfo = nil
	return result.ErrorOrNil()
}
