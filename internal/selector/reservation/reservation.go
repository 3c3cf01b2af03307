// Package reservation picks node sets (and, for partial-node reservations,
// exact cores) for advance reservations. Three strategies apply depending
// on the request and the cluster: first-cores, topology-aware best-fit over
// the switch tree, and a sequential sweep. Failure always returns a nil
// selection and never partially commits; input bitmaps are not mutated.
package reservation

import (
	log "github.com/sirupsen/logrus"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/selector/coremap"
	"github.com/kestrelhpc/kestrel/internal/selector/topology"
)

// Flags alter strategy selection.
type Flags uint32

const (
	// FlagFirstCores allocates each node's lowest-numbered cores only.
	FlagFirstCores Flags = 1 << iota
)

// Request describes the reservation.
type Request struct {
	// NodeCnt is the desired number of nodes; zero means the node set is
	// implied by CoreCnt alone.
	NodeCnt int
	// CoreCnt is nil for full-node reservations. A single entry is an
	// aggregate core total to spread across the selection; multiple
	// entries are per-node targets in selection order.
	CoreCnt []int
	Flags   Flags
}

// Cluster is the engine state the planner reads.
type Cluster struct {
	CoreMap  *coremap.CoreMap
	Topology *topology.Table
}

func (r Request) aggregate() bool {
	return len(r.CoreCnt) == 1
}

func (r Request) totalCores() int {
	total := 0
	for _, c := range r.CoreCnt {
		total += c
	}
	return total
}

// Test selects nodes and cores for the request. avail is the set of allowed
// nodes; excludeCores marks cores that are already spoken for (sized to the
// cluster core map, may be nil). On success it returns the selected node
// bitmap and, for partial-node reservations, the selected core bitmap
// (disjoint from excludeCores). On failure both results are nil.
func Test(c Cluster, req Request, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap) (*bitmap.Bitmap, *bitmap.Bitmap) {
	if avail == nil || c.CoreMap == nil {
		return nil, nil
	}

	if req.Flags&FlagFirstCores != 0 && len(req.CoreCnt) > 0 {
		return pickFirstCores(c, req, avail, excludeCores)
	}
	if !c.Topology.Configured() || req.NodeCnt == 0 {
		return sequentialPick(c, req, avail, excludeCores)
	}
	return topologyPick(c, req, avail, excludeCores)
}

// free returns the bitmap of cores usable by the reservation: every core of
// every avail node that is not excluded.
func free(c Cluster, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap) *bitmap.Bitmap {
	f := bitmap.New(c.CoreMap.TotalCores())
	for n := avail.NextSet(0); n >= 0; n = avail.NextSet(n + 1) {
		lo, hi := c.CoreMap.NodeRange(n)
		f.SetRange(lo, hi)
	}
	if excludeCores != nil {
		f.AndNot(excludeCores)
	}
	return f
}

func freeOnNode(c Cluster, freeCores *bitmap.Bitmap, n int) int {
	lo, hi := c.CoreMap.NodeRange(n)
	return freeCores.CountRange(lo, hi)
}

// pickFirstCores takes exactly CoreCnt[i] cores per node, starting from
// local core 0; a node whose lowest cores are not all free is skipped.
func pickFirstCores(c Cluster, req Request, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap) (*bitmap.Bitmap, *bitmap.Bitmap) {
	if req.CoreCnt[0] == 0 {
		return nil, nil
	}
	freeCores := free(c, avail, excludeCores)
	nodes := bitmap.New(avail.Size())
	cores := bitmap.New(c.CoreMap.TotalCores())

	target := 0
	for n := avail.NextSet(0); n >= 0 && target < len(req.CoreCnt); n = avail.NextSet(n + 1) {
		want := req.CoreCnt[target]
		if want == 0 {
			break
		}
		lo, hi := c.CoreMap.NodeRange(n)
		if hi-lo < want {
			continue
		}
		ok := true
		for k := 0; k < want; k++ {
			if !freeCores.Test(lo + k) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		cores.SetRange(lo, lo+want)
		nodes.Set(n)
		target++
	}
	if target < len(req.CoreCnt) && req.CoreCnt[target] != 0 {
		log.Info("reservation request can not be satisfied")
		return nil, nil
	}
	if req.NodeCnt > 0 && nodes.Count() < req.NodeCnt {
		log.Info("reservation request can not be satisfied")
		return nil, nil
	}
	return nodes, cores
}

// sequentialPick walks candidate nodes in ascending index.
func sequentialPick(c Cluster, req Request, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap) (*bitmap.Bitmap, *bitmap.Bitmap) {
	if len(req.CoreCnt) == 0 {
		// Full-node reservation.
		nodes := bitmap.New(avail.Size())
		want := req.NodeCnt
		for n := avail.NextSet(0); n >= 0 && want > 0; n = avail.NextSet(n + 1) {
			nodes.Set(n)
			want--
		}
		if want > 0 {
			log.Info("reservation request can not be satisfied")
			return nil, nil
		}
		return nodes, nil
	}

	if req.aggregate() {
		return aggregatePick(c, req, avail, excludeCores, avail.Clone())
	}

	// Per-node core targets, consumed in selection order.
	freeCores := free(c, avail, excludeCores)
	nodes := bitmap.New(avail.Size())
	cores := bitmap.New(c.CoreMap.TotalCores())
	target := 0
	for n := avail.NextSet(0); n >= 0 && target < len(req.CoreCnt); n = avail.NextSet(n + 1) {
		want := req.CoreCnt[target]
		if want == 0 {
			break
		}
		if freeOnNode(c, freeCores, n) < want {
			log.Debugf("reservation: skipping node %d, %d free cores < %d wanted", n, freeOnNode(c, freeCores, n), want)
			continue
		}
		lo, hi := c.CoreMap.NodeRange(n)
		taken := 0
		for k := lo; k < hi && taken < want; k++ {
			if freeCores.Test(k) {
				cores.Set(k)
				taken++
			}
		}
		nodes.Set(n)
		target++
	}
	if target < len(req.CoreCnt) && req.CoreCnt[target] != 0 {
		log.Info("reservation request can not be satisfied")
		return nil, nil
	}
	return nodes, cores
}

// aggregatePick spreads an aggregate core total over candidate nodes: a
// first sweep takes ceil(total/nodeCnt) whole chunks per node, a second
// sweep drops the per-node minimum to one core and consumes the residual.
func aggregatePick(c Cluster, req Request, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap, candidates *bitmap.Bitmap) (*bitmap.Bitmap, *bitmap.Bitmap) {
	total := req.CoreCnt[0]
	if total <= 0 {
		return nil, nil
	}
	perNode := total
	if req.NodeCnt > 0 {
		perNode = (total + req.NodeCnt - 1) / req.NodeCnt
	}

	freeCores := free(c, avail, excludeCores)
	nodes := bitmap.New(avail.Size())
	cores := bitmap.New(c.CoreMap.TotalCores())
	remaining := total

	take := func(n, upTo int) {
		lo, hi := c.CoreMap.NodeRange(n)
		taken := 0
		for k := lo; k < hi && taken < upTo && remaining > 0; k++ {
			if freeCores.Test(k) && !cores.Test(k) {
				cores.Set(k)
				taken++
				remaining--
			}
		}
		if taken > 0 {
			nodes.Set(n)
		}
	}

	// First sweep: whole chunks only. Nodes that cannot supply a full
	// chunk, or that the demand no longer covers, wait for the second
	// sweep.
	resumeAt := 0
	for n := candidates.NextSet(0); n >= 0; n = candidates.NextSet(n + 1) {
		resumeAt = n
		if remaining < perNode {
			break
		}
		if freeOnNode(c, freeCores, n) < perNode {
			continue
		}
		take(n, perNode)
		resumeAt = n + 1
	}

	// Second sweep: per-node minimum drops to one core, starting where
	// the first sweep stopped and wrapping around to spread extras.
	if remaining > 0 {
		log.Debugf("reservation: aggregate residual %d cores, second sweep", remaining)
		for n := candidates.NextSet(resumeAt); n >= 0 && remaining > 0; n = candidates.NextSet(n + 1) {
			take(n, remaining)
		}
		for n := candidates.NextSet(0); n >= 0 && n < resumeAt && remaining > 0; n = candidates.NextSet(n + 1) {
			take(n, remaining)
		}
	}

	if remaining > 0 {
		log.Info("reservation request can not be satisfied")
		return nil, nil
	}
	return nodes, cores
}

// topologyPick selects under switch-tree constraints: find the lowest-level
// switch able to satisfy the whole request, then fill from its leaves on a
// best-fit basis.
func topologyPick(c Cluster, req Request, avail *bitmap.Bitmap, excludeCores *bitmap.Bitmap) (*bitmap.Bitmap, *bitmap.Bitmap) {
	if avail.Count() < req.NodeCnt {
		return nil, nil
	}
	freeCores := free(c, avail, excludeCores)

	remNodes := req.NodeCnt
	remCores := req.totalCores()
	coresPerNode := 1
	switch {
	case len(req.CoreCnt) > 1:
		coresPerNode = req.CoreCnt[0]
		for _, cc := range req.CoreCnt[1:] {
			if cc > 0 && cc < coresPerNode {
				coresPerNode = cc
			}
		}
	case req.aggregate():
		coresPerNode = (remCores + maxInt(req.NodeCnt, 1) - 1) / maxInt(req.NodeCnt, 1)
	case c.CoreMap.Nodes() > 0:
		coresPerNode = c.CoreMap.Cores(0)
	}

	// Per-switch views of candidate nodes and their free core counts.
	sw := c.Topology.Switches
	swNodes := make([]*bitmap.Bitmap, len(sw))
	swNodeCnt := make([]int, len(sw))
	swCoreCnt := make([]int, len(sw))
	for i := range sw {
		swNodes[i] = sw[i].NodeBitmap.Clone()
		swNodes[i].And(avail)
		for n := swNodes[i].NextSet(0); n >= 0; n = swNodes[i].NextSet(n + 1) {
			swCoreCnt[i] += freeOnNode(c, freeCores, n)
		}
		swNodeCnt[i] = swNodes[i].Count()
		log.Debugf("reservation: switch %s nodes:%d cores:%d", sw[i].Name, swNodeCnt[i], swCoreCnt[i])
	}

	// Prune nodes lacking the per-node core floor.
	if len(req.CoreCnt) > 0 {
		for n := avail.NextSet(0); n >= 0; n = avail.NextSet(n + 1) {
			got := freeOnNode(c, freeCores, n)
			if got >= coresPerNode {
				continue
			}
			for i := range sw {
				if swNodes[i].Test(n) {
					swNodes[i].Clear(n)
					swNodeCnt[i]--
					swCoreCnt[i] -= got
				}
			}
		}
	}

	// Lowest-level switch satisfying the whole request; ties prefer the
	// one with fewer candidate nodes.
	best := -1
	for i := range sw {
		if swNodeCnt[i] < remNodes {
			continue
		}
		if len(req.CoreCnt) > 0 && swCoreCnt[i] < remCores {
			continue
		}
		if best == -1 ||
			sw[i].Level < sw[best].Level ||
			(sw[i].Level == sw[best].Level && swNodeCnt[i] < swNodeCnt[best]) {
			best = i
		}
	}
	if best == -1 {
		log.Debug("reservation: no switch can hold the request")
		return nil, nil
	}

	// Restrict to leaves under the chosen switch.
	for i := range sw {
		if sw[i].Level != 0 || !swNodes[i].SubsetOf(swNodes[best]) {
			swNodeCnt[i] = 0
		}
	}

	nodes := bitmap.New(avail.Size())
	for remNodes > 0 {
		// Tightest sufficient leaf; if none suffices, the biggest.
		bestLeaf, bestLeafNodes, bestSufficient := -1, 0, false
		for i := range sw {
			if swNodeCnt[i] == 0 {
				continue
			}
			sufficient := swNodeCnt[i] >= remNodes
			if len(req.CoreCnt) > 0 {
				sufficient = sufficient && swCoreCnt[i] >= remCores
			}
			if bestLeaf == -1 ||
				(sufficient && !bestSufficient) ||
				(sufficient && swNodeCnt[i] < bestLeafNodes) ||
				(!sufficient && !bestSufficient && swNodeCnt[i] > bestLeafNodes) {
				bestLeaf, bestLeafNodes, bestSufficient = i, swNodeCnt[i], sufficient
			}
		}
		if bestLeaf == -1 {
			break
		}
		for n := swNodes[bestLeaf].NextSet(0); n >= 0; n = swNodes[bestLeaf].NextSet(n + 1) {
			swNodes[bestLeaf].Clear(n)
			swNodeCnt[bestLeaf]--
			if nodes.Test(n) {
				continue // node under multiple leaves, already taken
			}
			got := freeOnNode(c, freeCores, n)
			if len(req.CoreCnt) > 0 && got < coresPerNode {
				continue
			}
			nodes.Set(n)
			remCores -= got
			remNodes--
			if remNodes <= 0 {
				break
			}
		}
		swNodeCnt[bestLeaf] = 0
	}
	if remNodes > 0 || remCores > 0 {
		return nil, nil
	}

	if len(req.CoreCnt) == 0 {
		return nodes, nil
	}

	// Second pass: pick exact cores on the selected nodes.
	if req.aggregate() {
		agg := Request{NodeCnt: req.NodeCnt, CoreCnt: req.CoreCnt}
		return aggregatePick(c, agg, avail, excludeCores, nodes)
	}
	cores := bitmap.New(c.CoreMap.TotalCores())
	target := 0
	finalNodes := bitmap.New(avail.Size())
	for n := nodes.NextSet(0); n >= 0 && target < len(req.CoreCnt); n = nodes.NextSet(n + 1) {
		want := req.CoreCnt[target]
		if want == 0 {
			break
		}
		lo, hi := c.CoreMap.NodeRange(n)
		taken := 0
		for k := lo; k < hi && taken < want; k++ {
			if freeCores.Test(k) {
				cores.Set(k)
				taken++
			}
		}
		if taken < want {
			return nil, nil
		}
		finalNodes.Set(n)
		target++
	}
	if target < len(req.CoreCnt) && req.CoreCnt[target] != 0 {
		return nil, nil
	}
	return finalNodes, cores
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
