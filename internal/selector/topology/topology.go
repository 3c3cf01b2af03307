// Package topology models the switch tree the reservation planner and the
// placement tie-breaks consult. Leaf switches are level 0; higher levels
// aggregate the node sets of their children.
package topology

import (
	"github.com/pkg/errors"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
)

// Switch is one record of the switch table.
type Switch struct {
	Name       string
	Level      int
	NodeBitmap *bitmap.Bitmap
}

// Table is the cluster's switch table. A nil or empty table means no
// topology is configured and callers fall back to index order.
type Table struct {
	Switches []Switch
}

// New validates and wraps a switch list. Every switch must carry a node
// bitmap sized to the cluster.
func New(switches []Switch, numNodes int) (*Table, error) {
	for i, sw := range switches {
		if sw.NodeBitmap == nil || sw.NodeBitmap.Size() != numNodes {
			return nil, errors.Errorf("switch %d (%s) has a node bitmap not sized to %d nodes", i, sw.Name, numNodes)
		}
		if sw.Level < 0 {
			return nil, errors.Errorf("switch %d (%s) has negative level %d", i, sw.Name, sw.Level)
		}
	}
	return &Table{Switches: switches}, nil
}

// Configured reports whether a usable switch table exists.
func (t *Table) Configured() bool {
	return t != nil && len(t.Switches) > 0
}

// Leaves returns the indices of level-0 switches.
func (t *Table) Leaves() []int {
	var leaves []int
	for i, sw := range t.Switches {
		if sw.Level == 0 {
			leaves = append(leaves, i)
		}
	}
	return leaves
}

// LeafOf returns the index of the first leaf switch containing node n,
// or -1 when none does.
func (t *Table) LeafOf(n int) int {
	if !t.Configured() {
		return -1
	}
	for i, sw := range t.Switches {
		if sw.Level == 0 && sw.NodeBitmap.Test(n) {
			return i
		}
	}
	return -1
}
