// Package configuration holds the YAML-facing cluster description consumed
// by the selector binaries and translated into engine parameters.
package configuration

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	"github.com/kestrelhpc/kestrel/internal/selector"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
	"github.com/kestrelhpc/kestrel/internal/selector/topology"
)

type NodeConfig struct {
	Name           string `yaml:"name"`
	Sockets        int    `yaml:"sockets"`
	CoresPerSocket int    `yaml:"coresPerSocket"`
	ThreadsPerCore int    `yaml:"threadsPerCore"`
	RealMemory     uint64 `yaml:"realMemory"`
	MemSpecLimit   uint64 `yaml:"memSpecLimit"`
}

type PartitionConfig struct {
	Name    string   `yaml:"name"`
	NumRows int      `yaml:"numRows"`
	Nodes   []string `yaml:"nodes"` // empty = all nodes
}

type SwitchConfig struct {
	Name  string   `yaml:"name"`
	Level int      `yaml:"level"`
	Nodes []string `yaml:"nodes"`
}

// ClusterConfig is the top-level config file schema.
type ClusterConfig struct {
	Nodes       []NodeConfig       `yaml:"nodes"`
	Partitions  []PartitionConfig  `yaml:"partitions"`
	Switches    []SwitchConfig     `yaml:"switches"`
	Policy      string             `yaml:"policy"` // "cons_res" (default) or "linear"
	TresWeights map[string]float64 `yaml:"tresWeights"`
	MetricsPort int                `yaml:"metricsPort"`
}

// Validate reports every problem at once.
func (c *ClusterConfig) Validate() error {
	var result *multierror.Error
	if len(c.Nodes) == 0 {
		result = multierror.Append(result, errors.New("no nodes configured"))
	}
	if len(c.Partitions) == 0 {
		result = multierror.Append(result, errors.New("no partitions configured"))
	}
	seen := map[string]bool{}
	for i, n := range c.Nodes {
		if n.Name == "" {
			result = multierror.Append(result, errors.Errorf("node %d has no name", i))
		}
		if seen[n.Name] {
			result = multierror.Append(result, errors.Errorf("duplicate node name %q", n.Name))
		}
		seen[n.Name] = true
		if n.Sockets*n.CoresPerSocket <= 0 {
			result = multierror.Append(result, errors.Errorf("node %q has no cores", n.Name))
		}
	}
	if c.Policy != "" && c.Policy != "cons_res" && c.Policy != "linear" {
		result = multierror.Append(result, errors.Errorf("unknown policy %q", c.Policy))
	}
	return result.ErrorOrNil()
}

// Params translates the config into engine parameters.
func (c *ClusterConfig) Params() (selector.Params, error) {
	if err := c.Validate(); err != nil {
		return selector.Params{}, err
	}

	index := make(map[string]int, len(c.Nodes))
	records := make([]selectorobjects.NodeRecord, len(c.Nodes))
	for i, n := range c.Nodes {
		threads := n.ThreadsPerCore
		if threads < 1 {
			threads = 1
		}
		cores := n.Sockets * n.CoresPerSocket
		records[i] = selectorobjects.NodeRecord{
			Name:         n.Name,
			Sockets:      n.Sockets,
			Cores:        cores,
			Threads:      threads,
			CPUs:         cores * threads,
			RealMemory:   n.RealMemory,
			MemSpecLimit: n.MemSpecLimit,
		}
		index[n.Name] = i
	}

	resolve := func(names []string, context string) ([]int, error) {
		out := make([]int, 0, len(names))
		for _, name := range names {
			i, ok := index[name]
			if !ok {
				return nil, errors.Errorf("%s references unknown node %q", context, name)
			}
			out = append(out, i)
		}
		return out, nil
	}

	specs := make([]selector.PartitionSpec, len(c.Partitions))
	for i, p := range c.Partitions {
		nodes, err := resolve(p.Nodes, "partition "+p.Name)
		if err != nil {
			return selector.Params{}, err
		}
		specs[i] = selector.PartitionSpec{Name: p.Name, NumRows: p.NumRows, Nodes: nodes}
	}

	var topo *topology.Table
	if len(c.Switches) > 0 {
		switches := make([]topology.Switch, len(c.Switches))
		for i, sw := range c.Switches {
			nodes, err := resolve(sw.Nodes, "switch "+sw.Name)
			if err != nil {
				return selector.Params{}, err
			}
			nb := bitmap.New(len(c.Nodes))
			for _, n := range nodes {
				nb.Set(n)
			}
			switches[i] = topology.Switch{Name: sw.Name, Level: sw.Level, NodeBitmap: nb}
		}
		var err error
		topo, err = topology.New(switches, len(c.Nodes))
		if err != nil {
			return selector.Params{}, err
		}
	}

	var policy selector.Policy
	if c.Policy == "linear" {
		policy = selector.LinearPolicy{}
	}

	return selector.Params{
		Nodes:       records,
		Partitions:  specs,
		Topology:    topo,
		Policy:      policy,
		TresWeights: c.TresWeights,
	}, nil
}

// NodeIndex resolves a node name, for scenario files.
func (c *ClusterConfig) NodeIndex(name string) (int, error) {
	for i, n := range c.Nodes {
		if n.Name == name {
			return i, nil
		}
	}
	return -1, errors.Errorf("unknown node %q", name)
}
