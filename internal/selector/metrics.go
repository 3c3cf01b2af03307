package selector

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "kestrel"
	metricsSubsystem = "selector"
)

// Metrics exposes the engine's Prometheus instrumentation.
type Metrics struct {
	placements  *prometheus.CounterVec
	rowsUsed    *prometheus.GaugeVec
	allocCPUs   *prometheus.GaugeVec
	allocMemory *prometheus.GaugeVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "placement_attempts_total",
				Help:      "Placement attempts by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		rowsUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "partition_rows_used",
				Help:      "Rows holding at least one job, per partition.",
			},
			[]string{"partition"},
		),
		allocCPUs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "node_alloc_cpus",
				Help:      "Allocated cpus per node, from the node-info rollup.",
			},
			[]string{"node"},
		),
		allocMemory: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "node_alloc_memory_bytes",
				Help:      "Allocated memory per node, from the node-info rollup.",
			},
			[]string{"node"},
		),
	}
	if registerer != nil {
		registerer.MustRegister(m.placements, m.rowsUsed, m.allocCPUs, m.allocMemory)
	}
	return m
}

func (m *Metrics) observePlacement(mode string, placed bool) {
	if m == nil {
		return
	}
	outcome := "no_fit"
	if placed {
		outcome = "placed"
	}
	m.placements.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) setRowsUsed(partition string, rows int) {
	if m == nil {
		return
	}
	m.rowsUsed.WithLabelValues(partition).Set(float64(rows))
}

func (m *Metrics) setNodeInfo(node string, cpus int, memory uint64) {
	if m == nil {
		return
	}
	m.allocCPUs.WithLabelValues(node).Set(float64(cpus))
	m.allocMemory.WithLabelValues(node).Set(float64(memory))
}
