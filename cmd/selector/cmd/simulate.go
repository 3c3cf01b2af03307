package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/kestrelhpc/kestrel/internal/common"
	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
	commonslices "github.com/kestrelhpc/kestrel/internal/common/slices"
	"github.com/kestrelhpc/kestrel/internal/selector"
	"github.com/kestrelhpc/kestrel/internal/selector/configuration"
	"github.com/kestrelhpc/kestrel/internal/selector/placement"
	"github.com/kestrelhpc/kestrel/internal/selector/reservation"
	"github.com/kestrelhpc/kestrel/internal/selector/selectorobjects"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Runs a scheduling scenario against the engine and prints the rollup",
		RunE:  runSimulate,
	}
	cmd.Flags().String("scenario", "scenario", "name of the scenario config file")
	return cmd
}

type report struct {
	Placements   []placementReport   `yaml:"placements"`
	Reservations []reservationReport `yaml:"reservations"`
	Nodes        []nodeReport        `yaml:"nodes"`
}

type placementReport struct {
	JobID string `yaml:"jobId"`
	Nodes string `yaml:"nodes"`
	CPUs  int    `yaml:"cpus"`
	Fit   bool   `yaml:"fit"`
}

type reservationReport struct {
	Name  string `yaml:"name"`
	Nodes string `yaml:"nodes"`
	Cores string `yaml:"cores,omitempty"`
	Fit   bool   `yaml:"fit"`
}

type nodeReport struct {
	Name        string `yaml:"name"`
	AllocCPUs   int    `yaml:"allocCpus"`
	AllocMemory uint64 `yaml:"allocMemory"`
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	config, err := loadClusterConfig(cmd.Flags())
	if err != nil {
		return err
	}
	params, err := config.Params()
	if err != nil {
		return err
	}
	params.Registerer = prometheus.DefaultRegisterer
	engine, err := selector.New(params)
	if err != nil {
		return err
	}

	if config.MetricsPort > 0 {
		go serveMetrics(config.MetricsPort)
	}

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return errors.WithStack(err)
	}
	scenarioName, err := cmd.Flags().GetString("scenario")
	if err != nil {
		return errors.WithStack(err)
	}
	var scenario configuration.Scenario
	if err := common.LoadConfig(&scenario, scenarioName, path); err != nil {
		return errors.Wrap(err, "loading scenario")
	}

	out := report{}
	candidates := bitmap.New(len(config.Nodes))
	candidates.SetRange(0, len(config.Nodes))

	for _, spec := range scenario.Jobs {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		req := &placement.Request{
			ID:            id,
			Partition:     spec.Partition,
			MinNodes:      spec.MinNodes,
			MaxNodes:      spec.MaxNodes,
			CPUsPerNode:   spec.CPUsPerNode,
			MemoryPerNode: spec.MemoryPerNode,
			WholeNode:     spec.WholeNode,
			Contiguous:    spec.Contiguous,
		}
		if spec.Exclusive {
			req.NodeReq = selectorobjects.ShareExclusive
		}
		jr, _, err := engine.JobTest(req, candidates, selectorobjects.SelectRunNow, nil, nil)
		if err != nil {
			return errors.Wrapf(err, "testing job %s", id)
		}
		pr := placementReport{JobID: id}
		if jr != nil {
			if err := engine.AddJob(id, spec.Partition, jr); err != nil {
				return errors.Wrapf(err, "committing job %s", id)
			}
			pr.Fit = true
			pr.Nodes = jr.NodeBitmap.String()
			pr.CPUs = jr.NCPUs
			log.Infof("job %s placed on nodes %s", id, pr.Nodes)
		} else {
			log.Infof("job %s does not fit", id)
		}
		out.Placements = append(out.Placements, pr)
	}

	for _, id := range scenario.Finish {
		if err := engine.FinishJob(id); err != nil {
			log.Errorf("finishing job %s: %v", id, err)
		}
	}

	for _, spec := range scenario.Reservations {
		req := reservation.Request{NodeCnt: spec.NodeCnt, CoreCnt: spec.CoreCnt}
		if spec.FirstCores {
			req.Flags |= reservation.FlagFirstCores
		}
		nodes, cores := engine.ResvTest(req, candidates, nil)
		rr := reservationReport{Name: spec.Name, Fit: nodes != nil}
		if nodes != nil {
			rr.Nodes = nodes.String()
			if cores != nil {
				rr.Cores = cores.String()
			}
		}
		out.Reservations = append(out.Reservations, rr)
	}

	infos, _ := engine.SetAllNodeInfo()
	out.Nodes = commonslices.Map(infos, func(info selector.NodeInfo) nodeReport {
		return nodeReport{
			Name:        info.Name,
			AllocCPUs:   info.AllocCPUs,
			AllocMemory: info.AllocMemory,
		}
	})

	rendered, err := yaml.Marshal(out)
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprint(os.Stdout, string(rendered))
	return nil
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}
