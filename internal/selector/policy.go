package selector

import (
	"github.com/kestrelhpc/kestrel/internal/selector/placement"
)

// Policy is the selector capability injected at engine construction. The
// consumable policy packs jobs at core granularity; the linear policy only
// hands out whole nodes and disables oversubscription.
type Policy interface {
	Name() string
	// Prepare rewrites a placement request per the policy's granularity.
	Prepare(req *placement.Request)
	// RowLimit caps the row count a partition may be configured with.
	RowLimit(configured int) int
}

// ConsumablePolicy allocates individual cores and memory.
type ConsumablePolicy struct{}

func (ConsumablePolicy) Name() string { return "cons_res" }

func (ConsumablePolicy) Prepare(*placement.Request) {}

func (ConsumablePolicy) RowLimit(configured int) int {
	if configured < 1 {
		return 1
	}
	return configured
}

// LinearPolicy allocates whole nodes only.
type LinearPolicy struct{}

func (LinearPolicy) Name() string { return "linear" }

func (LinearPolicy) Prepare(req *placement.Request) {
	req.WholeNode = true
}

func (LinearPolicy) RowLimit(int) int { return 1 }
