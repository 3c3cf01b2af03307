package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingAllocDealloc(t *testing.T) {
	c := NewCounting()
	c.Alloc("j1", 0, "gpu", 2)
	c.Alloc("j1", 1, "gpu", 1)

	require.NoError(t, c.Dealloc("j1", nil, 0, "n0"))
	assert.Len(t, c.ByJob["j1"], 1)

	require.NoError(t, c.Dealloc("j1", nil, 1, "n1"))
	assert.NotContains(t, c.ByJob, "j1")

	// Deallocating an unknown job is harmless.
	require.NoError(t, c.Dealloc("ghost", nil, 0, "n0"))
}

func TestCountingMerge(t *testing.T) {
	c := NewCounting()
	c.Alloc("from", 0, "gpu", 2)
	c.Alloc("to", 0, "gpu", 1)
	c.Alloc("to", 1, "fpga", 1)

	require.NoError(t, c.Merge("from", "to"))
	assert.NotContains(t, c.ByJob, "from")
	assert.Equal(t, int64(3), c.ByJob["to"][0]["gpu"])
	assert.Equal(t, int64(1), c.ByJob["to"][1]["fpga"])
}

func TestSetNodeTresCount(t *testing.T) {
	c := NewCounting()
	counts := map[string]int64{"cpu": 4}
	c.SetNodeTresCount(map[string]int64{"gpu": 2}, counts)
	assert.Equal(t, int64(2), counts["gpu"])
	assert.Equal(t, int64(4), counts["cpu"])

	// Unknown state handles are ignored.
	c.SetNodeTresCount("bogus", counts)
	assert.Len(t, counts, 2)
}

func TestWeighted(t *testing.T) {
	counts := map[string]int64{"cpu": 4, "gpu": 2}
	weights := map[string]float64{"cpu": 1, "gpu": 10}
	assert.InDelta(t, 24.0, Weighted(counts, weights), 1e-9)
	assert.InDelta(t, 0.0, Weighted(counts, nil), 1e-9)
}
