package coremap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsets(t *testing.T) {
	cm, err := New([]int{2, 4, 0, 8})
	require.NoError(t, err)

	assert.Equal(t, 4, cm.Nodes())
	assert.Equal(t, 0, cm.Offset(0))
	assert.Equal(t, 2, cm.Offset(1))
	assert.Equal(t, 6, cm.Offset(2))
	assert.Equal(t, 6, cm.Offset(3))
	assert.Equal(t, 14, cm.Offset(4))
	assert.Equal(t, 14, cm.TotalCores())

	assert.Equal(t, 4, cm.Cores(1))
	assert.Equal(t, 0, cm.Cores(2))

	lo, hi := cm.NodeRange(3)
	assert.Equal(t, 6, lo)
	assert.Equal(t, 14, hi)
}

func TestRebuildAdvancesGeneration(t *testing.T) {
	cm, err := New([]int{2, 2})
	require.NoError(t, err)
	gen := cm.Generation()

	require.NoError(t, cm.Rebuild([]int{4, 4, 4}))
	assert.Equal(t, 3, cm.Nodes())
	assert.Equal(t, 12, cm.TotalCores())
	assert.Greater(t, cm.Generation(), gen)
}

func TestRebuildRejectsNegativeCores(t *testing.T) {
	_, err := New([]int{2, -1})
	assert.Error(t, err)
}

func TestCoreCounts(t *testing.T) {
	cm, err := New([]int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, cm.CoreCounts())
}
