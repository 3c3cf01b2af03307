package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhpc/kestrel/internal/common/bitmap"
)

func nodeSet(size int, nodes ...int) *bitmap.Bitmap {
	b := bitmap.New(size)
	for _, n := range nodes {
		b.Set(n)
	}
	return b
}

func TestNewValidation(t *testing.T) {
	_, err := New([]Switch{{Name: "s0", NodeBitmap: nodeSet(2, 0)}}, 4)
	assert.Error(t, err, "bitmap size must match the cluster")

	_, err = New([]Switch{{Name: "s0", Level: -1, NodeBitmap: nodeSet(4, 0)}}, 4)
	assert.Error(t, err)

	_, err = New([]Switch{{Name: "s0", NodeBitmap: nodeSet(4, 0)}}, 4)
	require.NoError(t, err)
}

func TestLeavesAndLeafOf(t *testing.T) {
	table, err := New([]Switch{
		{Name: "leaf0", Level: 0, NodeBitmap: nodeSet(4, 0, 1)},
		{Name: "leaf1", Level: 0, NodeBitmap: nodeSet(4, 2, 3)},
		{Name: "root", Level: 1, NodeBitmap: nodeSet(4, 0, 1, 2, 3)},
	}, 4)
	require.NoError(t, err)

	assert.True(t, table.Configured())
	assert.Equal(t, []int{0, 1}, table.Leaves())
	assert.Equal(t, 0, table.LeafOf(1))
	assert.Equal(t, 1, table.LeafOf(3))

	var nilTable *Table
	assert.False(t, nilTable.Configured())
	assert.Equal(t, -1, nilTable.LeafOf(0))
}
