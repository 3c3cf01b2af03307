package slices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	assert.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(i int) int { return 2 * i }))
	assert.Equal(t, []int{}, Map([]string{}, func(string) int { return 0 }))
}

func TestFilter(t *testing.T) {
	out := Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	assert.Equal(t, []int{2, 4}, out)
}

func TestUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Unique([]string{"a", "b", "a", "b"}))
	assert.Nil(t, Unique[[]string](nil))
}

func TestSum(t *testing.T) {
	total := Sum([]int{1, 2, 3}, func(i int) int64 { return int64(i) })
	assert.Equal(t, int64(6), total)
}
