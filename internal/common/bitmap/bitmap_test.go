package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetClearTest(t *testing.T) {
	b := New(130)
	b.Set(0)
	b.Set(64)
	b.Set(129)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(64))
	assert.True(t, b.Test(129))
	assert.False(t, b.Test(1))
	b.Clear(64)
	assert.False(t, b.Test(64))
	assert.Equal(t, 2, b.Count())
}

func TestOutOfRangeIsIgnored(t *testing.T) {
	b := New(8)
	b.Set(-1)
	b.Set(8)
	assert.Equal(t, 0, b.Count())
	assert.False(t, b.Test(-1))
	assert.False(t, b.Test(8))
}

func TestRanges(t *testing.T) {
	b := New(200)
	b.SetRange(60, 70)
	assert.Equal(t, 10, b.Count())
	assert.Equal(t, 10, b.CountRange(0, 200))
	assert.Equal(t, 5, b.CountRange(65, 200))
	assert.Equal(t, 0, b.CountRange(70, 200))
	b.ClearRange(62, 68)
	assert.Equal(t, 4, b.Count())
}

func TestFirstLastNext(t *testing.T) {
	b := New(150)
	assert.Equal(t, -1, b.FirstSet())
	assert.Equal(t, -1, b.LastSet())
	b.Set(3)
	b.Set(100)
	assert.Equal(t, 3, b.FirstSet())
	assert.Equal(t, 100, b.LastSet())
	assert.Equal(t, 3, b.NextSet(0))
	assert.Equal(t, 100, b.NextSet(4))
	assert.Equal(t, -1, b.NextSet(101))
}

func TestBooleanOps(t *testing.T) {
	a := New(100)
	b := New(100)
	a.SetRange(0, 10)
	b.SetRange(5, 15)

	u := a.Clone()
	u.Or(b)
	assert.Equal(t, 15, u.Count())

	i := a.Clone()
	i.And(b)
	assert.Equal(t, 5, i.Count())
	assert.Equal(t, 5, i.FirstSet())

	d := a.Clone()
	d.AndNot(b)
	assert.Equal(t, 5, d.Count())
	assert.Equal(t, 4, d.LastSet())

	assert.True(t, a.Overlaps(b))
	assert.False(t, d.Overlaps(b))
	assert.True(t, i.SubsetOf(a))
	assert.False(t, a.SubsetOf(i))
}

func TestNotRespectsSize(t *testing.T) {
	b := New(70)
	b.SetRange(0, 70)
	b.Not()
	assert.Equal(t, 0, b.Count())
	b.Not()
	assert.Equal(t, 70, b.Count())
	assert.Equal(t, 69, b.LastSet())
}

func TestString(t *testing.T) {
	b := New(20)
	assert.Equal(t, "", b.String())
	b.SetRange(0, 4)
	b.Set(7)
	b.Set(9)
	b.Set(10)
	assert.Equal(t, "0-3,7,9-10", b.String())
}

func TestEqualAndClone(t *testing.T) {
	a := New(64)
	a.Set(63)
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Set(0)
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(New(65)))
}
