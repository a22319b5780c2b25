package bitmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetTestClear(t *testing.T) {
	const size = 200
	b := New(size)

	seen := map[int]bool{}
	for len(seen) < 10 {
		seen[rand.Intn(size)] = true
	}

	var indexes []int
	for idx := range seen {
		indexes = append(indexes, idx)
	}

	for _, idx := range indexes {
		require.False(t, b.Test(idx), "bit %d should start clear", idx)
	}

	for _, idx := range indexes {
		b.Set(idx)
		require.True(t, b.Test(idx))
	}

	for i := 0; i < len(indexes); i += 2 {
		b.Clear(indexes[i])
		require.False(t, b.Test(indexes[i]))
	}
	for i := 1; i < len(indexes); i += 2 {
		require.True(t, b.Test(indexes[i]))
	}
}

func TestBitmapAllAndCount(t *testing.T) {
	b := New(5)
	require.False(t, b.All(5))
	require.Equal(t, 0, b.Count(5))

	for i := 0; i < 5; i++ {
		b.Set(i)
	}
	require.True(t, b.All(5))
	require.Equal(t, 5, b.Count(5))
}

func TestBitmapCloneIsIndependent(t *testing.T) {
	b := New(10)
	b.Set(3)
	c := b.Clone()
	c.Set(4)

	require.True(t, b.Test(3))
	require.False(t, b.Test(4))
	require.True(t, c.Test(4))
}
