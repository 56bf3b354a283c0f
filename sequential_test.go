package cuckooset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialAddContainsRemove(t *testing.T) {
	s := NewSequential[uint64](16)
	assert.True(t, s.Add(1))
	assert.True(t, s.Add(2))
	assert.True(t, s.Add(3))
	assert.True(t, s.Contains(2))
	assert.True(t, s.Remove(2))
	assert.False(t, s.Contains(2))
	assert.Equal(t, 2, s.Size())
}

func TestSequentialManyAddsForceRepeatedResize(t *testing.T) {
	s := NewSequential[uint64](4)
	for i := uint64(1); i <= 32; i++ {
		require.True(t, s.Add(i), "add(%d) should succeed", i)
	}
	assert.Equal(t, 32, s.Size())
	assert.GreaterOrEqual(t, s.Stats().Resizes, 2)
}

func TestSequentialDuplicateAddAndRemove(t *testing.T) {
	s := NewSequential[uint64](16)
	assert.True(t, s.Add(7))
	assert.False(t, s.Add(7))
	assert.True(t, s.Remove(7))
	assert.False(t, s.Remove(7))
	assert.False(t, s.Contains(7))
}

func TestSequentialPopulateSkipsDuplicates(t *testing.T) {
	s := NewSequential[uint64](16)
	added := s.Populate([]uint64{5, 5, 6})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, s.Size())
}

func TestSequentialZeroKey(t *testing.T) {
	s := NewSequential[uint64](16)
	for i := 0; i < 10; i++ {
		s.Add(0)
	}
	assert.True(t, s.Contains(0))
	assert.Equal(t, 1, s.Size())
}

func TestSequentialIdempotence(t *testing.T) {
	s := NewSequential[uint64](16)
	require.True(t, s.Add(42))
	before := s.Size()
	assert.False(t, s.Add(42))
	assert.Equal(t, before, s.Size())

	require.True(t, s.Remove(42))
	after := s.Size()
	assert.False(t, s.Remove(42))
	assert.Equal(t, after, s.Size())
	assert.Equal(t, before-1, after)
}

func TestSequentialUniquenessAndPlacement(t *testing.T) {
	s := NewSequential[uint64](8)
	for i := uint64(0); i < 200; i++ {
		s.Add(i * 7)
	}
	seen := make(map[uint64]bool)
	for _, sl := range s.tables[0] {
		if !sl.occupied {
			continue
		}
		assert.False(t, seen[sl.key], "key %d present in more than one slot", sl.key)
		seen[sl.key] = true
		assert.Equal(t, s.idx0(sl.key), indexOf(t, s.tables[0], sl.key))
	}
	for _, sl := range s.tables[1] {
		if !sl.occupied {
			continue
		}
		assert.False(t, seen[sl.key], "key %d present in more than one slot", sl.key)
		seen[sl.key] = true
	}
}

func indexOf[K comparable](t *testing.T, table []slot[K], k K) int {
	t.Helper()
	for i, sl := range table {
		if sl.occupied && sl.key == k {
			return i
		}
	}
	return -1
}

func TestSequentialSizeLawAcrossMixedOps(t *testing.T) {
	s := NewSequential[uint64](8)
	expected := 0
	for i := uint64(1); i <= 500; i++ {
		if s.Add(i) {
			expected++
		}
	}
	for i := uint64(1); i <= 500; i += 2 {
		if s.Remove(i) {
			expected--
		}
	}
	assert.Equal(t, expected, s.Size())
}

func TestSequentialReentrantResizeIsFatal(t *testing.T) {
	s := NewSequential[uint64](4)
	s.resizing = true
	assert.Panics(t, func() {
		s.growAndAdopt(99)
	})
}
