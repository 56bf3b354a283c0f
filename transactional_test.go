package cuckooset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionalAddContainsRemove(t *testing.T) {
	tx := NewTransactional[uint64](16)
	assert.True(t, tx.Add(1))
	assert.True(t, tx.Add(2))
	assert.True(t, tx.Add(3))
	assert.True(t, tx.Contains(2))
	assert.True(t, tx.Remove(2))
	assert.False(t, tx.Contains(2))
	assert.Equal(t, 2, tx.Size())
}

func TestTransactionalManyAddsForceRepeatedResize(t *testing.T) {
	tx := NewTransactional[uint64](4)
	for i := uint64(1); i <= 64; i++ {
		require.True(t, tx.Add(i), "add(%d) should succeed", i)
	}
	assert.Equal(t, 64, tx.Size())
	assert.GreaterOrEqual(t, tx.Stats().Resizes, int64(2))
	for i := uint64(1); i <= 64; i++ {
		assert.True(t, tx.Contains(i))
	}
}

func TestTransactionalDuplicateAddAndRemove(t *testing.T) {
	tx := NewTransactional[uint64](16)
	assert.True(t, tx.Add(7))
	assert.False(t, tx.Add(7))
	assert.True(t, tx.Remove(7))
	assert.False(t, tx.Remove(7))
	assert.False(t, tx.Contains(7))
}

func TestTransactionalPopulateSkipsDuplicates(t *testing.T) {
	tx := NewTransactional[uint64](16)
	added := tx.Populate([]uint64{5, 5, 6})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, tx.Size())
}

// TestTransactionalMixedWorkersPreserveSizeInvariant gives every worker a
// disjoint key range so the expected final size is known exactly; any
// lost update or double-count in the seqlock/CAS plumbing shows up as a
// mismatch here.
func TestTransactionalMixedWorkersPreserveSizeInvariant(t *testing.T) {
	tx := NewTransactional[uint64](8)
	const workers = 16
	const perWorker = 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			base := uint64(w) * perWorker
			for i := uint64(0); i < perWorker; i++ {
				tx.Add(base + i)
			}
			for i := uint64(0); i < perWorker; i += 2 {
				tx.Remove(base + i)
			}
			for i := uint64(0); i < perWorker; i++ {
				tx.Contains(base + i)
			}
		}(w)
	}
	wg.Wait()

	expected := workers * (perWorker - perWorker/2)
	assert.Equal(t, expected, tx.Size())
}

// TestTransactionalSameKeyRace hammers a handful of shared keys from many
// goroutines concurrently with Add, Remove, and Contains; this is the
// case most likely to expose a seqlock torn-read or a lost resize update.
func TestTransactionalSameKeyRace(t *testing.T) {
	tx := NewTransactional[uint64](8)
	const workers = 8
	const rounds = 2000
	shared := []uint64{1, 2, 3, 4}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				k := shared[i%len(shared)]
				if i%2 == 0 {
					tx.Add(k)
				} else {
					tx.Remove(k)
				}
				tx.Contains(k)
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, tx.Size(), 0)
	assert.LessOrEqual(t, tx.Size(), len(shared))
}

// TestTransactionalConcurrentResizeGrowth forces many concurrent resizes
// by racing all workers into the same small starting capacity; it
// exercises triggerResize's resizeMu serialization and the
// already-migrated leftover guard.
func TestTransactionalConcurrentResizeGrowth(t *testing.T) {
	tx := NewTransactional[uint64](2)
	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			base := uint64(w) * perWorker
			for i := uint64(0); i < perWorker; i++ {
				tx.Add(base + i)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, tx.Size())
	for w := 0; w < workers; w++ {
		base := uint64(w) * perWorker
		for i := uint64(0); i < perWorker; i++ {
			assert.True(t, tx.Contains(base+i))
		}
	}
}
