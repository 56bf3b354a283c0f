// Copyright (c) 2014 Utkan Güngördü <utkan@freeconsole.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cuckooset

import (
	"sync"
	"sync/atomic"

	"github.com/salviati/cuckooset/hashkey"
)

// Concurrent is a thread-safe cuckoo set: each slot owns a mutex, locks
// are always acquired table-0-before-table-1 to prevent cycles, and a
// resize excludes all mutators via a reader/writer barrier so Contains
// never observes a half-rehashed table.
type Concurrent[K hashkey.Keyable] struct {
	// resizeGuard: mutators hold RLock for their whole operation; a
	// resizing goroutine holds Lock for the duration of the rehash. A
	// reader/writer barrier, the alternative to an immutable-snapshot
	// pointer swap (see Transactional for that approach instead).
	resizeGuard sync.RWMutex

	capacity         int
	maxDisplacements int
	salt1, salt2     uint64
	tables           [2][]slot[K]
	locks            [2][]sync.Mutex

	n       atomic.Int64
	resizes atomic.Int64
	chains  atomic.Int64 // displacement chains entered (instrumentation only)

	entropy *hashkey.Fastrand
}

// NewConcurrent creates a Concurrent set with room for roughly
// initialCapacity keys per table before the first resize.
func NewConcurrent[K hashkey.Keyable](initialCapacity int) *Concurrent[K] {
	cap := nextPow2(initialCapacity)
	entropy := hashkey.NewFastrand()
	s1, s2 := hashkey.NewSalts(entropy)
	return &Concurrent[K]{
		capacity:         cap,
		maxDisplacements: defaultMaxDisplacements,
		salt1:            s1,
		salt2:            s2,
		tables:           [2][]slot[K]{make([]slot[K], cap), make([]slot[K], cap)},
		locks:            [2][]sync.Mutex{make([]sync.Mutex, cap), make([]sync.Mutex, cap)},
		entropy:          entropy,
	}
}

func (c *Concurrent[K]) idx0(k K) int { return hashkey.Index(hashkey.H1(k, c.salt1), c.capacity) }
func (c *Concurrent[K]) idx1(k K) int { return hashkey.Index(hashkey.H2(k, c.salt2), c.capacity) }

func (c *Concurrent[K]) idxFor(table int, k K) int {
	if table == 0 {
		return c.idx0(k)
	}
	return c.idx1(k)
}

func (c *Concurrent[K]) lock(table, i int)   { c.locks[table][i].Lock() }
func (c *Concurrent[K]) unlock(table, i int) { c.locks[table][i].Unlock() }

// lockBoth acquires both candidate slots in the fixed global order table 0
// before table 1, the simplest deadlock-free choice; every call site in
// this file uses it, so the order is never violated.
func (c *Concurrent[K]) lockBoth(i0, i1 int) {
	c.lock(0, i0)
	c.lock(1, i1)
}

func (c *Concurrent[K]) unlockBoth(i0, i1 int) {
	c.unlock(1, i1)
	c.unlock(0, i0)
}

// lookupNoLock assumes both candidate slots' locks are already held by
// the caller. Add calls this directly instead of calling the locking
// Contains, which would deadlock reacquiring its own locks.
func (c *Concurrent[K]) lookupNoLock(k K, i0, i1 int) bool {
	if sl := c.tables[0][i0]; sl.occupied && sl.key == k {
		return true
	}
	sl := c.tables[1][i1]
	return sl.occupied && sl.key == k
}

// Contains reports whether k is present.
func (c *Concurrent[K]) Contains(k K) bool {
	c.resizeGuard.RLock()
	defer c.resizeGuard.RUnlock()

	i0, i1 := c.idx0(k), c.idx1(k)
	c.lockBoth(i0, i1)
	defer c.unlockBoth(i0, i1)

	return c.lookupNoLock(k, i0, i1)
}

// Add inserts k. If its displacement chain is exhausted it resizes, and
// the rehash places the key still left floating; the add is not retried.
func (c *Concurrent[K]) Add(k K) bool {
	c.resizeGuard.RLock()

	i0, i1 := c.idx0(k), c.idx1(k)
	c.lockBoth(i0, i1)
	if c.lookupNoLock(k, i0, i1) {
		c.unlockBoth(i0, i1)
		c.resizeGuard.RUnlock()
		return false
	}
	// The chain starts at table 0's slot, which is already locked; table
	// 1's lock isn't needed again until (if) the chain reaches it.
	c.unlock(1, i1)
	c.chains.Add(1)

	kstar := k
	curT, curI := 0, i0
	placed := false
	for step := 0; step < c.maxDisplacements*2; step++ {
		sl := &c.tables[curT][curI]
		if !sl.occupied {
			*sl = slot[K]{key: kstar, occupied: true}
			c.unlock(curT, curI)
			placed = true
			break
		}

		evicted := sl.key
		sl.key = kstar
		kstar = evicted
		c.unlock(curT, curI)

		curT = 1 - curT
		curI = c.idxFor(curT, kstar)
		c.lock(curT, curI)
	}

	if placed {
		c.resizeGuard.RUnlock()
		c.n.Add(1)
		return true
	}

	// Chain exhausted: curT/curI is still locked and unplaced. Release it
	// and the resize barrier before resizing, which needs exclusive
	// access to the same barrier.
	c.unlock(curT, curI)
	c.resizeGuard.RUnlock()

	c.growAndAdopt(kstar)
	c.n.Add(1)
	return true
}

// Remove deletes k if present.
func (c *Concurrent[K]) Remove(k K) bool {
	c.resizeGuard.RLock()
	defer c.resizeGuard.RUnlock()

	i0, i1 := c.idx0(k), c.idx1(k)
	c.lockBoth(i0, i1)
	defer c.unlockBoth(i0, i1)

	if sl := &c.tables[0][i0]; sl.occupied && sl.key == k {
		*sl = slot[K]{}
		c.n.Add(-1)
		return true
	}
	if sl := &c.tables[1][i1]; sl.occupied && sl.key == k {
		*sl = slot[K]{}
		c.n.Add(-1)
		return true
	}
	return false
}

// Size returns the current count of occupied slots. Not linearizable
// under concurrent mutation; callers should only rely on it after
// quiescing writers.
func (c *Concurrent[K]) Size() int {
	return int(c.n.Load())
}

// Populate adds every key, returning the count of successful additions.
func (c *Concurrent[K]) Populate(keys []K) int {
	added := 0
	for _, k := range keys {
		if c.Add(k) {
			added++
		}
	}
	return added
}

// containsDirectSlots reads a not-yet-published pair of tables without any
// locking; the caller must already have exclusive access (only used while
// building the rehashed tables during a resize, before they replace
// c.tables).
func containsDirectSlots[K hashkey.Keyable](tables [2][]slot[K], salt1, salt2 uint64, k K) bool {
	capacity := len(tables[0])
	i0 := hashkey.Index(hashkey.H1(k, salt1), capacity)
	if sl := tables[0][i0]; sl.occupied && sl.key == k {
		return true
	}
	i1 := hashkey.Index(hashkey.H2(k, salt2), capacity)
	sl := tables[1][i1]
	return sl.occupied && sl.key == k
}

// growAndAdopt rehashes the whole table under an exclusive resize lock.
// It never calls the public Add, since doing so could itself trigger a
// nested resize. Instead it walks rehashWalk directly against the new,
// not-yet-published tables, which no other goroutine can observe.
func (c *Concurrent[K]) growAndAdopt(leftover K) {
	c.resizeGuard.Lock()
	defer c.resizeGuard.Unlock()

	newCap := c.capacity * 2
	newMaxDisp := c.maxDisplacements * 2
	s1, s2 := hashkey.NewSalts(c.entropy)
	newTables := [2][]slot[K]{make([]slot[K], newCap), make([]slot[K], newCap)}

	rehash := func(k K) {
		if _, ok := rehashWalk(newTables, newMaxDisp, s1, s2, k); !ok {
			fatalf("resize", "rehash could not place key %v even at doubled budget (maxDisplacements=%d)", k, newMaxDisp)
		}
	}
	for t := 0; t < 2; t++ {
		for _, sl := range c.tables[t] {
			if sl.occupied {
				rehash(sl.key)
			}
		}
	}
	// leftover was unplaced in the old tables, but another goroutine could
	// have re-Added it (and released its own RLock) in the window between
	// this goroutine's chain exhaustion and its Lock() above; the copy loop
	// would then have already carried it over, and inserting it again here
	// would place a duplicate.
	if !containsDirectSlots(newTables, s1, s2, leftover) {
		rehash(leftover)
	}

	c.capacity = newCap
	c.maxDisplacements = newMaxDisp
	c.salt1, c.salt2 = s1, s2
	c.tables = newTables
	c.locks = [2][]sync.Mutex{make([]sync.Mutex, newCap), make([]sync.Mutex, newCap)}
	c.resizes.Add(1)
}

// ConcurrentStats is point-in-time instrumentation, not part of Set.
type ConcurrentStats struct {
	Capacity           int
	MaxDisplacements   int
	Resizes            int64
	DisplacementChains int64
	Size               int
}

// Stats snapshots the backend's current geometry and contention counters.
// Capacity/MaxDisplacements are read without resizeGuard, so under
// concurrent resize they may be observed mid-update; callers that need a
// consistent snapshot should quiesce writers first, matching Size's
// contract.
func (c *Concurrent[K]) Stats() ConcurrentStats {
	return ConcurrentStats{
		Capacity:           c.capacity,
		MaxDisplacements:   c.maxDisplacements,
		Resizes:            c.resizes.Load(),
		DisplacementChains: c.chains.Load(),
		Size:               c.Size(),
	}
}
