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
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/salviati/cuckooset/hashkey"
)

// txSlot is a single cuckoo slot guarded by a seqlock-style version
// counter instead of a mutex: an even version means stable, an odd
// version means a writer currently owns it. Readers never block, they
// retry if the version changes mid-read, and writers acquire by
// CAS-ing the version from even to even+1, so the whole structure never
// parks a goroutine on an OS-level lock.
type txSlot[K hashkey.Keyable] struct {
	version  atomic.Uint64
	key      K
	occupied bool
}

func (s *txSlot[K]) tryAcquire() (uint64, bool) {
	v := s.version.Load()
	if v&1 != 0 {
		return 0, false
	}
	if !s.version.CompareAndSwap(v, v+1) {
		return 0, false
	}
	return v, true
}

func (s *txSlot[K]) release(v uint64) {
	s.version.Store(v + 2)
}

// read is the optimistic-read half of the seqlock: it returns ok=false
// if a writer held the slot at any point during the read, in which case
// the caller must retry rather than trust key/occupied.
func (s *txSlot[K]) read() (key K, occupied bool, ok bool) {
	v1 := s.version.Load()
	if v1&1 != 0 {
		return key, false, false
	}
	key, occupied = s.key, s.occupied
	v2 := s.version.Load()
	if v1 != v2 {
		return key, false, false
	}
	return key, occupied, true
}

// txData is one immutable table geometry: capacity, salts, and the slot
// arrays themselves (mutated in place through txSlot's seqlock, but never
// reallocated, since a resize builds an entirely new txData and publishes
// it with a single atomic pointer store).
type txData[K hashkey.Keyable] struct {
	capacity         int
	maxDisplacements int
	salt1, salt2     uint64
	slots            [2][]txSlot[K]
}

// Transactional is a lock-free-for-readers cuckoo set: Contains never
// blocks, Add/Remove acquire only the one or two slots they touch via
// CAS, and a resize publishes a freshly built table through an atomic
// pointer swap rather than mutating the live one in place. The whole
// structure is the "optimistic atomic region" alternative to Concurrent's
// per-slot mutexes and whole-table RWMutex.
type Transactional[K hashkey.Keyable] struct {
	data atomic.Pointer[txData[K]]

	// resizing and inflight together form a drain barrier: a resize sets
	// resizing so new operations back off in enter(), then waits for
	// inflight to reach zero so operations already past that check finish
	// against the old table before the copy begins. resizeMu serializes
	// concurrent resize triggers so each sees the previous one's result.
	resizing atomic.Bool
	inflight atomic.Int64
	resizeMu sync.Mutex

	n       atomic.Int64
	resizes atomic.Int64
	commits atomic.Int64 // slot regions successfully acquired and released
	aborts  atomic.Int64 // CAS attempts that lost the race and retried

	entropy *hashkey.Fastrand
}

// NewTransactional creates a Transactional set with room for roughly
// initialCapacity keys per table before the first resize.
func NewTransactional[K hashkey.Keyable](initialCapacity int) *Transactional[K] {
	cap := nextPow2(initialCapacity)
	entropy := hashkey.NewFastrand()
	s1, s2 := hashkey.NewSalts(entropy)
	data := &txData[K]{
		capacity:         cap,
		maxDisplacements: defaultMaxDisplacements,
		salt1:            s1,
		salt2:            s2,
		slots:            [2][]txSlot[K]{make([]txSlot[K], cap), make([]txSlot[K], cap)},
	}
	tx := &Transactional[K]{entropy: entropy}
	tx.data.Store(data)
	return tx
}

// enter admits the caller into a mutating critical section, backing off
// while a resize is in progress rather than blocking on a lock.
func (tx *Transactional[K]) enter() {
	for {
		if tx.resizing.Load() {
			runtime.Gosched()
			continue
		}
		tx.inflight.Add(1)
		if tx.resizing.Load() {
			tx.inflight.Add(-1)
			continue
		}
		return
	}
}

func (tx *Transactional[K]) exit() {
	tx.inflight.Add(-1)
}

// acquireSpin CAS-spins until it owns slot's version, or panics with a
// FatalError if maxTxnRetries is exhausted. The transactional analogue
// of the other backends' "rehash failed at doubled budget" fatal, here
// signaling pathological contention rather than a geometry problem.
func (tx *Transactional[K]) acquireSpin(slot *txSlot[K]) uint64 {
	for i := 0; i < maxTxnRetries; i++ {
		if v, ok := slot.tryAcquire(); ok {
			if i > 0 {
				tx.aborts.Add(int64(i))
			}
			tx.commits.Add(1)
			return v
		}
		if i%64 == 63 {
			runtime.Gosched()
		}
	}
	fatalf("txn-acquire", "spin budget exhausted acquiring a slot lock")
	panic("unreachable")
}

// readStable spins on a slot's optimistic read until a version-stable
// result is obtained.
func readStable[K hashkey.Keyable](s *txSlot[K]) (key K, occupied bool) {
	for i := 0; i < maxTxnRetries; i++ {
		if k, occ, ok := s.read(); ok {
			return k, occ
		}
		if i%64 == 63 {
			runtime.Gosched()
		}
	}
	fatalf("txn-read", "spin budget exhausted reading a slot")
	panic("unreachable")
}

func containsInTx[K hashkey.Keyable](data *txData[K], k K) bool {
	i0 := hashkey.Index(hashkey.H1(k, data.salt1), data.capacity)
	if key, occ := readStable(&data.slots[0][i0]); occ && key == k {
		return true
	}
	i1 := hashkey.Index(hashkey.H2(k, data.salt2), data.capacity)
	key, occ := readStable(&data.slots[1][i1])
	return occ && key == k
}

// containsDirect reads slots without any locking or retry; the caller
// must already have exclusive access (only used during a resize, before
// the new table is published).
func containsDirect[K hashkey.Keyable](data *txData[K], k K) bool {
	i0 := hashkey.Index(hashkey.H1(k, data.salt1), data.capacity)
	if sl := &data.slots[0][i0]; sl.occupied && sl.key == k {
		return true
	}
	i1 := hashkey.Index(hashkey.H2(k, data.salt2), data.capacity)
	sl := &data.slots[1][i1]
	return sl.occupied && sl.key == k
}

func containsLockedTx[K hashkey.Keyable](data *txData[K], k K, i0, i1 int) bool {
	if sl := &data.slots[0][i0]; sl.occupied && sl.key == k {
		return true
	}
	sl := &data.slots[1][i1]
	return sl.occupied && sl.key == k
}

// Contains reports whether k is present. It never acquires a slot lock:
// it only ever performs optimistic reads, retrying when a concurrent
// writer's version change is observed.
func (tx *Transactional[K]) Contains(k K) bool {
	data := tx.data.Load()
	return containsInTx(data, k)
}

// Add inserts k, walking the same alternating displacement chain as the
// other backends but acquiring each slot via CAS instead of a mutex, and
// escalating to a resize if the chain is exhausted.
func (tx *Transactional[K]) Add(k K) bool {
	tx.enter()
	data := tx.data.Load()

	i0 := hashkey.Index(hashkey.H1(k, data.salt1), data.capacity)
	i1 := hashkey.Index(hashkey.H2(k, data.salt2), data.capacity)
	v0 := tx.acquireSpin(&data.slots[0][i0])
	v1 := tx.acquireSpin(&data.slots[1][i1])
	if containsLockedTx(data, k, i0, i1) {
		data.slots[1][i1].release(v1)
		data.slots[0][i0].release(v0)
		tx.exit()
		return false
	}
	// The chain starts at table 0's slot, already held; table 1's lock
	// isn't needed again until (if) the chain reaches it.
	data.slots[1][i1].release(v1)

	kstar := k
	curT, curI, curV := 0, i0, v0
	placed := false
	for step := 0; step < data.maxDisplacements*2; step++ {
		sl := &data.slots[curT][curI]
		if !sl.occupied {
			sl.key = kstar
			sl.occupied = true
			sl.release(curV)
			placed = true
			break
		}

		evicted := sl.key
		sl.key = kstar
		sl.release(curV)
		kstar = evicted

		curT = 1 - curT
		if curT == 1 {
			curI = hashkey.Index(hashkey.H2(kstar, data.salt2), data.capacity)
		} else {
			curI = hashkey.Index(hashkey.H1(kstar, data.salt1), data.capacity)
		}
		curV = tx.acquireSpin(&data.slots[curT][curI])
	}

	if placed {
		tx.exit()
		tx.n.Add(1)
		return true
	}

	// Chain exhausted: curT/curI is still held with kstar unplaced.
	data.slots[curT][curI].release(curV)
	tx.exit()

	tx.triggerResize(kstar)
	tx.n.Add(1)
	return true
}

// Remove deletes k if present. Unlike Add it never needs more than one
// slot lock at a time, since an empty slot is a valid terminal state for
// this structure (holes are never patched).
func (tx *Transactional[K]) Remove(k K) bool {
	tx.enter()
	defer tx.exit()

	data := tx.data.Load()
	var zero K

	i0 := hashkey.Index(hashkey.H1(k, data.salt1), data.capacity)
	v0 := tx.acquireSpin(&data.slots[0][i0])
	sl0 := &data.slots[0][i0]
	if sl0.occupied && sl0.key == k {
		sl0.key = zero
		sl0.occupied = false
		sl0.release(v0)
		tx.n.Add(-1)
		return true
	}
	sl0.release(v0)

	i1 := hashkey.Index(hashkey.H2(k, data.salt2), data.capacity)
	v1 := tx.acquireSpin(&data.slots[1][i1])
	sl1 := &data.slots[1][i1]
	if sl1.occupied && sl1.key == k {
		sl1.key = zero
		sl1.occupied = false
		sl1.release(v1)
		tx.n.Add(-1)
		return true
	}
	sl1.release(v1)
	return false
}

// Size returns the current count of occupied slots. Not linearizable
// under concurrent mutation; callers should only rely on it after
// quiescing writers.
func (tx *Transactional[K]) Size() int {
	return int(tx.n.Load())
}

// Populate adds every key, returning the count of successful additions.
func (tx *Transactional[K]) Populate(keys []K) int {
	added := 0
	for _, k := range keys {
		if tx.Add(k) {
			added++
		}
	}
	return added
}

// txInsertDirect places k with no locking at all; only valid against a
// txData not yet reachable from any other goroutine.
func txInsertDirect[K hashkey.Keyable](data *txData[K], k K) bool {
	kstar := k
	curT := 0
	curI := hashkey.Index(hashkey.H1(kstar, data.salt1), data.capacity)
	for step := 0; step < data.maxDisplacements*2; step++ {
		sl := &data.slots[curT][curI]
		if !sl.occupied {
			sl.key = kstar
			sl.occupied = true
			return true
		}
		evicted := sl.key
		sl.key = kstar
		kstar = evicted
		curT = 1 - curT
		if curT == 1 {
			curI = hashkey.Index(hashkey.H2(kstar, data.salt2), data.capacity)
		} else {
			curI = hashkey.Index(hashkey.H1(kstar, data.salt1), data.capacity)
		}
	}
	return false
}

// triggerResize publishes a doubled-capacity table. resizeMu serializes
// concurrent callers so each builds its doubling from the previous
// caller's result rather than a stale one; resizing plus draining
// inflight guarantees no other goroutine is mid-mutation on the table
// being copied.
func (tx *Transactional[K]) triggerResize(leftover K) {
	tx.resizeMu.Lock()
	defer tx.resizeMu.Unlock()

	tx.resizing.Store(true)
	defer tx.resizing.Store(false)
	for tx.inflight.Load() > 0 {
		runtime.Gosched()
	}

	old := tx.data.Load()
	newCap := old.capacity * 2
	newMaxDisp := old.maxDisplacements * 2
	s1, s2 := hashkey.NewSalts(tx.entropy)
	newData := &txData[K]{
		capacity:         newCap,
		maxDisplacements: newMaxDisp,
		salt1:            s1,
		salt2:            s2,
		slots:            [2][]txSlot[K]{make([]txSlot[K], newCap), make([]txSlot[K], newCap)},
	}

	place := func(k K) {
		if !txInsertDirect(newData, k) {
			fatalf("resize", "rehash could not place key %v even at doubled budget (maxDisplacements=%d)", k, newMaxDisp)
		}
	}
	for t := 0; t < 2; t++ {
		for i := range old.slots[t] {
			if sl := &old.slots[t][i]; sl.occupied {
				place(sl.key)
			}
		}
	}
	// leftover may already be present if another resize published a newer
	// table between this goroutine's failed chain and its turn at
	// resizeMu; the copy loop above would already have carried it over.
	if !containsDirect(newData, leftover) {
		place(leftover)
	}

	tx.data.Store(newData)
	tx.resizes.Add(1)
}

// TransactionalStats is point-in-time instrumentation, not part of Set.
type TransactionalStats struct {
	Capacity         int
	MaxDisplacements int
	Resizes          int64
	Commits          int64
	Aborts           int64
	Size             int
}

// Stats snapshots the backend's current geometry and contention counters.
func (tx *Transactional[K]) Stats() TransactionalStats {
	data := tx.data.Load()
	return TransactionalStats{
		Capacity:         data.capacity,
		MaxDisplacements: data.maxDisplacements,
		Resizes:          tx.resizes.Load(),
		Commits:          tx.commits.Load(),
		Aborts:           tx.aborts.Load(),
		Size:             tx.Size(),
	}
}
