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

// Package cuckooset implements a set of comparable keys as a two-table
// cuckoo hash with dynamic resizing, in three interchangeable flavors:
// Sequential (single-threaded reference), Concurrent (per-slot locked),
// and Transactional (optimistic atomic regions). All three satisfy Set
// and are built on the same hashkey primitives, so their scalability and
// correctness can be compared under an identical workload.
package cuckooset

import "github.com/salviati/cuckooset/hashkey"

// Set is the contract every backend implements identically.
type Set[K hashkey.Keyable] interface {
	// Add inserts k, returning true if it was newly inserted and false if
	// k was already present (a no-op).
	Add(k K) bool
	// Remove deletes k, returning true if it was present.
	Remove(k K) bool
	// Contains reports whether k is present.
	Contains(k K) bool
	// Size returns the number of keys currently held. Not linearizable
	// with respect to concurrent mutation; callers that need an exact
	// count under concurrency must quiesce first.
	Size() int
	// Populate adds every key in keys, returning the count that were
	// newly inserted (duplicates, including duplicates within keys
	// itself, count as failures).
	Populate(keys []K) int
}

const (
	// minCapacity is the smallest capacity New* will accept; anything
	// smaller degenerates the displacement chain bound too quickly to be
	// useful.
	minCapacity = 2
	// defaultMaxDisplacements is the initial chain bound before the first
	// resize. It doubles alongside capacity on every resize.
	defaultMaxDisplacements = 8
	// maxTxnRetries bounds the optimistic-region retry loop in the
	// transactional backend (see transactional.go); exceeding it is a
	// fatal logic error, the same category as a rehash that can't place
	// every surviving key.
	maxTxnRetries = 1 << 20
)

// nextPow2 rounds n up to the next power of two, at least minCapacity.
// Capacities must be powers of two so hashkey.Index can reduce a hash to
// a slot with a mask instead of a division.
func nextPow2(n int) int {
	c := minCapacity
	for c < n {
		c <<= 1
	}
	return c
}

// slot is an optional owned key, held directly in the table rather than
// behind a pointer: the displacement chain becomes a swap of values, with
// no separate allocation or manual delete across resize/remove.
type slot[K hashkey.Keyable] struct {
	key      K
	occupied bool
}

// rehashWalk performs the single-slot alternating displacement walk used
// by the sequential backend and by the concurrent backend's resize (the
// transactional backend has its own txSlot-based walk): table[0] is always
// tried first; on collision the occupant is evicted and carried into
// table[1], and so on, up to maxDisplacements full alternations. It
// assumes the caller already has exclusive access to tables (the
// sequential backend always does; the concurrent backend only calls it
// while holding its resize guard exclusively). If the chain bound is exhausted, the
// last evicted key is returned still unplaced (ok=false). Every slot the
// walk touched has already been updated in place, so tables are never
// left inconsistent, only the single floating key needs a home.
func rehashWalk[K hashkey.Keyable](tables [2][]slot[K], maxDisplacements int, salt1, salt2 uint64, k K) (floating K, ok bool) {
	capacity := len(tables[0])
	kstar := k
	for i := 0; i < maxDisplacements; i++ {
		i0 := hashkey.Index(hashkey.H1(kstar, salt1), capacity)
		if !tables[0][i0].occupied {
			tables[0][i0] = slot[K]{key: kstar, occupied: true}
			return kstar, true
		}
		evicted := tables[0][i0].key
		tables[0][i0].key = kstar
		kstar = evicted

		i1 := hashkey.Index(hashkey.H2(kstar, salt2), capacity)
		if !tables[1][i1].occupied {
			tables[1][i1] = slot[K]{key: kstar, occupied: true}
			return kstar, true
		}
		evicted = tables[1][i1].key
		tables[1][i1].key = kstar
		kstar = evicted
	}
	return kstar, false
}
