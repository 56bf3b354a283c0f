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
	"fmt"

	"github.com/salviati/cuckooset/hashkey"
)

// Sequential is the single-threaded reference cuckoo set. It anchors
// correctness for the concurrent and transactional backends and must not
// be shared across goroutines.
type Sequential[K hashkey.Keyable] struct {
	capacity         int
	maxDisplacements int
	salt1, salt2     uint64
	tables           [2][]slot[K]
	n                int
	resizing         bool // reentrancy guard: a nested resize is a logic error.
	resizes          int
	entropy          *hashkey.Fastrand
}

// NewSequential creates a Sequential set with room for roughly
// initialCapacity keys per table before the first resize.
func NewSequential[K hashkey.Keyable](initialCapacity int) *Sequential[K] {
	cap := nextPow2(initialCapacity)
	entropy := hashkey.NewFastrand()
	s1, s2 := hashkey.NewSalts(entropy)
	return &Sequential[K]{
		capacity:         cap,
		maxDisplacements: defaultMaxDisplacements,
		salt1:            s1,
		salt2:            s2,
		tables:           [2][]slot[K]{make([]slot[K], cap), make([]slot[K], cap)},
		entropy:          entropy,
	}
}

func (s *Sequential[K]) idx0(k K) int { return hashkey.Index(hashkey.H1(k, s.salt1), s.capacity) }
func (s *Sequential[K]) idx1(k K) int { return hashkey.Index(hashkey.H2(k, s.salt2), s.capacity) }

// Contains reports whether k occupies one of its two candidate slots.
func (s *Sequential[K]) Contains(k K) bool {
	if sl := s.tables[0][s.idx0(k)]; sl.occupied && sl.key == k {
		return true
	}
	sl := s.tables[1][s.idx1(k)]
	return sl.occupied && sl.key == k
}

// Add inserts k. See tryAdd for the displacement walk.
func (s *Sequential[K]) Add(k K) bool {
	if s.Contains(k) {
		return false
	}
	if floating, ok := s.tryAdd(k); ok {
		s.n++
		return true
	} else {
		// growAndAdopt rehashes every currently-occupied slot plus
		// floating; since tables-occupied ∪ {floating} == (previous set)
		// ∪ {k}, that single rehash already places k. No need to retry
		// tryAdd(k) against the new geometry, which would insert it twice.
		s.growAndAdopt(floating)
		return true
	}
}

// tryAdd walks a bounded displacement chain via rehashWalk. See that
// function's doc for the chain's exact shape and failure behavior.
func (s *Sequential[K]) tryAdd(k K) (floating K, ok bool) {
	return rehashWalk(s.tables, s.maxDisplacements, s.salt1, s.salt2, k)
}

// Remove deletes k if present.
func (s *Sequential[K]) Remove(k K) bool {
	i0 := s.idx0(k)
	if sl := s.tables[0][i0]; sl.occupied && sl.key == k {
		s.tables[0][i0] = slot[K]{}
		s.n--
		return true
	}
	i1 := s.idx1(k)
	if sl := s.tables[1][i1]; sl.occupied && sl.key == k {
		s.tables[1][i1] = slot[K]{}
		s.n--
		return true
	}
	return false
}

// Size returns the number of occupied slots from a counter that Add,
// Remove and resize keep up to date, so it is O(1) rather than a scan.
func (s *Sequential[K]) Size() int {
	return s.n
}

// Populate adds every key, returning the number of successful additions;
// duplicates (including repeats within keys) are silently skipped and
// counted as failures.
func (s *Sequential[K]) Populate(keys []K) int {
	added := 0
	for _, k := range keys {
		if s.Add(k) {
			added++
		}
	}
	return added
}

// growAndAdopt doubles capacity and maxDisplacements, regenerates salts,
// rehashes every currently-occupied slot into fresh tables, and finally
// inserts leftover (the one key the caller's chain evicted but could not
// place) into the new geometry. A nested call while already rehashing is
// a logic error, not recursion.
func (s *Sequential[K]) growAndAdopt(leftover K) {
	if s.resizing {
		fatalf("resize", "reentrant resize attempted")
	}
	s.resizing = true
	defer func() { s.resizing = false }()

	next := &Sequential[K]{
		capacity:         s.capacity * 2,
		maxDisplacements: s.maxDisplacements * 2,
		entropy:          s.entropy,
	}
	next.salt1, next.salt2 = hashkey.NewSalts(next.entropy)
	next.tables = [2][]slot[K]{make([]slot[K], next.capacity), make([]slot[K], next.capacity)}

	for t := 0; t < 2; t++ {
		for _, sl := range s.tables[t] {
			if !sl.occupied {
				continue
			}
			if _, ok := next.tryAdd(sl.key); ok {
				next.n++
			} else {
				fatalf("resize", "rehash could not place key %v even at doubled budget (maxDisplacements=%d)", sl.key, next.maxDisplacements)
			}
		}
	}
	if _, ok := next.tryAdd(leftover); ok {
		next.n++
	} else {
		fatalf("resize", "rehash could not place leftover key %v even at doubled budget (maxDisplacements=%d)", leftover, next.maxDisplacements)
	}

	next.resizes = s.resizes + 1
	*s = *next
}

// SequentialStats is point-in-time instrumentation, not part of Set.
type SequentialStats struct {
	Capacity         int
	MaxDisplacements int
	Resizes          int
	Size             int
}

// Stats snapshots the backend's current geometry.
func (s *Sequential[K]) Stats() SequentialStats {
	return SequentialStats{
		Capacity:         s.capacity,
		MaxDisplacements: s.maxDisplacements,
		Resizes:          s.resizes,
		Size:             s.n,
	}
}

func (s *Sequential[K]) String() string {
	return fmt.Sprintf("Sequential{capacity=%d len=%d resizes=%d}", s.capacity, s.n, s.resizes)
}
