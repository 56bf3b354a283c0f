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

// Package hashkey provides the two independent keyed hash functions a
// two-table cuckoo set needs to pick each key's pair of candidate slots.
package hashkey

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
)

// Keyable is the set of key types the package knows how to hash. Backends
// are specialized to uint64 (the driver only ever draws integer keys from
// a value range), but the hash derivation itself works unchanged for any
// fixed-width integer.
type Keyable interface {
	~uint64
}

// encode turns a key into the 8-byte buffer both hash families consume.
func encode[K Keyable](k K) [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	return buf
}

// H1 is the first of the two keyed hash functions, built on xxhash (also
// used this way by templexxx/u64's two-bucket Set, whose bucket0 hash
// function is exactly "hash family, salted key bytes").
func H1[K Keyable](k K, salt uint64) uint64 {
	buf := encode(k ^ K(salt))
	return xxhash.Sum64(buf[:])
}

// H2 is the second keyed hash function. Using a different hash family
// (xxh3, rather than a second salt over the same family) keeps h1 and h2
// independent of each other even apart from the salts, which NewSalts
// already keeps distinct; templexxx/u64's Set pairs xxhash and xxh3 the same way across
// its two buckets.
func H2[K Keyable](k K, salt uint64) uint64 {
	buf := encode(k ^ K(salt))
	return xxh3.Hash(buf[:])
}

// Index reduces a hash to a table slot. capacity is always a power of two
// (enforced by the backends), so the modulo collapses to a mask, the same
// trick the pack's sharded-dict and swiss-table examples use.
func Index(h uint64, capacity int) int {
	return int(h & uint64(capacity-1))
}

// saltMixer is XORed into a freshly drawn salt to derive its counterpart,
// guaranteeing salt1 != salt2 without a retry loop.
const saltMixer = 0x9e3779b97f4a7c15 // golden-ratio constant, as used by
// the pack's fixed-block-map second-hash mixer.

// NewSalts draws two independent, guaranteed-distinct salts from r.
func NewSalts(r EntropySource) (salt1, salt2 uint64) {
	salt1 = r.Uint64()
	salt2 = salt1 ^ saltMixer
	if salt2 == salt1 { // unreachable since saltMixer != 0, kept explicit.
		salt2++
	}
	return salt1, salt2
}

// EntropySource is the minimal randomness a salt generator needs.
type EntropySource interface {
	Uint64() uint64
}
