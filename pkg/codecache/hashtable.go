// Copyright 2024 The MAMBO-V Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codecache

import "sync/atomic"

// DefaultCapacity is H from the data model: a power of two (2^19)
// giving low collision rates for typical guest working sets while
// keeping the table a fixed, pre-sized array with no rehashing.
const DefaultCapacity = 1 << 19

// entry is one {spc, tpc} slot, 16 bytes wide. No emitted code indexes
// the table directly; the scanner emits no inline hash lookup.
type entry struct {
	spc uint64
	tpc uint64
}

// HashTable is the open-addressed SPC->TPC map owned by one thread. It
// is read by the dispatcher; no emitted code probes it, since the
// scanner has no inline hash lookup. Only the owning thread ever writes
// to it, so
// the atomics here exist purely to give cross-thread *readers* (none in
// the current design, but a future trace-cache sharing scheme might
// add one) a consistent view, per I1 and the data model's insert
// ordering guarantee.
type HashTable struct {
	entries []entry
	mask    uint64 // capacity-1; capacity is always a power of two
}

// NewHashTable returns an empty table with the given capacity, rounded
// up to the next power of two if necessary.
func NewHashTable(capacity int) *HashTable {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := 1
	for c < capacity {
		c <<= 1
	}
	return &HashTable{entries: make([]entry, c), mask: uint64(c - 1)}
}

// Cap returns the table's fixed capacity.
func (h *HashTable) Cap() int { return len(h.entries) }

func (h *HashTable) probeStart(spc uint64) uint64 {
	return spc & h.mask
}

// spcAt loads an entry's key with acquire-like semantics: insert's
// final, ordering-significant write is to spc, so a non-zero read here
// guarantees the paired tpc write already happened-before it.
func (h *HashTable) spcAt(i uint64) uint64 {
	return atomic.LoadUint64(&h.entries[i].spc)
}

// Lookup returns the tpc stored for spc and true, or (0, false) on a
// miss. An empty slot (spc == 0) terminates the linear probe (I1: the
// table is a function, so a miss is unambiguous).
func (h *HashTable) Lookup(spc uint64) (uint64, bool) {
	if spc == 0 {
		return 0, false
	}
	i := h.probeStart(spc)
	for {
		got := h.spcAt(i)
		if got == 0 {
			return 0, false
		}
		if got == spc {
			return h.entries[i].tpc, true
		}
		i = (i + 1) & h.mask
	}
}

// ErrFull is returned by Insert when the table has no empty slot left
// anywhere in the probe sequence starting at spc -- in practice
// unreachable for a well-sized table, but checked rather than looped
// forever.
var ErrFull = tableError("codecache: hash table has no free slot")

type tableError string

func (e tableError) Error() string { return string(e) }

// Insert records spc -> tpc. Per the data model's ordering guarantee,
// the payload (tpc) is written before the key (spc); a concurrent
// reader of Lookup therefore only ever observes "empty" or "fully
// valid", never a torn entry (I1, I4). Insert never overwrites an
// existing mapping; MAMBO-V's design never re-scans a resident SPC.
func (h *HashTable) Insert(spc, tpc uint64) error {
	i := h.probeStart(spc)
	for n := 0; n < len(h.entries); n++ {
		if h.spcAt(i) == 0 {
			h.entries[i].tpc = tpc
			atomic.StoreUint64(&h.entries[i].spc, spc)
			return nil
		}
		i = (i + 1) & h.mask
	}
	return ErrFull
}
