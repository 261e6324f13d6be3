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

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

// BBSlotHalfwords is BBSIZE from the data model: the fixed size, in
// 16-bit units, of a single basic-block slot. 512 half-words (1 KiB)
// comfortably holds a translated block plus its exit stub for the
// overwhelming majority of guest basic blocks; larger blocks overflow
// into a fresh slot via CheckFreeSpace.
const BBSlotHalfwords = 512

// BBSlotBytes is the byte size of one basic-block slot.
const BBSlotBytes = BBSlotHalfwords * 2

// MinFreeSpace is MIN_FSPACE from §4.4: the scanner must guarantee at
// least this many free bytes remain in the current slot after every
// non-terminal instruction, wide enough for the widest single
// translated instruction plus its growth margin.
const MinFreeSpace = 68

// Cache is one thread's private code-cache arena: a contiguous,
// executable mmap split into a basic-block region and a (currently
// unused, see the open question on trace caching) trace region, plus
// the fragment metadata and hash table that index it.
type Cache struct {
	mem []byte // the entire mmap'd arena

	bbSlots    int
	bbRegion   []byte
	traceBytes int
	traceRegion []byte

	// NextFree is the bump allocator index into bbRegion; I5: it only
	// ever increases, and a slot is never reused within the thread's
	// lifetime.
	NextFree int
	// TraceID is the logical index above which fragment ids, if ever
	// allocated (see the open question on trace caching), belong to
	// the trace cache rather than the basic-block cache.
	TraceID int

	Fragments []*Fragment
	Hash      *HashTable
}

// New allocates a Cache with room for bbSlots basic-block slots and
// traceBytes of trace-region space (pass 0 to omit the trace region;
// MAMBO-V's trace cache is an optional, never-finished second tier per
// spec.md's open questions, so the common case has no trace memory
// at all). The returned arena is PROT_READ|PROT_WRITE|PROT_EXEC so
// translated code can execute directly from it; real deployments
// should instead map it RW, emit, then mprotect to RX, but MAMBO-V's
// own stub relies on immediate in-place patching (linking) and keeps
// the simpler always-executable mapping.
func New(bbSlots, traceBytes int, hashCapacity int) (*Cache, error) {
	size := bbSlots*BBSlotBytes + traceBytes
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "codecache: mmap arena")
	}
	return &Cache{
		mem:         mem,
		bbSlots:     bbSlots,
		bbRegion:    mem[:bbSlots*BBSlotBytes],
		traceBytes:  traceBytes,
		traceRegion: mem[bbSlots*BBSlotBytes:],
		Fragments:   make([]*Fragment, 0, bbSlots),
		Hash:        NewHashTable(hashCapacity),
	}, nil
}

// Close unmaps the arena. Callers must ensure no thread is executing
// out of it.
func (c *Cache) Close() error {
	if c.mem == nil {
		return nil
	}
	err := unix.Munmap(c.mem)
	c.mem = nil
	return err
}

// BaseAddr returns the address the arena's first byte is currently
// mapped at. TPC values are absolute addresses inside the arena that
// starts here (I2).
func (c *Cache) BaseAddr() uint64 {
	if len(c.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&c.mem[0])))
}

// ErrCacheExhausted is returned by AllocateBB when every basic-block
// slot has already been handed out; per §7, the dispatcher responds by
// aborting the thread.
var ErrCacheExhausted = errors.New("codecache: basic-block arena exhausted")

// AllocateBB bumps NextFree and returns a fresh fragment plus a Writer
// positioned at the start of its slot.
func (c *Cache) AllocateBB() (*Fragment, *riscv.Writer, error) {
	if c.NextFree >= c.bbSlots {
		return nil, nil, ErrCacheExhausted
	}
	id := c.NextFree
	c.NextFree++

	f := NewFragment(id)
	c.Fragments = append(c.Fragments, f)

	start := id * BBSlotBytes
	slot := c.bbRegion[start : start : start+BBSlotBytes]
	w := riscv.NewWriter(slot, c.BaseAddr()+uint64(start))
	f.EntryAddr = w.PC()
	f.ExitBranchAddr = w.PC()
	f.FreeB = BBSlotBytes
	return f, w, nil
}

// PatchBytes overwrites len(data) bytes starting at the cache address
// addr, used by linking/unlinking to splice a new instruction sequence
// over an already-emitted placeholder. The caller is responsible for
// the ordering guarantees linking/unlinking need (I3): PatchBytes
// itself performs a plain copy.
func (c *Cache) PatchBytes(addr uint64, data []byte) error {
	base := c.BaseAddr()
	if addr < base || addr+uint64(len(data)) > base+uint64(len(c.mem)) {
		return errors.New("codecache: patch address out of range")
	}
	off := addr - base
	copy(c.mem[off:off+uint64(len(data))], data)
	return nil
}

// ReadBytes copies len(out) bytes starting at the cache address addr
// into out, the read-side counterpart to PatchBytes used by the signal
// layer to back up a stub before overwriting it with trap opcodes.
func (c *Cache) ReadBytes(addr uint64, out []byte) error {
	base := c.BaseAddr()
	if addr < base || addr+uint64(len(out)) > base+uint64(len(c.mem)) {
		return errors.New("codecache: read address out of range")
	}
	off := addr - base
	copy(out, c.mem[off:off+uint64(len(out))])
	return nil
}

// FlushICache makes code written via PatchBytes visible to the
// processor's instruction fetch path. On most of Go's supported ports
// the runtime/OS already guarantee coherency for mmap'd
// PROT_EXEC pages without an explicit FENCE.I; a RISC-V host that
// needs one would issue it here.
func (c *Cache) FlushICache() {}

// Fragment returns the metadata for fragment id.
func (c *Cache) Fragment(id int) *Fragment {
	return c.Fragments[id]
}

// SlotEnd returns the address one past the end of fragment id's slot.
func (c *Cache) SlotEnd(id int) uint64 {
	return c.BaseAddr() + uint64((id+1)*BBSlotBytes)
}

// RemainingSpace reports how many bytes are left before w runs off the
// end of fragment id's slot.
func (c *Cache) RemainingSpace(id int, w *riscv.Writer) int {
	return int(c.SlotEnd(id) - w.PC())
}

// CheckFreeSpace implements check_free_space: if fewer than need bytes
// remain in the current slot, it allocates a fresh overflow slot, emits
// an unconditional branch bridging the old slot to the new one, marks
// the new fragment as an overflow slot whose ActualID is the old
// fragment's id, and returns the new fragment and a Writer continuing
// translation there. If enough space remains, it returns (nil, w,
// false) unchanged. Callers translating a sequence wider than one
// instruction (the conditional-exit stub, the indirect-exit stub) pass
// the sequence's worst-case size instead of
// MinFreeSpace so the whole sequence is guaranteed to land in one slot.
func (c *Cache) CheckFreeSpace(f *Fragment, w *riscv.Writer, need int) (*Fragment, *riscv.Writer, bool, error) {
	if c.RemainingSpace(f.ID, w) >= need {
		return nil, w, false, nil
	}
	next, nw, err := c.AllocateBB()
	if err != nil {
		return nil, nil, false, err
	}
	if riscv.EmitBranch(w, nw.PC(), false) < 0 {
		return nil, nil, false, errors.New("codecache: overflow bridge branch unreachable")
	}
	next.ActualID = f.ID
	next.Overflow = true
	f.FreeB = c.RemainingSpace(f.ID, w)
	return next, nw, true, nil
}
