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

// Package codecache implements the per-thread translation arena: a
// fixed slot allocator, fragment metadata, and the open-addressed
// SPC->TPC hash table the dispatcher probes.
package codecache

import "github.com/UzL-ITS/MAMBO-V/pkg/riscv"

// ExitBranchType classifies how a fragment leaves translated code,
// which in turn determines what linking/unlinking does to its stub.
type ExitBranchType int

const (
	// Unknown marks a fragment whose exit has not yet been classified
	// (freshly allocated, before the scanner has reached a
	// control-flow instruction).
	Unknown ExitBranchType = iota
	UncondImm
	UncondReg
	CondImm
	TraceExit
)

// CacheStatus is a bitmask recording which side(s) of a fragment's exit
// stub have been linked directly to a discovered translation.
type CacheStatus uint8

const (
	TakenLinked   CacheStatus = 1 << 0
	SkippedLinked CacheStatus = 1 << 1
	BothLinked                = TakenLinked | SkippedLinked
)

// BranchCondition is the {r1, r2, cond} tuple recorded for a
// conditional exit, sufficient for the signal handler to re-evaluate
// the branch against a trapped context's register file.
type BranchCondition struct {
	R1, R2 riscv.Reg
	Cond   riscv.Cond
}

// Fragment is the metadata gVisor's subprocess/thread bookkeeping would
// call a "context": one entry per code-cache slot, mutated by the
// scanner at creation, by the dispatcher during linking, and by the
// signal layer during unlink/relink.
type Fragment struct {
	// ID is this fragment's own slot index; stored redundantly on the
	// value (rather than only the array index) so that a reference
	// obtained via ActualID's cache-cache indirection still reports
	// its true identity.
	ID int

	// EntryAddr is the TPC the dispatcher jumps to in order to execute
	// this fragment from its first translated instruction; fixed at
	// allocation, unlike ExitBranchAddr which the scanner only learns
	// once it reaches the block's terminating instruction.
	EntryAddr uint64

	ExitBranchType ExitBranchType
	ExitBranchAddr uint64 // translated-cache address where the exit stub begins

	BranchTakenAddr   uint64 // guest (source) target, taken side
	BranchSkippedAddr uint64 // guest (source) target, fallthrough side
	BranchCondition   BranchCondition

	// CondExitTailAddr is where a CondImm fragment's dispatcher-call
	// tail begins (the "li x11, block_id" that follows the shared
	// branch/jump prelude); once both sides are linked the dispatcher
	// overwrites it with a direct jump to the second-linked side.
	CondExitTailAddr uint64

	Rn riscv.Reg // register holding the indirect-branch target (UncondReg)

	BranchCacheStatus CacheStatus

	// ActualID is set when this slot is an overflow slot: the scanner
	// ran out of room mid-emission and allocated a fresh block,
	// leaving this entry as a forwarding pointer to the logical
	// fragment that continues here.
	ActualID int
	Overflow bool

	// SavedExit backs up the original stub bytes before an unlink
	// trap overwrote them, so relink can restore them byte-for-byte
	// (P4).
	SavedExit []byte

	// SavedTail backs up the bytes at CondExitTailAddr, separately from
	// SavedExit, for a BothLinked CondImm fragment: unlinking such a
	// fragment traps both the NOP1/NOP2 prelude and the tail jump, and
	// each needs its own restore copy since they are disjoint regions of
	// the stub.
	SavedTail []byte

	// FreeB is the number of bytes still available in this slot,
	// consulted when growing a trace.
	FreeB int
}

// NewFragment returns a zero-value Fragment identified by id.
func NewFragment(id int) *Fragment {
	return &Fragment{ID: id, ExitBranchType: Unknown}
}
