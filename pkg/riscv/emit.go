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

package riscv

import "encoding/binary"

// Writer is the write cursor the emit helpers advance. It is a thin
// wrapper around a byte slice rather than an io.Writer because emitted
// code must sometimes be patched in place after the fact (reserved
// branches, linking) -- something io.Writer cannot express.
type Writer struct {
	buf []byte
	pc  uint64 // address buf[0] will be mapped to once installed in the code cache
}

// NewWriter returns a Writer that will append to buf (typically a slice
// into a fragment's reserved cache slot) starting at virtual address pc.
func NewWriter(buf []byte, pc uint64) *Writer {
	return &Writer{buf: buf, pc: pc}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PC returns the address the next byte written will occupy.
func (w *Writer) PC() uint64 { return w.pc + uint64(len(w.buf)) }

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) put16(h uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], h)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) put32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// MaxFcallArgs is the largest argno emit_safe_fcall accepts on RV64,
// matching the platform's 8 integer argument registers (a0..a7).
const MaxFcallArgs = 8

// EmitPush spills the registers in mask (low index first) against the
// guest stack pointer. Paired with EmitPop using the same mask, the
// sequence is balanced: sp is restored to its entry value. The sp
// adjustment is a C.ADDI when it fits that 6-bit immediate and a full
// ADDI otherwise.
func EmitPush(w *Writer, mask Mask) {
	regs := mask.Regs()
	if len(regs) == 0 {
		return
	}
	n := int64(len(regs))
	if fitsSigned(-8*n, 6) {
		w.put16(EncodeCADDI(X2, -8*n))
	} else {
		w.put32(EncodeADDI(X2, X2, -8*n))
	}
	for i, r := range regs {
		w.put16(EncodeCSDSP(r, int64(i)*8))
	}
}

// EmitPop reloads the registers in mask (high index first, the reverse
// of EmitPush) and restores sp.
func EmitPop(w *Writer, mask Mask) {
	regs := mask.Regs()
	if len(regs) == 0 {
		return
	}
	n := int64(len(regs))
	for i := len(regs) - 1; i >= 0; i-- {
		w.put16(EncodeCLDSP(regs[i], int64(i)*8))
	}
	if fitsSigned(8*n, 6) {
		w.put16(EncodeCADDI(X2, 8*n))
	} else {
		w.put32(EncodeADDI(X2, X2, 8*n))
	}
}

// fitsSigned reports whether v fits in a signed field of bits width.
func fitsSigned(v int64, bits uint) bool {
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return v >= lo && v <= hi
}

// EmitSetReg32 materializes an arbitrary 32-bit immediate into reg,
// sign-extended to 64 bits, using a single ADDI when it fits 12 bits and
// otherwise one LUI (20-bit upper) plus, if the low 12 bits are
// non-zero, one ADDIW.
func EmitSetReg32(w *Writer, reg Reg, imm int32) {
	v := int64(imm)
	if fitsSigned(v, 12) {
		w.put32(EncodeADDI(reg, X0, v))
		return
	}
	// Split so that LUI's upper bits plus ADDI's sign-extended low 12
	// bits reconstruct v exactly: bias the upper half by the sign of
	// the low 12 bits.
	low := v << 52 >> 52 // sign-extend low 12 bits
	upper := v - low
	w.put32(EncodeLUI(reg, upper))
	if low != 0 {
		// ADDIW is ADDI's I-type layout under opcode 0x1b; its 32-bit
		// wrap undoes LUI's RV64 sign extension when upper is 0x80000000.
		w.put32(EncodeADDI(reg, reg, low)&^0x7f | 0x1b)
	}
}

// EmitSetReg64 materializes an arbitrary 64-bit immediate by loading it
// from an inlined constant word, reached via a PC-relative AUIPC+LD and
// skipped over by a forward jump so the literal is never executed as
// code.
func EmitSetReg64(w *Writer, reg Reg, imm uint64) {
	// AUIPC reg, 0 ; LD reg, 12(reg) ; JAL x0, +12 ; <8-byte literal>
	auipcPC := w.PC()
	w.put32(EncodeAUIPC(reg, 0))
	ldOff := int64(12)
	w.put32(EncodeLD(reg, reg, ldOff))
	w.put32(EncodeJAL(X0, 12))
	var lit [8]byte
	binary.LittleEndian.PutUint64(lit[:], imm)
	w.buf = append(w.buf, lit[:]...)
	_ = auipcPC
}

// EmitFcall transfers control to ptr with a large jump and no
// caller-save preservation; the caller is responsible for saving
// anything it needs across the call. tmp is clobbered.
func EmitFcall(w *Writer, ptr uint64, link, tmp Reg) {
	EmitLargeJump(w, ptr, link, tmp)
}

// ArgMask returns the register mask covering the first n integer
// argument registers (a0=x10..a7=x17).
func ArgMask(n int) Mask {
	var m Mask
	for i := 0; i < n; i++ {
		m |= RegMask(Reg(10 + i))
	}
	return m
}

// EmitSafeFcall spills all caller-saved argument registers plus the
// link/return-address and scratch registers, then calls ptr and
// restores on return. It returns an error if argno exceeds
// MaxFcallArgs; on error nothing is emitted.
func EmitSafeFcall(w *Writer, ptr uint64, argno int) error {
	if argno > MaxFcallArgs {
		return errTooManyArgs
	}
	// a0..a7 and ra, then t0..t6.
	saved := ArgMask(MaxFcallArgs) | RegMask(X1)
	for _, r := range []Reg{5, 6, 7, 28, 29, 30, 31} {
		saved |= RegMask(r)
	}
	EmitPush(w, saved)
	EmitLargeJump(w, ptr, X1, X31)
	EmitPop(w, saved)
	return nil
}

var errTooManyArgs = &emitError{"argno exceeds platform maximum"}

type emitError struct{ msg string }

func (e *emitError) Error() string { return e.msg }

// CheckCBType, CheckCJType, CheckUJType and CheckSBType report whether
// offset fits the corresponding immediate encoding. rs1 additionally
// constrains the compressed branch forms to x8..x15.
func CheckCBType(offset int64, rs1 Reg) bool {
	return IsCompressedAddressable(rs1) && offset >= -256 && offset < 256 && offset&1 == 0
}
func CheckCJType(offset int64) bool { return offset >= -2048 && offset < 2048 && offset&1 == 0 }
func CheckUJType(offset int64) bool {
	return offset >= -(1<<20) && offset < (1<<20) && offset&1 == 0
}
func CheckSBType(offset int64) bool { return offset >= -4096 && offset < 4096 && offset&1 == 0 }

// EmitBranch emits an unconditional jump from the current write cursor
// to target, choosing the compressed form when possible. link selects
// whether the link register (x1) is set (JAL semantics); compressed
// C.J/C.JAL is chosen to match. Returns the number of bytes emitted, or
// -1 if target is unreachable from any available form.
func EmitBranch(w *Writer, target uint64, link bool) int {
	offset := int64(target) - int64(w.PC())
	if offset&1 != 0 {
		return -1
	}
	start := w.Len()
	if CheckCJType(offset) {
		if link {
			w.put16(EncodeCJAL(offset))
		} else {
			w.put16(EncodeCJ(offset))
		}
		return w.Len() - start
	}
	if CheckUJType(offset) {
		rd := X0
		if link {
			rd = X1
		}
		w.put32(EncodeJAL(rd, offset))
		return w.Len() - start
	}
	return -1
}

// EmitBranchCond emits a conditional branch, preferring the compressed
// C.BEQZ/C.BNEZ encoding when cond is EQ/NE against x0 and reg is in
// x8..x15, then the 4-byte B-form, returning -1 if target is outside
// B-type reach (callers must fall back to EmitLargeJump via an inverted
// branch in that case).
func EmitBranchCond(w *Writer, target uint64, cond Cond, rs1, rs2 Reg) int {
	offset := int64(target) - int64(w.PC())
	if offset&1 != 0 {
		return -1
	}
	start := w.Len()
	if rs2 == X0 && (cond == CondEQ || cond == CondNE) && CheckCBType(offset, rs1) {
		if cond == CondEQ {
			w.put16(EncodeCBEQZ(rs1, offset))
		} else {
			w.put16(EncodeCBNEZ(rs1, offset))
		}
		return w.Len() - start
	}
	if CheckSBType(offset) {
		w.put32(EncodeBranch(cond, rs1, rs2, offset))
		return w.Len() - start
	}
	return -1
}

// EmitBranchCondWide always emits the 4-byte B-type encoding, never the
// compressed CB alternative EmitBranchCond prefers. Call sites that
// reserve a fixed-width placeholder for a branch they will retarget
// later (the conditional exit stub) need the width guarantee, not the
// space saving.
func EmitBranchCondWide(w *Writer, target uint64, cond Cond, rs1, rs2 Reg) int {
	offset := int64(target) - int64(w.PC())
	if offset&1 != 0 || !CheckSBType(offset) {
		return -1
	}
	start := w.Len()
	w.put32(EncodeBranch(cond, rs1, rs2, offset))
	return w.Len() - start
}

// InvertCond returns the condition that holds exactly when cond does
// not; used by the dispatcher to re-poll a conditional exit's untaken
// side without re-decoding the original instruction.
func InvertCond(cond Cond) Cond {
	switch cond {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondLTU:
		return CondGEU
	case CondGEU:
		return CondLTU
	default:
		return cond
	}
}

// EmitBranchCbz/EmitBranchCbnz are convenience wrappers over
// EmitBranchCond comparing reg against x0.
func EmitBranchCbz(w *Writer, target uint64, reg Reg) int {
	return EmitBranchCond(w, target, CondEQ, reg, X0)
}
func EmitBranchCbnz(w *Writer, target uint64, reg Reg) int {
	return EmitBranchCond(w, target, CondNE, reg, X0)
}

// biasedHiLo splits a PC-relative byte offset into an AUIPC upper
// immediate and a JALR low 12-bit immediate such that hi+lo == offset,
// correcting for JALR's low-immediate sign extension (the classic
// RISC-V +0x800 bias).
func biasedHiLo(offset int64) (hi, lo int64, ok bool) {
	lo = offset << 52 >> 52 // sign-extend low 12 bits
	hi = offset - lo
	if !fitsSigned(hi>>12, 20) {
		return 0, 0, false
	}
	return hi, lo, true
}

// EmitLargeJump emits an arbitrary 64-bit-reachable jump to target:
// AUIPC tmp, hi ; JALR link, lo(tmp). It fails (returns false, emits
// nothing) when the PC-relative offset does not fit in 32 bits after
// sign-correction.
func EmitLargeJump(w *Writer, target uint64, link, tmp Reg) bool {
	offset := int64(target) - int64(w.PC())
	hi, lo, ok := biasedHiLo(offset)
	if !ok {
		return false
	}
	w.put32(EncodeAUIPC(tmp, hi))
	w.put32(EncodeJALR(link, tmp, lo))
	return true
}

// ReservedBranch is a handle returned by ReserveBranch identifying a
// NOP placeholder to be resolved later by EmitLocalBranch /
// EmitLocalBranchCond. All placeholders must be resolved before the
// enclosing block is sealed; an unresolved handle is a programmer
// error, not a runtime condition, and is asserted against in tests
// rather than handled at runtime.
type ReservedBranch struct {
	offset int // byte offset into the Writer's buffer
	width  int // 2 or 4; the widest form EmitLocal* may resolve it to
}

// ReserveBranch writes a NOP placeholder (one or two C.NOP instructions,
// matching the width requested) and returns a handle to it.
func ReserveBranch(w *Writer, width int) ReservedBranch {
	h := ReservedBranch{offset: w.Len(), width: width}
	switch width {
	case 2:
		w.put16(nopHalf)
	case 4:
		w.put16(nopHalf)
		w.put16(nopHalf)
	default:
		panic("riscv: ReserveBranch: width must be 2 or 4")
	}
	return h
}

// Emit32 appends one full-width (4-byte) instruction word.
func Emit32(w *Writer, v uint32) { w.put32(v) }

// Emit16 appends one compressed (2-byte) instruction half-word.
func Emit16(w *Writer, h uint16) { w.put16(h) }

// NopWord is the full-width NOP (ADDI x0, x0, 0), used where the
// scanner must reserve fixed 4-byte slots for the dispatcher to patch
// in a lookup-link jump at first-link time; the scanner itself never
// resolves these.
const NopWord uint32 = 0x00000013

// EmitNop32 appends one full-width NOP instruction.
func EmitNop32(w *Writer) { w.put32(NopWord) }

// EmitRaw appends bytes verbatim, advancing the cursor by len(bytes).
// Used to copy an instruction through unmodified when no rewriting is
// required.
func EmitRaw(w *Writer, bytes []byte) {
	w.buf = append(w.buf, bytes...)
}

// nopHalf is C.NOP (C.ADDI x0, 0): the original source places two C.NOP
// half-words rather than one 32-bit NOP precisely so a later 16-bit
// replacement leaves the second C.NOP in place and the block stays
// functional.
const nopHalf uint16 = 0x0001

// EmitLocalBranch resolves a reserved unconditional-branch placeholder
// to jump to target.
func EmitLocalBranch(w *Writer, h ReservedBranch, target uint64) {
	patchBranch(w, h, func(pw *Writer) int { return EmitBranch(pw, target, false) })
}

// EmitLocalBranchCond resolves a reserved conditional-branch
// placeholder.
func EmitLocalBranchCond(w *Writer, h ReservedBranch, target uint64, cond Cond, rs1, rs2 Reg) {
	patchBranch(w, h, func(pw *Writer) int { return EmitBranchCond(pw, target, cond, rs1, rs2) })
}

// EmitLocalBranchCondWide resolves a reserved conditional-branch
// placeholder to the wide (non-compressed) form; see
// EmitBranchCondWide.
func EmitLocalBranchCondWide(w *Writer, h ReservedBranch, target uint64, cond Cond, rs1, rs2 Reg) {
	patchBranch(w, h, func(pw *Writer) int { return EmitBranchCondWide(pw, target, cond, rs1, rs2) })
}

// patchBranch re-targets a reserved placeholder in place: it encodes
// the branch into a scratch writer positioned at the placeholder's
// address, then copies the result back over the front of the reserved
// bytes. The emitted form may be narrower than the reservation (a 2-byte
// form in a 4-byte slot leaves the second C.NOP in place) but not wider.
func patchBranch(w *Writer, h ReservedBranch, encode func(*Writer) int) {
	scratch := &Writer{pc: w.pc + uint64(h.offset)}
	n := encode(scratch)
	if n < 0 || n > h.width {
		panic("riscv: EmitLocalBranch*: resolved form does not fit the reserved placeholder width")
	}
	copy(w.buf[h.offset:h.offset+h.width], scratch.buf)
}
