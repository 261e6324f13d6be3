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

// Mnemonic classifies a decoded instruction. Only the families the
// scanner must treat specially get their own value; every other
// arithmetic/load/store/FP/CSR encoding decodes to Other, because the
// scanner copies those unchanged and never inspects their fields.
type Mnemonic int

const (
	Other Mnemonic = iota
	AUIPC
	JAL
	JALR
	Branch
	ECALL
	LRW
	LRD
	SCW
	SCD
	CJ
	CJAL
	CJR
	CJALR
	CBEQZ
	CBNEZ
	CNOP
)

// Cond is a branch condition, shared by Branch (32-bit) and CBEQZ/CBNEZ
// (compressed, always against zero).
type Cond int

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondGE
	CondLTU
	CondGEU
)

// Fields holds the decomposed operands of a decoded instruction. Which
// fields are meaningful depends on Mnemonic; see the comment on each
// Mnemonic value's producer below.
type Fields struct {
	Rd, Rs1, Rs2 Reg
	Imm          int64 // sign-extended immediate/offset, in the instruction's native units (bytes for branches/jumps)
	Cond         Cond
	Length       int // 2 or 4
}

// InstLength reports the width in bytes of the instruction whose first
// 16 bits are h: 2 for a compressed instruction, 4 otherwise. RISC-V
// instruction length is self-describing from the low two bits of the
// first half-word.
func InstLength(h uint16) int {
	if h&0x3 == 0x3 {
		return 4
	}
	return 2
}

// Decode decodes the instruction beginning at addr (the instruction's
// own guest address, used only to report Length; Decode never reads
// memory beyond the bytes given). bytes must contain at least 2 valid
// bytes, and at least 4 if the first half-word indicates a full-width
// instruction.
func Decode(bytes []byte, addr uint64) (Mnemonic, Fields) {
	h0 := binary.LittleEndian.Uint16(bytes)
	if InstLength(h0) == 2 {
		return decode16(h0)
	}
	w := binary.LittleEndian.Uint32(bytes)
	return decode32(w)
}

func signExtend(v uint64, bit uint) int64 {
	shift := 63 - bit
	return int64(v<<shift) >> shift
}

func decode32(w uint32) (Mnemonic, Fields) {
	opcode := w & 0x7f
	rd := Reg((w >> 7) & 0x1f)
	funct3 := (w >> 12) & 0x7
	rs1 := Reg((w >> 15) & 0x1f)
	rs2 := Reg((w >> 20) & 0x1f)
	funct7 := (w >> 25) & 0x7f

	f := Fields{Rd: rd, Rs1: rs1, Rs2: rs2, Length: 4}

	switch opcode {
	case 0x17: // AUIPC
		f.Imm = int64(int32(w & 0xfffff000))
		return AUIPC, f
	case 0x6f: // JAL
		imm := uint64((w>>31)&1)<<20 | uint64((w>>21)&0x3ff)<<1 | uint64((w>>20)&1)<<11 | uint64((w>>12)&0xff)<<12
		f.Imm = signExtend(imm, 20)
		return JAL, f
	case 0x67: // JALR
		if funct3 == 0 {
			f.Imm = signExtend(uint64(w>>20), 11)
			return JALR, f
		}
	case 0x63: // Branch
		imm := uint64((w>>31)&1)<<12 | uint64((w>>7)&1)<<11 | uint64((w>>25)&0x3f)<<5 | uint64((w>>8)&0xf)<<1
		f.Imm = signExtend(imm, 12)
		switch funct3 {
		case 0x0:
			f.Cond = CondEQ
		case 0x1:
			f.Cond = CondNE
		case 0x4:
			f.Cond = CondLT
		case 0x5:
			f.Cond = CondGE
		case 0x6:
			f.Cond = CondLTU
		case 0x7:
			f.Cond = CondGEU
		default:
			return Other, Fields{Length: 4}
		}
		return Branch, f
	case 0x73: // SYSTEM
		if w>>20 == 0 && rd == 0 && rs1 == 0 && funct3 == 0 {
			return ECALL, Fields{Length: 4}
		}
	case 0x2f: // AMO
		funct5 := funct7 >> 2
		switch {
		case funct5 == 0x02 && funct3 == 0x2:
			return LRW, f
		case funct5 == 0x02 && funct3 == 0x3:
			return LRD, f
		case funct5 == 0x03 && funct3 == 0x2:
			return SCW, f
		case funct5 == 0x03 && funct3 == 0x3:
			return SCD, f
		}
	}
	return Other, Fields{Length: 4}
}

func decode16(h uint16) (Mnemonic, Fields) {
	quadrant := h & 0x3
	funct3 := (h >> 13) & 0x7
	f := Fields{Length: 2}

	switch quadrant {
	case 0x1:
		switch funct3 {
		case 0x0: // C.ADDI, rd=rs1=0,imm=0 is C.NOP
			rd := Reg((h >> 7) & 0x1f)
			imm := ((h >> 12) & 1) << 5
			imm |= (h >> 2) & 0x1f
			if rd == 0 && imm == 0 {
				return CNOP, f
			}
		case 0x1: // C.JAL (rd=x1 implicit), RV32/RV64-extension form per spec
			imm := cjImm(h)
			f.Imm = imm
			f.Rd = X1
			return CJAL, f
		case 0x5: // C.J
			imm := cjImm(h)
			f.Imm = imm
			f.Rd = X0
			return CJ, f
		case 0x6: // C.BEQZ
			f.Rs1 = Reg((h>>7)&0x7) + X8
			f.Imm = cbImm(h)
			return CBEQZ, f
		case 0x7: // C.BNEZ
			f.Rs1 = Reg((h>>7)&0x7) + X8
			f.Imm = cbImm(h)
			return CBNEZ, f
		}
	case 0x2:
		if funct3 == 0x4 {
			rs1 := Reg((h >> 7) & 0x1f)
			rs2 := Reg((h >> 2) & 0x1f)
			bit12 := (h >> 12) & 1
			if rs2 == 0 {
				f.Rs1 = rs1
				if bit12 == 0 {
					return CJR, f
				}
				f.Rd = X1
				return CJALR, f
			}
			// C.MV / C.ADD: not control flow, fall through to Other.
		}
	}
	return Other, f
}

// cjImm decodes a CJ-type (C.J/C.JAL) 11-bit signed offset.
func cjImm(h uint16) int64 {
	v := uint64(h)
	imm := ((v >> 12) & 1) << 11
	imm |= ((v >> 11) & 1) << 4
	imm |= ((v >> 9) & 3) << 8
	imm |= ((v >> 8) & 1) << 10
	imm |= ((v >> 7) & 1) << 6
	imm |= ((v >> 6) & 1) << 7
	imm |= ((v >> 3) & 7) << 1
	imm |= ((v >> 2) & 1) << 5
	return signExtend(imm, 11)
}

// cbImm decodes a CB-type (C.BEQZ/C.BNEZ) 8-bit signed offset.
func cbImm(h uint16) int64 {
	v := uint64(h)
	imm := ((v >> 12) & 1) << 8
	imm |= ((v >> 10) & 3) << 3
	imm |= ((v >> 5) & 3) << 6
	imm |= ((v >> 3) & 3) << 1
	imm |= ((v >> 2) & 1) << 5
	return signExtend(imm, 8)
}
