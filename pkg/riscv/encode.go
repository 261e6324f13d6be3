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

// This file holds the bit-packing inverse of decode.go: encode_<mnemonic>
// writes one instruction's bytes given its mnemonic and fields. None of
// these functions touch a write cursor directly; emit.go's helpers own
// cursor advancement and form selection (compressed vs. full-width).

// EncodeJAL packs a J-type JAL. imm must be a signed, even, 21-bit-range
// byte offset (±1 MiB); callers are responsible for checking range
// before calling (see CheckUJType).
func EncodeJAL(rd Reg, imm int64) uint32 {
	u := uint32(imm)
	var w uint32
	w |= uint32(0x6f)
	w |= uint32(rd) << 7
	w |= (u >> 12 & 0xff) << 12
	w |= (u >> 11 & 1) << 20
	w |= (u >> 1 & 0x3ff) << 21
	w |= (u >> 20 & 1) << 31
	return w
}

// EncodeJALR packs an I-type JALR.
func EncodeJALR(rd, rs1 Reg, imm12 int64) uint32 {
	var w uint32
	w |= 0x67
	w |= uint32(rd) << 7
	w |= uint32(rs1) << 15
	w |= uint32(uint32(imm12)&0xfff) << 20
	return w
}

// EncodeBranch packs a B-type conditional branch.
func EncodeBranch(cond Cond, rs1, rs2 Reg, imm int64) uint32 {
	var funct3 uint32
	switch cond {
	case CondEQ:
		funct3 = 0
	case CondNE:
		funct3 = 1
	case CondLT:
		funct3 = 4
	case CondGE:
		funct3 = 5
	case CondLTU:
		funct3 = 6
	case CondGEU:
		funct3 = 7
	}
	u := uint32(imm)
	var w uint32
	w |= 0x63
	w |= (u >> 11 & 1) << 7
	w |= (u >> 1 & 0xf) << 8
	w |= funct3 << 12
	w |= uint32(rs1) << 15
	w |= uint32(rs2) << 20
	w |= (u >> 5 & 0x3f) << 25
	w |= (u >> 12 & 1) << 31
	return w
}

// EncodeAUIPC packs a U-type AUIPC. imm20 is the already-shifted 32-bit
// value whose low 12 bits are zero (i.e. the semantic result of AUIPC,
// not the raw 20-bit field); only its top 20 bits are stored.
func EncodeAUIPC(rd Reg, imm20 int64) uint32 {
	var w uint32
	w |= 0x17
	w |= uint32(rd) << 7
	w |= uint32(imm20) & 0xfffff000
	return w
}

// EncodeLUI packs a U-type LUI.
func EncodeLUI(rd Reg, imm20 int64) uint32 {
	var w uint32
	w |= 0x37
	w |= uint32(rd) << 7
	w |= uint32(imm20) & 0xfffff000
	return w
}

// EncodeADDI packs an I-type ADDI.
func EncodeADDI(rd, rs1 Reg, imm12 int64) uint32 {
	var w uint32
	w |= 0x13
	w |= uint32(rd) << 7
	w |= uint32(rs1) << 15
	w |= (uint32(imm12) & 0xfff) << 20
	return w
}

// EncodeLD packs an I-type 64-bit load.
func EncodeLD(rd, rs1 Reg, imm12 int64) uint32 {
	var w uint32
	w |= 0x03
	w |= uint32(rd) << 7
	w |= uint32(3) << 12 // funct3 = 011 (LD)
	w |= uint32(rs1) << 15
	w |= (uint32(imm12) & 0xfff) << 20
	return w
}

// EncodeSD packs an S-type 64-bit store.
func EncodeSD(rs1, rs2 Reg, imm12 int64) uint32 {
	u := uint32(imm12)
	var w uint32
	w |= 0x23
	w |= (u & 0x1f) << 7
	w |= uint32(3) << 12 // funct3 = 011 (SD)
	w |= uint32(rs1) << 15
	w |= uint32(rs2) << 20
	w |= ((u >> 5) & 0x7f) << 25
	return w
}

// EncodeLW/EncodeSW are the 32-bit-width counterparts, used by the
// LR.W/SC.W rewrite.
func EncodeLW(rd, rs1 Reg, imm12 int64) uint32 {
	var w uint32
	w |= 0x03
	w |= uint32(rd) << 7
	w |= uint32(2) << 12 // funct3 = 010 (LW)
	w |= uint32(rs1) << 15
	w |= (uint32(imm12) & 0xfff) << 20
	return w
}

// EncodeLRW/EncodeLRD/EncodeSCW/EncodeSCD pack the AMO-encoded
// load-reserved/store-conditional instructions. aq/rl are left clear;
// the translation never needs to change the guest's ordering semantics,
// only its addressing.
func encodeAMO(funct5 uint32, funct3 uint32, rd, rs1, rs2 Reg) uint32 {
	var w uint32
	w |= 0x2f
	w |= uint32(rd) << 7
	w |= funct3 << 12
	w |= uint32(rs1) << 15
	w |= uint32(rs2) << 20
	w |= funct5 << 27
	return w
}

func EncodeLRW(rd, rs1 Reg) uint32 { return encodeAMO(0x02, 0x2, rd, rs1, X0) }
func EncodeLRD(rd, rs1 Reg) uint32 { return encodeAMO(0x02, 0x3, rd, rs1, X0) }
func EncodeSCW(rd, rs1, rs2 Reg) uint32 {
	return encodeAMO(0x03, 0x2, rd, rs1, rs2)
}
func EncodeSCD(rd, rs1, rs2 Reg) uint32 {
	return encodeAMO(0x03, 0x3, rd, rs1, rs2)
}

// --- Compressed encodings ---

// EncodeCJ/EncodeCJAL pack a CJ-type compressed unconditional jump.
func encodeCJOrJAL(funct3 uint16, imm int64) uint16 {
	v := uint16(imm)
	var h uint16
	h |= 0x1
	h |= funct3 << 13
	h |= ((v >> 5) & 1) << 2
	h |= ((v >> 1) & 7) << 3
	h |= ((v >> 7) & 1) << 6
	h |= ((v >> 6) & 1) << 7
	h |= ((v >> 10) & 1) << 8
	h |= ((v >> 8) & 3) << 9
	h |= ((v >> 4) & 1) << 11
	h |= ((v >> 11) & 1) << 12
	return h
}

func EncodeCJ(imm int64) uint16   { return encodeCJOrJAL(0x5, imm) }
func EncodeCJAL(imm int64) uint16 { return encodeCJOrJAL(0x1, imm) }

// EncodeCBEQZ/EncodeCBNEZ pack a CB-type compressed branch-if-zero.
// rs1 must satisfy IsCompressedAddressable(rs1).
func encodeCBranch(funct3 uint16, rs1 Reg, imm int64) uint16 {
	v := uint16(imm)
	var h uint16
	h |= 0x1
	h |= funct3 << 13
	h |= ((v >> 5) & 1) << 2
	h |= ((v >> 1) & 3) << 3
	h |= ((v >> 6) & 3) << 5
	h |= uint16(rs1-X8) << 7
	h |= ((v >> 3) & 3) << 10
	h |= ((v >> 8) & 1) << 12
	return h
}

func EncodeCBEQZ(rs1 Reg, imm int64) uint16 { return encodeCBranch(0x6, rs1, imm) }
func EncodeCBNEZ(rs1 Reg, imm int64) uint16 { return encodeCBranch(0x7, rs1, imm) }

// EncodeCJR/EncodeCJALR pack quadrant-2 compressed register jumps.
func EncodeCJR(rs1 Reg) uint16 {
	var h uint16
	h |= 0x2
	h |= uint16(rs1) << 7
	h |= uint16(4) << 13
	return h
}

func EncodeCJALR(rs1 Reg) uint16 {
	h := EncodeCJR(rs1)
	return h | (1 << 12)
}

// EncodeCADDI packs C.ADDI rd, imm (a 6-bit signed immediate, [-32,31]),
// as used by the stack-adjusting push/pop prologue/epilogue.
func EncodeCADDI(rd Reg, imm int64) uint16 {
	v := uint16(imm)
	var h uint16
	h |= 0x1
	h |= uint16(rd) << 7
	h |= ((v >> 5) & 1) << 12
	h |= v & 0x1f << 2
	return h
}

// EncodeCSDSP packs C.SDSP rs2, offset(sp); offset is a multiple of 8.
func EncodeCSDSP(rs2 Reg, offset int64) uint16 {
	o := uint16(offset)
	var h uint16
	h |= 0x2
	h |= uint16(7) << 13 // funct3 = 111 (C.SDSP)
	h |= uint16(rs2) << 2
	h |= ((o >> 6) & 0x7) << 7 // offset[8:6]
	h |= ((o >> 3) & 0x7) << 10 // offset[5:3]
	return h
}

// EncodeCLDSP packs C.LDSP rd, offset(sp); offset is a multiple of 8.
func EncodeCLDSP(rd Reg, offset int64) uint16 {
	o := uint16(offset)
	var h uint16
	h |= 0x2
	h |= uint16(3) << 13 // funct3 = 011 (C.LDSP)
	h |= uint16(rd) << 7
	h |= ((o >> 6) & 0x7) << 2 // offset[8:6]
	h |= ((o >> 3) & 0x3) << 5 // offset[4:3]
	h |= ((o >> 5) & 1) << 12  // offset[5]
	return h
}
