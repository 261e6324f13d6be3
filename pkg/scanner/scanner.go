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

// Package scanner implements the basic-block translator: it walks
// guest instructions one at a time, copies or rewrites each into the
// current fragment, and finishes every block with an exit stub that
// routes control back through the dispatcher. Indirect and conditional
// exits embed enough metadata in the fragment for later linking and
// unlinking; direct exits additionally reserve room for a dispatcher-
// written lookup-link jump.
package scanner

import (
	"github.com/pkg/errors"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

// condExitBytes and indirectExitBytes bound the sizes of the
// conditional-exit and indirect-exit sequences;
// the scanner asks the cache for this much headroom before starting
// either sequence so it never splits one across two slots.
const (
	condExitBytes    = 78
	indirectExitBytes = 104
)

// DispatchPopBytes is the fixed size of the EmitPop(x10, x11) every
// fragment opens with: two C.LDSP plus one C.ADDI. A dispatcher link
// that bypasses a source stub's own push must land past this many
// bytes into the destination fragment, since nothing pushed the values
// this pop would otherwise restore.
const DispatchPopBytes = 6

// Config carries the two fixed addresses every exit stub and syscall
// passthrough needs to reach.
type Config struct {
	DispatcherAddr     uint64
	SyscallWrapperAddr uint64
}

// state threads the cache, the plugin registry, and the current write
// position through one Scan call. orig is the fragment returned to the
// caller and the one exit metadata is always recorded on; cur is the
// fragment physically backing the writer right now, which may be a
// later overflow slot chained to orig via ActualID.
type state struct {
	cache *codecache.Cache
	regs  *plugin.Registry
	guest GuestMemory
	cfg   Config

	orig *codecache.Fragment
	cur  *codecache.Fragment
	w    *riscv.Writer

	// watchName/watchAddr identify the watched function this block is
	// the entry block of, if any; a FunctionPost callback fires for a
	// return-shaped instruction translated while they are set. This
	// only catches a return in the same basic block as the entry,
	// which covers the small leaf-shaped shims (malloc/free and
	// friends) watched_functions exists for, not arbitrary
	// interprocedural control flow.
	watchName string
	watchAddr uint64
}

// Scan translates one basic block starting at the guest address spc
// into a fresh fragment, delivering PreFragment/PreBB/PreInst/PostInst
// callbacks as it goes. It returns the (logical) fragment the block was
// emitted into; its ExitBranchType and related fields describe how to
// link it.
func Scan(cache *codecache.Cache, regs *plugin.Registry, guest GuestMemory, spc uint64, cfg Config) (*codecache.Fragment, error) {
	f, w, err := cache.AllocateBB()
	if err != nil {
		return nil, errors.Wrap(err, "scanner: allocate fragment")
	}

	s := &state{cache: cache, regs: regs, guest: guest, cfg: cfg, orig: f, cur: f, w: w}

	// Every basic block (never a trace fragment, which has no push to
	// undo) begins by popping the target/fragment-id pair the dispatcher
	// pushed before handing control here.
	riscv.EmitPop(w, riscv.RegMask(riscv.X10)|riscv.RegMask(riscv.X11))

	fragCtx := &plugin.Context{Writer: w, FragmentID: f.ID, BlockType: plugin.BlockBB}
	regs.Dispatch(plugin.PreFragment, fragCtx)
	regs.Dispatch(plugin.PreBB, fragCtx)

	if name, ok := regs.FunctionNameAt(spc); ok {
		s.watchName, s.watchAddr = name, spc
		fnCtx := &plugin.Context{Writer: s.w, FragmentID: f.ID, BlockType: plugin.BlockBB, FunctionAddr: spc, FunctionName: name}
		regs.Dispatch(plugin.FunctionPre, fnCtx)
	}

	read := spc
	for {
		bytes := guest.At(read)
		inst, fields := riscv.Decode(bytes, read)

		ctx := &plugin.Context{
			Writer:     s.w,
			ReadAddr:   read,
			Inst:       inst,
			Fields:     fields,
			FragmentID: s.orig.ID,
			BlockType:  plugin.BlockBB,
		}
		regs.Dispatch(plugin.PreInst, ctx)

		stop := false
		if !ctx.Replace {
			var translateErr error
			stop, translateErr = s.translate(inst, fields, read, bytes)
			if translateErr != nil {
				return nil, translateErr
			}
		}

		if !stop {
			if err := s.ensureFree(codecache.MinFreeSpace); err != nil {
				return nil, err
			}
		}

		postCtx := &plugin.Context{
			Writer:     s.w,
			ReadAddr:   read,
			Inst:       inst,
			Fields:     fields,
			FragmentID: s.orig.ID,
			BlockType:  plugin.BlockBB,
		}
		regs.Dispatch(plugin.PostInst, postCtx)

		if s.watchName != "" && isReturn(inst, fields) {
			fnCtx := &plugin.Context{Writer: s.w, FragmentID: s.orig.ID, BlockType: plugin.BlockBB, FunctionAddr: s.watchAddr, FunctionName: s.watchName}
			regs.Dispatch(plugin.FunctionPost, fnCtx)
			s.watchName = ""
		}

		read += uint64(fields.Length)
		if stop {
			break
		}
	}

	return s.orig, nil
}

// isReturn reports whether inst/fields is the "return to caller" idiom
// (JALR x0, x1, 0 or its compressed C.JR x1 form), the only return
// shape watched-function tracking recognizes.
func isReturn(inst riscv.Mnemonic, f riscv.Fields) bool {
	switch inst {
	case riscv.JALR:
		return f.Rd == riscv.X0 && f.Rs1 == riscv.X1 && f.Imm == 0
	case riscv.CJR:
		return f.Rs1 == riscv.X1
	default:
		return false
	}
}

// ensureFree asks the cache for need bytes of headroom in the current
// slot, overflowing to a fresh one (and following s.cur, not s.orig,
// since exit metadata always belongs to the logical block) if needed.
func (s *state) ensureFree(need int) error {
	next, nw, overflowed, err := s.cache.CheckFreeSpace(s.cur, s.w, need)
	if err != nil {
		return errors.Wrap(err, "scanner: check free space")
	}
	if overflowed {
		s.cur = next
		s.w = nw
	}
	return nil
}

// translate emits the translated form of one instruction and reports
// whether it terminates the block.
func (s *state) translate(inst riscv.Mnemonic, f riscv.Fields, read uint64, raw []byte) (bool, error) {
	target := uint64(int64(read) + f.Imm)
	fallthroughSPC := read + uint64(f.Length)

	switch inst {
	case riscv.JAL:
		var link riscv.Reg
		if f.Rd != riscv.X0 {
			link = f.Rd
		}
		return true, s.emitUncondImm(target, fallthroughSPC, link)

	case riscv.CJAL:
		return true, s.emitUncondImm(target, fallthroughSPC, riscv.X1)

	case riscv.CJ:
		return true, s.emitUncondImm(target, fallthroughSPC, riscv.X0)

	case riscv.Branch:
		return true, s.emitCondExit(target, fallthroughSPC, f.Cond, f.Rs1, f.Rs2)

	case riscv.CBEQZ:
		return true, s.emitCondExit(target, fallthroughSPC, riscv.CondEQ, f.Rs1, riscv.X0)

	case riscv.CBNEZ:
		return true, s.emitCondExit(target, fallthroughSPC, riscv.CondNE, f.Rs1, riscv.X0)

	case riscv.AUIPC:
		riscv.EmitSetReg64(s.w, f.Rd, target)
		return false, nil

	case riscv.JALR:
		if err := s.ensureFree(indirectExitBytes); err != nil {
			return false, err
		}
		var link riscv.Reg
		if f.Rd != riscv.X0 {
			link = f.Rd
		}
		return true, s.emitUncondReg(f.Rs1, f.Imm, link, fallthroughSPC)

	case riscv.CJR:
		if err := s.ensureFree(indirectExitBytes); err != nil {
			return false, err
		}
		return true, s.emitUncondReg(f.Rs1, 0, riscv.X0, 0)

	case riscv.CJALR:
		if err := s.ensureFree(indirectExitBytes); err != nil {
			return false, err
		}
		return true, s.emitUncondReg(f.Rs1, 0, riscv.X1, read+uint64(f.Length))

	case riscv.ECALL:
		s.emitSyscall(read)
		return false, nil

	case riscv.LRW:
		riscv.Emit32(s.w, riscv.EncodeLW(f.Rd, f.Rs1, 0))
		riscv.Emit32(s.w, riscv.EncodeADDI(riscv.X31, f.Rd, 0))
		return false, nil

	case riscv.LRD:
		riscv.Emit32(s.w, riscv.EncodeLD(f.Rd, f.Rs1, 0))
		riscv.Emit32(s.w, riscv.EncodeADDI(riscv.X31, f.Rd, 0))
		return false, nil

	case riscv.SCW:
		riscv.Emit32(s.w, riscv.EncodeLRW(f.Rd, f.Rs1))
		riscv.Emit32(s.w, riscv.EncodeBranch(riscv.CondNE, f.Rd, riscv.X31, 8))
		riscv.EmitRaw(s.w, raw[:4])
		return false, nil

	case riscv.SCD:
		riscv.Emit32(s.w, riscv.EncodeLRD(f.Rd, f.Rs1))
		riscv.Emit32(s.w, riscv.EncodeBranch(riscv.CondNE, f.Rd, riscv.X31, 8))
		riscv.EmitRaw(s.w, raw[:4])
		return false, nil

	default:
		// Other (plain arithmetic/load/store/FP/CSR) and CNOP: no
		// rewriting needed, copy the instruction through unchanged.
		riscv.EmitRaw(s.w, raw[:f.Length])
		return false, nil
	}
}

// dispatchMask is the register set (a0, a1, a2) the exit-stub calling
// convention reserves: x10 carries the target SPC, x11 the originating
// fragment id, x12 is the scratch register of the stub's large jump to
// the dispatcher.
var dispatchMask = riscv.RegMask(riscv.X10) | riscv.RegMask(riscv.X11) | riscv.RegMask(riscv.X12)

// emitUncondImm emits the direct, unconditional exit stub: a reserved
// NOP the dispatcher may later overwrite with a lookup-link jump,
// followed by the push/target/fragment-id/dispatcher-jump sequence. If
// link is non-zero, fallthroughSPC (the instruction's own return
// address) is first materialized into it.
func (s *state) emitUncondImm(target, fallthroughSPC uint64, link riscv.Reg) error {
	f := s.orig
	f.ExitBranchType = codecache.UncondImm
	f.ExitBranchAddr = s.w.PC()
	f.BranchTakenAddr = target

	riscv.EmitNop32(s.w) // space for the dispatcher's lookup-link jump

	riscv.EmitPush(s.w, dispatchMask)
	if link != riscv.X0 {
		riscv.EmitSetReg64(s.w, link, fallthroughSPC)
	}
	riscv.EmitSetReg64(s.w, riscv.DispatchTarget, target)
	riscv.EmitSetReg32(s.w, riscv.DispatchFragment, int32(f.ID))
	if !riscv.EmitLargeJump(s.w, s.cfg.DispatcherAddr, riscv.X0, riscv.DispatchScratch) {
		return errors.New("scanner: dispatcher unreachable from exit stub")
	}
	return nil
}

// emitCondExit emits the conditional exit stub described in the
// component design: two reserved dispatcher-patchable NOPs, a push,
// the retargeted condition (jump forward over the fallthrough path when
// taken), the fallthrough SPC materialized for the miss case, a local
// jump to the shared tail, and the tail itself (taken-target plus
// fragment id plus the jump to the dispatcher).
func (s *state) emitCondExit(target, fallthroughSPC uint64, cond riscv.Cond, rs1, rs2 riscv.Reg) error {
	if err := s.ensureFree(condExitBytes); err != nil {
		return err
	}

	f := s.orig
	f.ExitBranchType = codecache.CondImm
	f.ExitBranchAddr = s.w.PC()
	f.BranchTakenAddr = target
	f.BranchSkippedAddr = fallthroughSPC
	f.BranchCondition = codecache.BranchCondition{R1: rs1, R2: rs2, Cond: cond}
	f.BranchCacheStatus = 0

	riscv.EmitNop32(s.w)
	riscv.EmitNop32(s.w)

	riscv.EmitPush(s.w, dispatchMask)

	condBranch := riscv.ReserveBranch(s.w, 4)
	riscv.EmitSetReg64(s.w, riscv.DispatchTarget, fallthroughSPC)
	tail := riscv.ReserveBranch(s.w, 2)

	riscv.EmitLocalBranchCondWide(s.w, condBranch, s.w.PC(), cond, rs1, rs2)
	riscv.EmitSetReg64(s.w, riscv.DispatchTarget, target)

	riscv.EmitLocalBranch(s.w, tail, s.w.PC())
	f.CondExitTailAddr = s.w.PC()
	riscv.EmitSetReg32(s.w, riscv.DispatchFragment, int32(f.ID))
	if !riscv.EmitLargeJump(s.w, s.cfg.DispatcherAddr, riscv.X0, riscv.DispatchScratch) {
		return errors.New("scanner: dispatcher unreachable from exit stub")
	}
	return nil
}

// emitUncondReg emits the indirect exit stub: push, materialize the
// target register's value (optionally biased by imm12, for JALR) into
// x10, optionally materialize the link value, then fragment-id/
// dispatcher-jump as usual.
func (s *state) emitUncondReg(rs1 riscv.Reg, imm12 int64, link riscv.Reg, fallthroughSPC uint64) error {
	f := s.orig
	f.ExitBranchType = codecache.UncondReg
	f.ExitBranchAddr = s.w.PC()
	f.Rn = rs1

	riscv.EmitPush(s.w, dispatchMask)
	riscv.Emit32(s.w, riscv.EncodeADDI(riscv.DispatchTarget, rs1, imm12))
	if link != riscv.X0 {
		riscv.EmitSetReg64(s.w, link, fallthroughSPC)
	}
	riscv.EmitSetReg32(s.w, riscv.DispatchFragment, int32(f.ID))
	if !riscv.EmitLargeJump(s.w, s.cfg.DispatcherAddr, riscv.X0, riscv.DispatchScratch) {
		return errors.New("scanner: dispatcher unreachable from exit stub")
	}
	return nil
}

// emitSyscall emits the ECALL passthrough: ra/s0/a2 are spilled (a2
// because the large jump uses it as its scratch register; the pop
// emitted after the call restores all three), the instruction's own
// return address is passed
// in x8, and a linking call reaches the syscall wrapper, which resumes
// the block by returning through x1. Unlike every other exit this one
// does not stop the scan: guest control returns to the next
// instruction in this same fragment.
func (s *state) emitSyscall(read uint64) {
	syscallMask := riscv.RegMask(riscv.X1) | riscv.RegMask(riscv.X8) | riscv.RegMask(riscv.X12)
	riscv.EmitPush(s.w, syscallMask)
	riscv.EmitSetReg64(s.w, riscv.X8, read+4)
	riscv.EmitLargeJump(s.w, s.cfg.SyscallWrapperAddr, riscv.X1, riscv.X12)
	riscv.EmitPop(s.w, syscallMask)
}
