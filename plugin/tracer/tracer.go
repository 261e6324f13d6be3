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

// Package tracer is the concrete instrumentation plugin that records
// branch and watched-heap-function events into a pkg/trace.Writer. It
// is the one plugin payload the translation core ships with; every
// other callback behaviour is left to user-supplied plugins.
//
// The events it can record are bounded by what pkg/riscv's decoder
// exposes: plain loads and stores decode to riscv.Other with no
// further classification (see pkg/riscv's Mnemonic doc comment), so
// this tracer cannot emit MemoryRead/MemoryWrite or
// StackPointerInfo/StackPointerModification records without first
// teaching the decoder to recognize those opcodes specifically, which
// is out of scope here. It records Branch, HeapAllocSize,
// HeapAllocReturn, and HeapFree only.
package tracer

import (
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
	"github.com/UzL-ITS/MAMBO-V/pkg/trace"
)

// heapFunctions maps a watched symbol name to the record types its
// entry and return produce. free has no return-side record.
var heapFunctions = map[string]struct {
	enter trace.EventType
	leave trace.EventType
	hasLeave bool
}{
	"malloc":  {enter: trace.HeapAllocSize, leave: trace.HeapAllocReturn, hasLeave: true},
	"calloc":  {enter: trace.HeapAllocSize, leave: trace.HeapAllocReturn, hasLeave: true},
	"realloc": {enter: trace.HeapAllocSize, leave: trace.HeapAllocReturn, hasLeave: true},
	"free":    {enter: trace.HeapFree, hasLeave: false},
}

// recorderMask is the set emitRecordImmediate saves and passes
// arguments in: ra, a0, a1 and a2. emitRecordForwardingA0 saves its own
// smaller set (ra, a0, a1).
var recorderMask = riscv.RegMask(riscv.X1) | riscv.RegMask(riscv.X10) | riscv.RegMask(riscv.X11) | riscv.RegMask(riscv.X12)

// Tracer emits calls to a host recorder trampoline at RecorderAddr,
// following a fixed three-argument convention: a0 = event type, a1 =
// param1, a2 = param2. recorderAddr is expected to forward those
// three values into a trace.Entry and hand it to a trace.Writer; that
// trampoline lives outside this package; Tracer only emits the calls
// to it.
type Tracer struct {
	RecorderAddr uint64
}

// New returns a Tracer calling out to recorderAddr.
func New(recorderAddr uint64) *Tracer {
	return &Tracer{RecorderAddr: recorderAddr}
}

// Register installs this tracer's callbacks on regs.
func (t *Tracer) Register(regs *plugin.Registry) {
	regs.Register(plugin.PreInst, "tracer", t.onPreInst)
	regs.Register(plugin.FunctionPre, "tracer", t.onFunctionPre)
	regs.Register(plugin.FunctionPost, "tracer", t.onFunctionPost)
}

// onPreInst emits a Branch record ahead of every branch/jump
// instruction, carrying the instruction's own address and, when it is
// known at translation time (any direct form), its target. Indirect
// branches (JALR/CJR/CJALR off a register) report a zero target: the
// real destination is only known once the dispatcher resolves it, and
// this plugin does not re-instrument the dispatcher's own resolution.
func (t *Tracer) onPreInst(ctx *plugin.Context) error {
	var target uint64
	switch ctx.Inst {
	case riscv.Branch, riscv.CBEQZ, riscv.CBNEZ, riscv.JAL, riscv.CJAL, riscv.CJ:
		target = uint64(int64(ctx.ReadAddr) + ctx.Fields.Imm)
	case riscv.JALR, riscv.CJR, riscv.CJALR:
		// Target unknown until runtime; recorded as 0.
	default:
		return nil
	}
	t.emitRecordImmediate(ctx, trace.Branch, ctx.ReadAddr, target)
	return nil
}

// onFunctionPre fires at a watched heap function's entry. For
// malloc/calloc/realloc the requested size is already live in a0 at
// this point (this plugin instruments before any of the function's
// own code runs), so the call-out forwards a0 unchanged as param1
// rather than materializing a static constant. free's address
// argument is forwarded the same way as a HeapFree record.
func (t *Tracer) onFunctionPre(ctx *plugin.Context) error {
	kind, ok := heapFunctions[ctx.FunctionName]
	if !ok {
		return nil
	}
	t.emitRecordForwardingA0(ctx, kind.enter)
	return nil
}

// onFunctionPost fires at a watched heap function's return (see
// pkg/scanner's isReturn); a0 at that point holds the function's
// result (the allocated pointer, for malloc/calloc/realloc).
func (t *Tracer) onFunctionPost(ctx *plugin.Context) error {
	kind, ok := heapFunctions[ctx.FunctionName]
	if !ok || !kind.hasLeave {
		return nil
	}
	t.emitRecordForwardingA0(ctx, kind.leave)
	return nil
}

// emitRecordImmediate emits push(ra,a0,a1,a2); a0=type; a1=p1; a2=p2;
// call RecorderAddr; pop. Both p1 and p2 are translation-time
// constants.
func (t *Tracer) emitRecordImmediate(ctx *plugin.Context, typ trace.EventType, p1, p2 uint64) {
	ctx.Push(recorderMask)
	riscv.EmitSetReg32(ctx.Writer, riscv.X10, int32(typ))
	riscv.EmitSetReg64(ctx.Writer, riscv.X11, p1)
	riscv.EmitSetReg64(ctx.Writer, riscv.X12, p2)
	riscv.EmitLargeJump(ctx.Writer, t.RecorderAddr, riscv.X1, riscv.X31)
}

// emitRecordForwardingA0 emits push(ra,a0,a1); mv a1,a0 (preserve the
// live value the guest is about to lose a0 to); li a0,type; call
// RecorderAddr; pop. The recorder sees param1 == the guest's a0 at the
// moment this callback fired.
func (t *Tracer) emitRecordForwardingA0(ctx *plugin.Context, typ trace.EventType) {
	mask := riscv.RegMask(riscv.X1) | riscv.RegMask(riscv.X10) | riscv.RegMask(riscv.X11)
	ctx.Push(mask)
	riscv.Emit32(ctx.Writer, riscv.EncodeADDI(riscv.X11, riscv.X10, 0))
	riscv.EmitSetReg32(ctx.Writer, riscv.X10, int32(typ))
	riscv.EmitLargeJump(ctx.Writer, t.RecorderAddr, riscv.X1, riscv.X31)
}
