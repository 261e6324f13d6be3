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

package scanner

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

const guestBase = 0x20000

func put32(buf []byte, off int, w uint32) {
	binary.LittleEndian.PutUint32(buf[off:], w)
}

func newTestCache(t *testing.T) *codecache.Cache {
	t.Helper()
	c, err := codecache.New(4, 0, 1<<12)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testConfig(c *codecache.Cache) Config {
	// The dispatcher/syscall-wrapper stand-ins just need to be an
	// address EmitLargeJump can reach from inside the arena; reusing
	// the arena's own base is enough for the 32-bit-reach check.
	return Config{DispatcherAddr: c.BaseAddr(), SyscallWrapperAddr: c.BaseAddr()}
}

func TestScanDirectJumpProducesUncondImm(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	target := uint64(guestBase + 0x100)
	put32(guest, 0, riscv.EncodeJAL(riscv.X0, int64(target)-guestBase))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondImm, f.ExitBranchType)
	assert.EqualValues(t, target, f.BranchTakenAddr)
}

func TestScanConditionalBranchProducesCondImm(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	target := uint64(guestBase + 0x40)
	put32(guest, 0, riscv.EncodeBranch(riscv.CondEQ, riscv.X5, riscv.X6, int64(target)-guestBase))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.CondImm, f.ExitBranchType)
	assert.EqualValues(t, target, f.BranchTakenAddr)
	assert.EqualValues(t, guestBase+4, f.BranchSkippedAddr)
	assert.Equal(t, riscv.CondEQ, f.BranchCondition.Cond)
	assert.Equal(t, riscv.X5, f.BranchCondition.R1)
	assert.Equal(t, riscv.X6, f.BranchCondition.R2)
}

func TestScanJALRProducesUncondReg(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	put32(guest, 0, riscv.EncodeJALR(riscv.X1, riscv.X10, 16))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondReg, f.ExitBranchType)
	assert.Equal(t, riscv.X10, f.Rn)
}

func TestScanAUIPCThenJALRIsOneFragment(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	put32(guest, 0, riscv.EncodeAUIPC(riscv.X5, 0x1000))
	put32(guest, 4, riscv.EncodeJALR(riscv.X0, riscv.X5, 0))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondReg, f.ExitBranchType)
	assert.Equal(t, 0, f.ID)
}

func TestScanECALLIsNotTerminal(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	put32(guest, 0, 0x00000073) // ECALL
	target := uint64(guestBase + 0x200)
	put32(guest, 4, riscv.EncodeJAL(riscv.X0, int64(target)-(guestBase+4)))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondImm, f.ExitBranchType, "the JAL after ECALL must still classify the exit")
	assert.EqualValues(t, target, f.BranchTakenAddr)
}

// TestScanECALLSpillIsBalanced guards the ECALL passthrough's
// push/pop symmetry: emitSyscall spills {x1,x8,x12} (sp -= 24) ahead of
// the syscall wrapper call and must reload the same three registers
// (sp += 24) afterward, not just {x10,x11}. It locates the C.ADDI(sp,
// -24)/C.ADDI(sp, 24) stack-adjust halfwords emitSyscall's push/pop
// emit (distinct from the fragment's own entry pop, which adjusts sp
// by 16 for its two registers) and requires both to appear exactly
// once in the fragment body ahead of the exit stub, whose own
// three-register push also adjusts sp by -24.
func TestScanECALLSpillIsBalanced(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	put32(guest, 0, 0x00000073) // ECALL
	put32(guest, 4, riscv.EncodeJAL(riscv.X0, 0x100))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)

	slot := make([]byte, f.ExitBranchAddr-f.EntryAddr)
	require.NoError(t, c.ReadBytes(f.EntryAddr, slot))

	pushWord := riscv.EncodeCADDI(riscv.X2, -24)
	popWord := riscv.EncodeCADDI(riscv.X2, 24)

	pushCount, popCount := 0, 0
	for off := 0; off+2 <= len(slot); off += 2 {
		switch binary.LittleEndian.Uint16(slot[off:]) {
		case pushWord:
			pushCount++
		case popWord:
			popCount++
		}
	}
	assert.Equal(t, 1, pushCount, "the ECALL spill's sp -= 24 must appear exactly once")
	assert.Equal(t, 1, popCount, "the ECALL spill must be popped back with a matching sp += 24, not a narrower restore")
}

func TestScanPreInstReplaceSkipsTranslation(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)
	replaced := false
	regs.Register(plugin.PreInst, "skipper", func(ctx *plugin.Context) error {
		if ctx.Inst == riscv.JAL && ctx.ReadAddr == guestBase {
			ctx.Replace = true
			replaced = true
		}
		return nil
	})

	guest := make([]byte, 64)
	put32(guest, 0, riscv.EncodeJAL(riscv.X0, 0x40))
	target := uint64(guestBase + 0x300)
	put32(guest, 4, riscv.EncodeJAL(riscv.X0, int64(target)-(guestBase+4)))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.True(t, replaced)
	// The first JAL was replaced (no exit stub emitted for it), so the
	// fragment's eventual exit comes from the second instruction.
	assert.Equal(t, codecache.UncondImm, f.ExitBranchType)
	assert.EqualValues(t, target, f.BranchTakenAddr)
}

func TestScanCopiesOrdinaryInstructionsUnchanged(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	put32(guest, 0, riscv.EncodeADDI(riscv.X5, riscv.X6, 42))
	put32(guest, 4, riscv.EncodeJAL(riscv.X0, 0x40))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondImm, f.ExitBranchType)
	// The ADDI neither stops the scan nor changes the exit
	// classification; only the trailing JAL does.
	assert.EqualValues(t, guestBase+4+0x40, f.BranchTakenAddr)
}

func TestScanWatchedFunctionFiresPreAndPost(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)
	regs.WatchFunction("malloc", guestBase)

	var pre, post bool
	regs.Register(plugin.FunctionPre, "tracer", func(ctx *plugin.Context) error {
		pre = true
		assert.Equal(t, "malloc", ctx.FunctionName)
		assert.EqualValues(t, guestBase, ctx.FunctionAddr)
		return nil
	})
	regs.Register(plugin.FunctionPost, "tracer", func(ctx *plugin.Context) error {
		post = true
		assert.Equal(t, "malloc", ctx.FunctionName)
		return nil
	})

	guest := make([]byte, 64)
	put32(guest, 0, riscv.EncodeADDI(riscv.X10, riscv.X0, 64))
	put32(guest, 4, riscv.EncodeJALR(riscv.X0, riscv.X1, 0)) // ret

	_, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.True(t, pre)
	assert.True(t, post)
}

func TestScanLRSCRewrite(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)

	guest := make([]byte, 64)
	put32(guest, 0, riscv.EncodeLRD(riscv.X7, riscv.X10))
	put32(guest, 4, riscv.EncodeSCD(riscv.X7, riscv.X10, riscv.X11))
	put32(guest, 8, riscv.EncodeJAL(riscv.X0, 0x40))

	f, err := Scan(c, regs, NewGuestMemory(guest, guestBase), guestBase, testConfig(c))
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondImm, f.ExitBranchType)
}
