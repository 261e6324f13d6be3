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

package tracer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
	"github.com/UzL-ITS/MAMBO-V/pkg/scanner"
)

const guestBase = 0x40000

func newTestCache(t *testing.T) *codecache.Cache {
	t.Helper()
	c, err := codecache.New(4, 0, 1<<12)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOnPreInstRecordsBranchWithStaticTarget(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)
	tr := New(c.BaseAddr())
	tr.Register(regs)

	guest := make([]byte, 64)
	target := int64(0x40)
	var w [4]byte
	putJAL(w[:], riscv.X0, target)
	copy(guest[0:4], w[:])

	f, err := scanner.Scan(c, regs, scanner.NewGuestMemory(guest, guestBase), guestBase, scanner.Config{
		DispatcherAddr:     c.BaseAddr(),
		SyscallWrapperAddr: c.BaseAddr(),
	})
	require.NoError(t, err)
	assert.Equal(t, codecache.UncondImm, f.ExitBranchType)
	assert.EqualValues(t, guestBase+0x40, f.BranchTakenAddr)

	// The Branch record call-out runs ahead of the exit stub and
	// materializes the branch's own address as a 64-bit literal; nothing
	// else in the block loads guestBase.
	body := make([]byte, f.ExitBranchAddr-f.EntryAddr)
	require.NoError(t, c.ReadBytes(f.EntryAddr, body))
	var lit [8]byte
	binary.LittleEndian.PutUint64(lit[:], guestBase)
	assert.True(t, bytes.Contains(body, lit[:]), "Branch record call-out not found ahead of the exit stub")
}

func TestOnFunctionPreAndPostRegisterWithoutError(t *testing.T) {
	c := newTestCache(t)
	regs := plugin.NewRegistry(nil)
	regs.WatchFunction("malloc", guestBase)
	tr := New(c.BaseAddr())
	tr.Register(regs)

	guest := make([]byte, 64)
	var ret [4]byte
	putJALR(ret[:], riscv.X0, riscv.X1, 0)
	copy(guest[0:4], ret[:])

	_, err := scanner.Scan(c, regs, scanner.NewGuestMemory(guest, guestBase), guestBase, scanner.Config{
		DispatcherAddr:     c.BaseAddr(),
		SyscallWrapperAddr: c.BaseAddr(),
	})
	require.NoError(t, err)
}

func putJAL(buf []byte, rd riscv.Reg, imm int64) {
	w := riscv.EncodeJAL(rd, imm)
	buf[0] = byte(w)
	buf[1] = byte(w >> 8)
	buf[2] = byte(w >> 16)
	buf[3] = byte(w >> 24)
}

func putJALR(buf []byte, rd, rs1 riscv.Reg, imm12 int64) {
	w := riscv.EncodeJALR(rd, rs1, imm12)
	buf[0] = byte(w)
	buf[1] = byte(w >> 8)
	buf[2] = byte(w >> 16)
	buf[3] = byte(w >> 24)
}
