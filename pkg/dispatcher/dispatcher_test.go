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

package dispatcher

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
	"github.com/UzL-ITS/MAMBO-V/pkg/scanner"
)

const guestBase = 0x30000

func put32(buf []byte, off int, w uint32) {
	binary.LittleEndian.PutUint32(buf[off:], w)
}

func newFixture(t *testing.T) (*Dispatcher, []byte) {
	t.Helper()
	c, err := codecache.New(8, 0, 1<<12)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	guest := make([]byte, 512)
	cfg := scanner.Config{DispatcherAddr: c.BaseAddr(), SyscallWrapperAddr: c.BaseAddr()}
	regs := plugin.NewRegistry(nil)
	d := New(c, regs, scanner.NewGuestMemory(guest, guestBase), cfg, nil)
	return d, guest
}

func TestResolveScansOnceAndCaches(t *testing.T) {
	d, guest := newFixture(t)
	put32(guest, 0, riscv.EncodeJAL(riscv.X0, 0x40))

	tpc1, err := d.Resolve(guestBase)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Cache.NextFree)

	tpc2, err := d.Resolve(guestBase)
	require.NoError(t, err)
	assert.Equal(t, tpc1, tpc2)
	assert.Equal(t, 1, d.Cache.NextFree, "a cache hit must not scan a second fragment")
}

func TestDispatchLinksUncondImm(t *testing.T) {
	d, guest := newFixture(t)
	targetOff := 0x40
	put32(guest, 0, riscv.EncodeJAL(riscv.X0, int64(targetOff)))
	put32(guest, targetOff, riscv.EncodeJAL(riscv.X0, 0)) // self-jump: terminal, harmless

	src, err := scanner.Scan(d.Cache, d.Plugins, d.Guest, guestBase, d.Cfg)
	require.NoError(t, err)
	require.Equal(t, codecache.UncondImm, src.ExitBranchType)

	tpc, err := d.Dispatch(src.ID, src.BranchTakenAddr)
	require.NoError(t, err)
	assert.NotZero(t, tpc)
	assert.NotZero(t, src.BranchCacheStatus&codecache.TakenLinked)

	// Re-dispatching the same edge is a no-op, not a second scan.
	before := d.Cache.NextFree
	_, err = d.Dispatch(src.ID, src.BranchTakenAddr)
	require.NoError(t, err)
	assert.Equal(t, before, d.Cache.NextFree)
}

func TestDispatchLinksBothSidesOfCondImm(t *testing.T) {
	d, guest := newFixture(t)

	takenOff := 0x80
	put32(guest, 0, riscv.EncodeBranch(riscv.CondEQ, riscv.X5, riscv.X6, int64(takenOff)))
	// Skipped (fallthrough) side starts at guestBase+4.
	put32(guest, 4, riscv.EncodeJAL(riscv.X0, 0))
	// Taken side.
	put32(guest, takenOff, riscv.EncodeJAL(riscv.X0, 0))

	src, err := scanner.Scan(d.Cache, d.Plugins, d.Guest, guestBase, d.Cfg)
	require.NoError(t, err)
	require.Equal(t, codecache.CondImm, src.ExitBranchType)

	_, err = d.Dispatch(src.ID, src.BranchSkippedAddr)
	require.NoError(t, err)
	assert.Equal(t, codecache.SkippedLinked, src.BranchCacheStatus)

	_, err = d.Dispatch(src.ID, src.BranchTakenAddr)
	require.NoError(t, err)
	assert.Equal(t, codecache.BothLinked, src.BranchCacheStatus)
}

func TestDispatchLeavesUncondRegUnlinked(t *testing.T) {
	d, guest := newFixture(t)
	put32(guest, 0, riscv.EncodeJALR(riscv.X1, riscv.X10, 0))

	src, err := scanner.Scan(d.Cache, d.Plugins, d.Guest, guestBase, d.Cfg)
	require.NoError(t, err)
	require.Equal(t, codecache.UncondReg, src.ExitBranchType)

	// Nothing to resolve against an indirect target without a running
	// guest register file; exercise only that linking such an exit is a
	// harmless no-op.
	err = d.link(src, 0, d.Cache.BaseAddr())
	require.NoError(t, err)
	assert.Zero(t, src.BranchCacheStatus)
}
