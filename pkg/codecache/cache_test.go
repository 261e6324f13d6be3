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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(4, 0, 1<<12)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAllocateBBMonotonic(t *testing.T) {
	c := newTestCache(t)
	f0, _, err := c.AllocateBB()
	require.NoError(t, err)
	f1, _, err := c.AllocateBB()
	require.NoError(t, err)
	assert.Equal(t, 0, f0.ID)
	assert.Equal(t, 1, f1.ID)
	assert.Equal(t, 2, c.NextFree)
}

func TestAllocateBBExhaustion(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 4; i++ {
		_, _, err := c.AllocateBB()
		require.NoError(t, err)
	}
	_, _, err := c.AllocateBB()
	assert.ErrorIs(t, err, ErrCacheExhausted)
}

func TestHashTableLookupMiss(t *testing.T) {
	h := NewHashTable(16)
	_, ok := h.Lookup(0x1000)
	assert.False(t, ok)
}

func TestHashTableInsertLookup(t *testing.T) {
	h := NewHashTable(16)
	require.NoError(t, h.Insert(0x1000, 0x2000))
	tpc, ok := h.Lookup(0x1000)
	require.True(t, ok)
	assert.EqualValues(t, 0x2000, tpc)

	// I1: distinct SPCs that collide in the probe sequence still each
	// resolve to their own TPC.
	require.NoError(t, h.Insert(0x1010, 0x3000))
	tpc, ok = h.Lookup(0x1010)
	require.True(t, ok)
	assert.EqualValues(t, 0x3000, tpc)
}

func TestHashTableZeroSPCNeverMatches(t *testing.T) {
	h := NewHashTable(16)
	_, ok := h.Lookup(0)
	assert.False(t, ok)
}

func TestCheckFreeSpaceOverflows(t *testing.T) {
	c := newTestCache(t)
	f, w, err := c.AllocateBB()
	require.NoError(t, err)

	// Pad the slot with 8-byte instruction sequences until fewer than
	// MinFreeSpace bytes remain, then ask CheckFreeSpace to overflow.
	for c.RemainingSpace(f.ID, w) > MinFreeSpace {
		riscv.EmitSetReg32(w, riscv.X5, 0x12345678)
	}
	next, _, overflowed, err := c.CheckFreeSpace(f, w, MinFreeSpace)
	require.NoError(t, err)
	require.True(t, overflowed)
	assert.True(t, next.Overflow)
	assert.Equal(t, f.ID, next.ActualID)
}
