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

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/scanner"
	"github.com/UzL-ITS/MAMBO-V/pkg/signal"
)

func TestSignalHandlerGetSetRoundTrip(t *testing.T) {
	e := New(plugin.NewRegistry(nil), nil)

	assert.Zero(t, e.SignalHandler(10), "no handler installed yet")

	require.NoError(t, e.SetSignalHandler(10, 0x4000))
	assert.EqualValues(t, 0x4000, e.SignalHandler(10))

	require.NoError(t, e.SetSignalHandler(10, 0))
	assert.Zero(t, e.SignalHandler(10), "zero clears back to SIG_DFL/SIG_IGN")
}

func TestSignalHandlerRejectsOutOfRangeSignum(t *testing.T) {
	e := New(plugin.NewRegistry(nil), nil)
	assert.Error(t, e.SetSignalHandler(-1, 1))
	assert.Error(t, e.SetSignalHandler(64, 1))
}

func TestNewThreadRegistersAndCloseRemoves(t *testing.T) {
	e := New(plugin.NewRegistry(nil), nil)
	cfg := scanner.Config{DispatcherAddr: 0x1000, SyscallWrapperAddr: 0x1000}
	guest := scanner.NewGuestMemory(make([]byte, 64), 0x20000)

	th, err := e.NewThread(1, 4, 1<<12, cfg, guest)
	require.NoError(t, err)
	assert.Equal(t, 1, e.ThreadCount())

	require.NoError(t, th.Close())
	assert.Equal(t, 0, e.ThreadCount())
}

func TestRecordAsyncSignalIgnoresUnlinkSignal(t *testing.T) {
	e := New(plugin.NewRegistry(nil), nil)
	cfg := scanner.Config{DispatcherAddr: 0x1000, SyscallWrapperAddr: 0x1000}
	guest := scanner.NewGuestMemory(make([]byte, 64), 0x20000)
	th, err := e.NewThread(1, 4, 1<<12, cfg, guest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = th.Close() })

	require.NoError(t, th.RecordAsyncSignal(int(UnlinkSignal), nil))
	_, ok := th.TakePendingSignal()
	assert.False(t, ok, "the engine's own rendezvous signal never becomes a pending guest signal")
}

func TestRecordAsyncSignalArmsAndTakePendingSignalDrains(t *testing.T) {
	e := New(plugin.NewRegistry(nil), nil)
	cfg := scanner.Config{DispatcherAddr: 0x1000, SyscallWrapperAddr: 0x1000}
	guest := scanner.NewGuestMemory(make([]byte, 64), 0x20000)
	th, err := e.NewThread(1, 4, 1<<12, cfg, guest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = th.Close() })

	require.NoError(t, th.RecordAsyncSignal(12, nil))
	assert.True(t, th.SignalPending.Load())

	signum, ok := th.TakePendingSignal()
	assert.True(t, ok)
	assert.Equal(t, 12, signum)

	_, ok = th.TakePendingSignal()
	assert.False(t, ok, "draining clears the counter")
}

func TestRedirectToGuestHandlerReportsWhetherOneIsInstalled(t *testing.T) {
	e := New(plugin.NewRegistry(nil), nil)
	require.NoError(t, e.SetSignalHandler(7, 0x8000))
	cfg := scanner.Config{DispatcherAddr: 0x1000, SyscallWrapperAddr: 0x1000}
	guest := scanner.NewGuestMemory(make([]byte, 64), 0x20000)
	th, err := e.NewThread(1, 4, 1<<12, cfg, guest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = th.Close() })

	ctx := &signal.GuestContext{PC: 1}
	ok := th.RedirectToGuestHandler(ctx, 7)
	assert.True(t, ok)
	assert.EqualValues(t, 0x8000, ctx.PC)

	ctx2 := &signal.GuestContext{PC: 1}
	ok = th.RedirectToGuestHandler(ctx2, 9)
	assert.False(t, ok)
	assert.EqualValues(t, 1, ctx2.PC, "no handler installed, ctx left untouched")
}
