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
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/dispatcher"
	"github.com/UzL-ITS/MAMBO-V/pkg/scanner"
	"github.com/UzL-ITS/MAMBO-V/pkg/signal"
)

// Thread owns one worker's entire translation state: its private code
// cache, the dispatcher resolving and linking exits into it, and the
// unlinker patching it back out when another thread needs to
// rendezvous with it. Nothing here is shared with any other Thread.
type Thread struct {
	Engine     *Engine
	Cache      *codecache.Cache
	Dispatcher *dispatcher.Dispatcher
	Unlinker   *signal.Unlinker
	Cfg        scanner.Config

	// TID is the OS thread id this Thread runs on, recorded so other
	// threads can Tgkill it to request unlinking.
	TID int

	// PendingSignals counts asynchronous deliveries of each signal
	// number that arrived while this thread was inside the cache,
	// consulted by step 1 of the handler once execution reaches a
	// known host re-entry point. ActiveTrace is reserved for the
	// unimplemented trace-cache tier (see the open question in
	// DESIGN.md) and is never set by anything in this package.
	PendingSignals [64]uint32
	SignalPending  atomic.Bool
	ActiveTrace    uint64
}

// NewThread allocates a fresh code cache and the dispatcher/unlinker
// pair over it, registers the Thread with e, and returns it. tid is
// the OS thread id the caller has already bound this worker to.
func (e *Engine) NewThread(tid int, bbSlots, hashCapacity int, cfg scanner.Config, guest scanner.GuestMemory) (*Thread, error) {
	cache, err := codecache.New(bbSlots, 0, hashCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "engine: allocate thread cache")
	}
	t := &Thread{
		Engine:     e,
		Cache:      cache,
		Dispatcher: dispatcher.New(cache, e.Plugins, guest, cfg, e.Log),
		Unlinker:   signal.NewUnlinker(cache),
		Cfg:        cfg,
		TID:        tid,
	}
	e.addThread(t)
	return t, nil
}

// Close unmaps the thread's arena and removes it from the engine's
// registry. The caller must ensure the thread is no longer executing
// translated code before calling this.
func (t *Thread) Close() error {
	t.Engine.removeThread(t)
	return t.Cache.Close()
}

// RecordAsyncSignal implements step 5 of §4.8's signal handling: an
// asynchronous signal other than the engine's own unlink rendezvous
// increments this thread's pending counter for signum and arms
// unlinking of the fragment currently executing, so the guest only
// observes the signal once it reaches a translated PC the engine
// controls (rather than an arbitrary, possibly mid-stub, PC).
func (t *Thread) RecordAsyncSignal(signum int, current *codecache.Fragment) error {
	if signum == int(UnlinkSignal) {
		return nil
	}
	if signum < 0 || signum >= len(t.PendingSignals) {
		return errors.Errorf("engine: signal %d out of range", signum)
	}
	atomic.AddUint32(&t.PendingSignals[signum], 1)
	t.SignalPending.Store(true)
	if current == nil {
		return nil
	}
	return t.Unlinker.Unlink(current)
}

// TakePendingSignal reports and clears the lowest-numbered pending
// signal still armed for this thread, or ok=false if none is pending.
func (t *Thread) TakePendingSignal() (signum int, ok bool) {
	for i := range t.PendingSignals {
		if atomic.SwapUint32(&t.PendingSignals[i], 0) != 0 {
			return i, true
		}
	}
	t.SignalPending.Store(false)
	return 0, false
}

// RedirectToGuestHandler implements step 1 of §4.8's signal handling:
// called once the trapped PC is recognized as one of the engine's own
// re-entry addresses (send_self_signal, syscall_wrapper) rather than
// inside the code cache, it points ctx at the guest's installed
// handler for signum, so the guest's own signal-handling code runs as
// if the signal had been delivered there directly. It reports false,
// leaving ctx untouched, if the guest never installed a handler for
// signum (SIG_DFL/SIG_IGN): the caller is responsible for whatever the
// default disposition requires.
func (t *Thread) RedirectToGuestHandler(ctx *signal.GuestContext, signum int) bool {
	handler := t.Engine.SignalHandler(signum)
	if handler == 0 {
		return false
	}
	ctx.PC = handler
	return true
}

// HandleTrap implements steps 3 and 4 of §4.8's signal handling: word
// is the instruction the thread faulted on and f the fragment whose
// stub it belongs to. It defers entirely to pkg/signal's interpreter,
// which restores the stub and redirects ctx into the dispatcher.
func (t *Thread) HandleTrap(ctx *signal.GuestContext, word uint32, f *codecache.Fragment) error {
	if t.Engine.ExitGroup.Load() {
		return errors.New("engine: exit_group set, refusing to service a trap")
	}
	return signal.Interpret(ctx, word, t.Cfg.DispatcherAddr, f, t.Unlinker)
}
