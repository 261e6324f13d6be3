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

// Package engine implements the thread core (C9): the global registry
// every worker thread shares (the plugin table, the guest's installed
// signal handlers, and the exit_group flag), and the per-thread state
// a worker owns exclusively (its code cache, dispatcher, and unlink
// machinery). Cross-thread interaction is deliberately narrow: the
// plugin table is written once at start-of-day and read-only
// thereafter, the guest signal handlers and the thread registry change
// only under their own locks, and the only other coupling is
// cross-thread signal delivery used to request unlinking.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
)

// UnlinkSignal is the real-time signal the engine reserves for the
// unlink rendezvous (§4.8's "the engine's own UNLINK_SIGNAL"):
// asynchronous deliveries of any other signal instead go through
// RecordAsyncSignal. SIGRTMIN leaves the standard signals (including
// the guest's own SIGUSR1/SIGUSR2) untouched.
var UnlinkSignal = unix.SIGRTMIN()

// Engine is the global, mostly-read-only state every Thread shares.
// The parts that change after start-of-day are the signal handlers
// (installed lazily as the guest calls rt_sigaction, guarded by mu),
// ExitGroup (an atomic flag), and the thread registry (guarded by tmu).
type Engine struct {
	Plugins *plugin.Registry
	Log     *logrus.Logger

	mu             sync.RWMutex
	signalHandlers [64]uint64 // guest-installed handler address by signal number

	// ExitGroup is set once, by whichever thread calls exit_group
	// first; every thread's handler checks it on entry and aborts
	// rather than doing any further unlinking work.
	ExitGroup atomic.Bool

	tmu     sync.Mutex
	threads map[*Thread]struct{}
}

// New returns an Engine dispatching plugin callbacks through plugins
// and logging through log (the standard logger if log is nil).
func New(plugins *plugin.Registry, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{Plugins: plugins, Log: log, threads: make(map[*Thread]struct{})}
}

// SetSignalHandler records addr as the guest's handler for signum,
// installed by a guest rt_sigaction call. A zero addr clears it
// (SIG_DFL/SIG_IGN); readers treat zero as "no guest handler".
func (e *Engine) SetSignalHandler(signum int, addr uint64) error {
	if signum < 0 || signum >= len(e.signalHandlers) {
		return errors.Errorf("engine: signal %d out of range", signum)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signalHandlers[signum] = addr
	return nil
}

// SignalHandler returns the guest's installed handler address for
// signum, or 0 if none is installed.
func (e *Engine) SignalHandler(signum int) uint64 {
	if signum < 0 || signum >= len(e.signalHandlers) {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signalHandlers[signum]
}

// addThread/removeThread maintain the registry NewThread/Close use;
// kept as Engine methods (rather than a free-standing map Thread
// mutates itself) so the registry's locking is in one place.
func (e *Engine) addThread(t *Thread) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.threads[t] = struct{}{}
}

func (e *Engine) removeThread(t *Thread) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	delete(e.threads, t)
}

// ThreadCount reports how many threads are currently registered;
// mostly useful for tests and teardown bookkeeping.
func (e *Engine) ThreadCount() int {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	return len(e.threads)
}

// Tgkill delivers signum to the specific OS thread tid, the mechanism
// one thread uses to ask another to begin the unlink rendezvous:
// tgkill (unlike kill) targets one thread within the process rather
// than racing every thread for delivery.
func (e *Engine) Tgkill(tid, signum int) error {
	return unix.Tgkill(unix.Getpid(), tid, unix.Signal(signum))
}
