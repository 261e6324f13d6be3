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

// Package plugin implements the instrumentation callback core: plugin
// registration and delivery at the PRE/POST boundaries the scanner
// exposes, plus the reserved-register accounting that keeps a
// callback's register spills from corrupting the guest's view of its
// own registers.
package plugin

import (
	"github.com/sirupsen/logrus"

	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

// Event identifies one of the callback delivery points the scanner and
// thread lifecycle expose to plugins.
type Event int

const (
	PreFragment Event = iota
	PreBB
	PreInst
	PostInst
	PostBB
	PreThread
	PostThread
	VMOp
	FunctionPre
	FunctionPost
)

// BlockType records what kind of block the scanner is currently
// emitting, passed through to callbacks via Context.
type BlockType int

const (
	BlockBB BlockType = iota
	BlockTrace
	BlockTraceEntry
)

// Context is the mutable, opaque-to-the-plugin state a callback
// observes and may rewrite. The scanner owns the backing Writer and
// re-reads Replace/PushedRegs after each callback returns.
type Context struct {
	// Writer is the current write cursor into the fragment being
	// emitted. Plugins append instrumentation directly to it.
	Writer *riscv.Writer

	// ReadAddr is the guest address of the instruction currently being
	// scanned.
	ReadAddr uint64

	// Inst/Fields are the decoded instruction PreInst/PostInst fire
	// for.
	Inst   riscv.Mnemonic
	Fields riscv.Fields

	FragmentID int
	BlockType  BlockType

	// Replace, when set true by a PreInst callback, tells the scanner
	// to skip copying/rewriting the original instruction; any writes
	// the plugin performed remain. Only honored on PreInst.
	Replace bool

	// PushedRegs accumulates the registers a callback has pushed but
	// not yet popped; the core issues a balancing Pop for whatever
	// remains set when the callback returns (I6).
	PushedRegs riscv.Mask

	// FunctionAddr is set for FunctionPre/FunctionPost: the guest
	// address of the watched function being entered/returned from.
	FunctionAddr uint64
	FunctionName string
}

// Push records that the plugin itself emitted a push of mask; the core
// will balance it with a Pop after the callback returns, per the
// PushedRegs contract. Plugins that pop their own pushes before
// returning should not call this.
func (c *Context) Push(mask riscv.Mask) {
	riscv.EmitPush(c.Writer, mask)
	c.PushedRegs |= mask
}

// Callback is a plugin's handler for one Event.
type Callback func(ctx *Context) error

type registration struct {
	event Event
	fn    Callback
	name  string
}

// Registry holds every plugin's registrations, in registration order
// (append-only after start-of-day, per the concurrency model: plugins
// register before the first guest instruction and the table is
// read-only thereafter).
type Registry struct {
	regs []registration
	log  *logrus.Logger

	watched map[string]uint64 // watched_functions: guest address by symbol name
}

// NewRegistry returns an empty Registry logging through log (or a
// package-default logger if log is nil).
func NewRegistry(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{log: log, watched: make(map[string]uint64)}
}

// Register appends fn as a handler for event, under name (used only in
// diagnostics, e.g. the replace-conflict warning).
func (r *Registry) Register(event Event, name string, fn Callback) {
	r.regs = append(r.regs, registration{event: event, fn: fn, name: name})
}

// WatchFunction records that addr should deliver FunctionPre/FunctionPost
// callbacks under symbol name, looked up by the loader at start of day.
func (r *Registry) WatchFunction(name string, addr uint64) {
	r.watched[name] = addr
}

// WatchedFunction returns the address registered for name, if any.
func (r *Registry) WatchedFunction(name string) (uint64, bool) {
	addr, ok := r.watched[name]
	return addr, ok
}

// FunctionNameAt returns the watched symbol name at addr, if any;
// O(n) in the number of watched functions, acceptable since that set
// is small and this is only consulted once per emitted block.
func (r *Registry) FunctionNameAt(addr uint64) (string, bool) {
	for name, a := range r.watched {
		if a == addr {
			return name, true
		}
	}
	return "", false
}

// Dispatch delivers ctx to every callback registered for event, in
// registration order, then issues a balancing Pop for any registers a
// callback left in ctx.PushedRegs. It enforces that at most one
// callback sets ctx.Replace (only meaningful for PreInst); a second
// attempt is logged and ignored rather than propagated as an error, per
// §7's "plugin misuse ... logged; translation continues".
func (r *Registry) Dispatch(event Event, ctx *Context) {
	replaceSetBy := ""
	for _, reg := range r.regs {
		if reg.event != event {
			continue
		}
		// Each callback sees Replace cleared so a request it makes can be
		// told apart from one an earlier callback already made.
		alreadyReplaced := ctx.Replace
		ctx.Replace = false
		if err := reg.fn(ctx); err != nil {
			r.log.WithFields(logrus.Fields{"plugin": reg.name, "event": event}).
				Warnf("plugin callback error: %v", err)
		}
		requested := ctx.Replace
		ctx.Replace = alreadyReplaced || requested // first writer wins
		if event == PreInst && requested {
			if replaceSetBy != "" {
				r.log.WithFields(logrus.Fields{"first": replaceSetBy, "second": reg.name}).
					Warn("conflicting plugins both requested replace on the same instruction; keeping the first")
			} else {
				replaceSetBy = reg.name
			}
		}
		if ctx.PushedRegs != 0 {
			riscv.EmitPop(ctx.Writer, ctx.PushedRegs)
			ctx.PushedRegs = 0
		}
	}
}
