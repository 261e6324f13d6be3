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

// Package dispatcher implements the target resolution and linking step
// every exit stub eventually reaches: given a guest address, find or
// create its translation, then rewrite the calling stub so future
// crossings of the same edge skip this lookup entirely.
package dispatcher

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
	"github.com/UzL-ITS/MAMBO-V/pkg/scanner"
)

// Dispatcher resolves exit-stub targets and links stubs as edges become
// known, against one thread's private cache.
type Dispatcher struct {
	Cache   *codecache.Cache
	Plugins *plugin.Registry
	Guest   scanner.GuestMemory
	Cfg     scanner.Config

	log *logrus.Logger
}

// New returns a Dispatcher over cache, delivering plugin callbacks from
// regs to any fragment it scans. log may be nil, in which case the
// standard logger is used.
func New(cache *codecache.Cache, regs *plugin.Registry, guest scanner.GuestMemory, cfg scanner.Config, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{Cache: cache, Plugins: regs, Guest: guest, Cfg: cfg, log: log}
}

// Resolve returns the TPC translating targetSPC, scanning a fresh
// fragment and recording it in the hash table on a miss.
func (d *Dispatcher) Resolve(targetSPC uint64) (uint64, error) {
	if tpc, ok := d.Cache.Hash.Lookup(targetSPC); ok {
		return tpc, nil
	}
	f, err := scanner.Scan(d.Cache, d.Plugins, d.Guest, targetSPC, d.Cfg)
	if err != nil {
		return 0, errors.Wrap(err, "dispatcher: scan")
	}
	tpc := f.EntryAddr
	if err := d.Cache.Hash.Insert(targetSPC, tpc); err != nil {
		return 0, errors.Wrap(err, "dispatcher: record translation")
	}
	return tpc, nil
}

// Dispatch is the exit stub's call target: sourceFragID is the block
// (x11) the control transfer came from, targetSPC the guest address
// (x10) it is trying to reach. It resolves the target, attempts to link
// the originating stub so the dispatcher is bypassed next time, and
// returns the TPC the caller should jump to.
func (d *Dispatcher) Dispatch(sourceFragID int, targetSPC uint64) (uint64, error) {
	tpc, err := d.Resolve(targetSPC)
	if err != nil {
		return 0, err
	}

	src := d.Cache.Fragment(sourceFragID)
	if linkErr := d.link(src, targetSPC, tpc); linkErr != nil {
		d.log.WithError(linkErr).WithFields(logrus.Fields{
			"fragment": sourceFragID,
			"target":   targetSPC,
		}).Debug("dispatcher: leaving exit unlinked")
	} else {
		d.Cache.FlushICache()
	}
	return tpc, nil
}

// link rewrites src's exit stub to reach tpc directly, according to how
// the stub was shaped at translation time.
func (d *Dispatcher) link(src *codecache.Fragment, targetSPC, tpc uint64) error {
	switch src.ExitBranchType {
	case codecache.UncondImm:
		return d.linkUncondImm(src, tpc)
	case codecache.CondImm:
		return d.linkCondImm(src, targetSPC, tpc)
	case codecache.UncondReg:
		// Indirect exits have no fixed source-side slot to patch; a
		// resident translation is only ever reached again through the
		// inline hash lookup (not emitted by this scanner) or another
		// trip through the dispatcher.
		return nil
	default:
		return errors.Errorf("dispatcher: fragment %d has no linkable exit", src.ID)
	}
}

// linkUncondImm overwrites the single reserved NOP at an unconditional
// direct exit with a jump straight into the destination fragment's
// body, skipping both the now-dead push/materialize/dispatcher-call
// sequence behind the NOP and the destination's own leading pop: that
// pop exists to undo a push, and on this bypassed path the push never
// runs, so restoring from it would clobber live registers with
// whatever happens to sit on the stack.
func (d *Dispatcher) linkUncondImm(f *codecache.Fragment, tpc uint64) error {
	if f.BranchCacheStatus&codecache.TakenLinked != 0 {
		return nil
	}
	if err := d.patchJump(f.ExitBranchAddr, tpc+scanner.DispatchPopBytes); err != nil {
		return err
	}
	f.BranchCacheStatus |= codecache.TakenLinked
	return nil
}

// linkCondImm links one side of a conditional exit at a time. The first
// side resolved gets a direct test-and-jump installed in the two
// reserved NOPs leading the stub: a branch on the *other* side's
// condition skips past a JAL landing directly on the linked side's tpc.
// Once both sides are known, the stub's dispatcher-call tail (only ever
// reached by the branch skipping over the JAL) is itself overwritten
// with a direct jump to the second side, leaving the dispatcher
// entirely out of this edge.
func (d *Dispatcher) linkCondImm(f *codecache.Fragment, targetSPC, tpc uint64) error {
	var linkingTaken bool
	switch targetSPC {
	case f.BranchTakenAddr:
		linkingTaken = true
	case f.BranchSkippedAddr:
		linkingTaken = false
	default:
		return errors.New("dispatcher: target matches neither side of a conditional exit")
	}

	side := codecache.SkippedLinked
	if linkingTaken {
		side = codecache.TakenLinked
	}
	if f.BranchCacheStatus&side != 0 {
		return nil
	}
	firstLink := f.BranchCacheStatus == 0

	if firstLink {
		cond := f.BranchCondition.Cond
		if linkingTaken {
			// The branch guarding the fast path must fire on the
			// *unlinked* side (skip to the slow stub) and fall
			// through on the linked (taken) side.
			cond = riscv.InvertCond(cond)
		}
		nop1 := f.ExitBranchAddr
		skipOver := nop1 + 8
		w := riscv.NewWriter(nil, nop1)
		if n := riscv.EmitBranchCondWide(w, skipOver, cond, f.BranchCondition.R1, f.BranchCondition.R2); n != 4 {
			return errors.New("dispatcher: cond-link branch does not fit reserved word")
		}
		if err := d.Cache.PatchBytes(nop1, w.Bytes()); err != nil {
			return err
		}
		if err := d.patchJump(nop1+4, tpc+scanner.DispatchPopBytes); err != nil {
			return err
		}
		f.BranchCacheStatus |= side
		return nil
	}

	// Second side linked: the only way execution still reaches the
	// dispatcher-call tail is via the first branch's "unlinked side"
	// path, which by construction is exactly this side and always runs
	// the leading push on its way here. So, unlike the first link, the
	// destination's own pop must still run: target tpc directly, not
	// past it.
	if err := d.patchJump(f.CondExitTailAddr, tpc); err != nil {
		return err
	}
	f.BranchCacheStatus |= side
	return nil
}

// patchJump overwrites the 4-byte reserved word at addr with a single
// JAL x0, target. It fails rather than falling back to a wider
// sequence: the reserved slot is exactly one word, and an unreachable
// target simply leaves the edge unlinked for this round.
func (d *Dispatcher) patchJump(addr, target uint64) error {
	offset := int64(target) - int64(addr)
	if offset&1 != 0 || !riscv.CheckUJType(offset) {
		return errors.New("dispatcher: link target unreachable by a single JAL")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], riscv.EncodeJAL(riscv.X0, offset))
	return d.Cache.PatchBytes(addr, buf[:])
}
