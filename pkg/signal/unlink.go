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

package signal

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
)

// Unlinker performs the stub-patching half of the rendezvous protocol
// against one thread's private code cache: overwriting a fragment's
// linked exit with trap words (Unlink) and restoring it byte for byte
// afterward (Relink).
type Unlinker struct {
	Cache *codecache.Cache
}

// NewUnlinker returns an Unlinker over cache.
func NewUnlinker(cache *codecache.Cache) *Unlinker {
	return &Unlinker{Cache: cache}
}

// Unlink traps every linked side of f's exit stub, saving the bytes it
// overwrites so Relink can restore them later. Called on a fragment
// with nothing linked it does nothing, which keeps repeated unlink
// requests for the same edge harmless.
func (u *Unlinker) Unlink(f *codecache.Fragment) error {
	switch f.ExitBranchType {
	case codecache.UncondReg:
		// Nothing ever links an indirect exit in this port: the inline
		// hash lookup that would give it a resident fast path to trap
		// is not implemented by the scanner, so every crossing already
		// goes through the dispatcher and there is nothing to unlink.
		return nil

	case codecache.UncondImm:
		if f.BranchCacheStatus&codecache.TakenLinked == 0 {
			return nil
		}
		if err := u.saveAndTrap(f.ExitBranchAddr, 4, &f.SavedExit); err != nil {
			return err
		}

	case codecache.CondImm:
		if f.BranchCacheStatus == 0 {
			return nil
		}
		if err := u.saveAndTrap(f.ExitBranchAddr, 8, &f.SavedExit); err != nil {
			return err
		}
		if f.BranchCacheStatus == codecache.BothLinked {
			if err := u.saveAndTrap(f.CondExitTailAddr, 4, &f.SavedTail); err != nil {
				return err
			}
		}

	default:
		return errors.Errorf("signal: fragment %d has no linked exit to unlink", f.ID)
	}

	u.Cache.FlushICache()
	return nil
}

// Relink restores f's exit stub to its pre-unlink bytes, undoing
// Unlink exactly (P4). A fragment with nothing currently saved is left
// untouched.
func (u *Unlinker) Relink(f *codecache.Fragment) error {
	if f.SavedExit != nil {
		if err := u.Cache.PatchBytes(f.ExitBranchAddr, f.SavedExit); err != nil {
			return err
		}
		f.SavedExit = nil
	}
	if f.SavedTail != nil {
		if err := u.Cache.PatchBytes(f.CondExitTailAddr, f.SavedTail); err != nil {
			return err
		}
		f.SavedTail = nil
	}
	u.Cache.FlushICache()
	return nil
}

// saveAndTrap backs up the n bytes at addr into *saved, unless a
// previous unlink already did so, then overwrites them with repeated
// TrapDB words.
func (u *Unlinker) saveAndTrap(addr uint64, n int, saved *[]byte) error {
	if *saved == nil {
		buf := make([]byte, n)
		if err := u.Cache.ReadBytes(addr, buf); err != nil {
			return err
		}
		*saved = buf
	}
	return u.Cache.PatchBytes(addr, trapWords(n))
}

// trapWords returns n bytes of repeated TrapDB words; n must be a
// multiple of 4.
func trapWords(n int) []byte {
	buf := make([]byte, n)
	for off := 0; off < n; off += 4 {
		binary.LittleEndian.PutUint32(buf[off:], TrapDB)
	}
	return buf
}
