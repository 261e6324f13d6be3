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
	"github.com/pkg/errors"

	"github.com/UzL-ITS/MAMBO-V/pkg/codecache"
	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

// Interpret runs the synchronous half of the handler for a trap taken
// inside the code cache: given the word that faulted and the fragment
// whose stub owns it, it restores the stub's original bytes, works out
// which guest target this particular crossing resolves to, and
// rewrites ctx in place so that resuming from it lands in the
// dispatcher exactly as if the stub's own large_jump had reached it
// normally.
func Interpret(ctx *GuestContext, word uint32, dispatcherAddr uint64, f *codecache.Fragment, u *Unlinker) error {
	kind, ok := ClassifyTrap(word)
	if !ok {
		return errors.Errorf("signal: %#x is not a trap opcode", word)
	}
	switch kind {
	case TrapIB:
		return interpretIB(ctx, dispatcherAddr, f, u)
	case TrapDB:
		return interpretDB(ctx, dispatcherAddr, f, u)
	default:
		return errors.Errorf("signal: unhandled trap kind %#x", kind)
	}
}

// interpretIB handles a trap on an indirect exit's patched jr: the
// target is read back from the register the scanner recorded (f.Rn),
// the jr is restored, and the dispatcher is entered with (target, 0).
// No scanner in this port emits the inline hash lookup that gives an
// indirect exit a resident, trappable fast path, so this case is
// structurally unreachable here; it is kept, not deleted, because the
// interpreter is meant to be a complete little machine over exit-stub
// shapes rather than cover only the cases the scanner happens to use.
func interpretIB(ctx *GuestContext, dispatcherAddr uint64, f *codecache.Fragment, u *Unlinker) error {
	target := ctx.Get(f.Rn)
	if err := u.Relink(f); err != nil {
		return err
	}
	ctx.PC = dispatcherAddr
	ctx.Set(riscv.DispatchTarget, target)
	ctx.Set(riscv.DispatchFragment, 0)
	return nil
}

// interpretDB handles a trap on a direct exit's patched NOP(s): the
// unconditional case always resolves to its one target; the
// conditional case re-evaluates its recorded {r1, r2, cond} against
// the trapped register file to pick taken vs. skipped exactly as the
// original branch would have.
func interpretDB(ctx *GuestContext, dispatcherAddr uint64, f *codecache.Fragment, u *Unlinker) error {
	var target uint64
	switch f.ExitBranchType {
	case codecache.UncondImm:
		target = f.BranchTakenAddr
	case codecache.CondImm:
		if evalCond(f.BranchCondition.Cond, ctx.Get(f.BranchCondition.R1), ctx.Get(f.BranchCondition.R2)) {
			target = f.BranchTakenAddr
		} else {
			target = f.BranchSkippedAddr
		}
	default:
		return errors.Errorf("signal: fragment %d's exit type has no TrapDB interpretation", f.ID)
	}

	if err := u.Relink(f); err != nil {
		return err
	}
	ctx.PC = dispatcherAddr
	ctx.Set(riscv.DispatchTarget, target)
	ctx.Set(riscv.DispatchFragment, uint64(f.ID))
	return nil
}

// evalCond evaluates cond against the unsigned 64-bit bit patterns a
// and b, reinterpreting them as signed for the signed comparisons, the
// same semantics riscv.Decode assigns the six RISC-V branch funct3
// values.
func evalCond(cond riscv.Cond, a, b uint64) bool {
	switch cond {
	case riscv.CondEQ:
		return a == b
	case riscv.CondNE:
		return a != b
	case riscv.CondLT:
		return int64(a) < int64(b)
	case riscv.CondGE:
		return int64(a) >= int64(b)
	case riscv.CondLTU:
		return a < b
	case riscv.CondGEU:
		return a >= b
	default:
		return false
	}
}
