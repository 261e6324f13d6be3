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

// Package signal implements the unlink/relink rendezvous: the
// synchronous-fault protocol one thread uses to safely modify an exit
// stub that another thread might be mid-execution of, plus the
// trap-interpretation logic a SIGTRAP/SIGILL handler runs to recover
// from one.
package signal

import "github.com/UzL-ITS/MAMBO-V/pkg/riscv"

// trapOpcodeBase is the major opcode 1111111 (0x7f), the one 7-bit
// pattern the RISC-V base ISA permanently reserves for instructions
// wider than 64 bits. No real encoder in this package, and no guest
// program, ever produces it, which makes it a safe place to park
// synthetic sentinel words the host can recognize unambiguously as
// "this used to be something else."
const trapOpcodeBase uint32 = 0x7f

// TrapIB and TrapDB are the two trap words unlink overwrites a stub
// with: IB marks an indirect exit's patched jr, DB marks a direct
// exit's patched NOP(s). They differ only in the otherwise-unused bits
// above the reserved opcode, which is all a classifier needs.
const (
	TrapIB uint32 = trapOpcodeBase | 1<<8
	TrapDB uint32 = trapOpcodeBase | 2<<8
)

// ClassifyTrap reports which trap word, if either, word is.
func ClassifyTrap(word uint32) (kind uint32, ok bool) {
	switch word {
	case TrapIB, TrapDB:
		return word, true
	default:
		return 0, false
	}
}

// GuestContext is the portable view this package operates on: the
// trapped thread's program counter and integer register file. The
// operating system's actual ucontext/siginfo delivery is the real
// source of these values in production, but nothing in this package
// reads them directly, so the interpretation logic is exercisable
// without ever taking a real signal.
type GuestContext struct {
	PC   uint64
	Regs [32]uint64
}

// Get returns the value of register r.
func (c *GuestContext) Get(r riscv.Reg) uint64 { return c.Regs[r] }

// Set stores v into register r.
func (c *GuestContext) Set(r riscv.Reg, v uint64) { c.Regs[r] = v }
