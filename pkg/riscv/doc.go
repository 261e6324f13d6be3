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

// Package riscv provides a pure encoder/decoder for the RISC-V 64 (RV64GC)
// instructions the translation core needs to reason about, plus a set of
// higher-level emitter helpers built on top of it.
//
// Decode and the Encode* functions have no side effects beyond the write
// cursor they are handed; they never allocate the code cache, touch thread
// state, or call into the dispatcher. Everything control-flow or
// cache-shaped lives in pkg/scanner, pkg/dispatcher and pkg/codecache.
package riscv
