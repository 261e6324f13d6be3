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

package scanner

// GuestMemory is a read-only view of a range of mapped guest text,
// indexed by guest address rather than by byte offset. It exists so the
// scanner can be driven from a plain byte slice in tests without a real
// mapped child process behind it.
type GuestMemory struct {
	bytes []byte
	base  uint64
}

// NewGuestMemory wraps bytes, whose first byte is mapped at the guest
// address base.
func NewGuestMemory(bytes []byte, base uint64) GuestMemory {
	return GuestMemory{bytes: bytes, base: base}
}

// At returns the bytes starting at guest address addr, extending to the
// end of the mapped range. Decode only ever reads the 2 or 4 bytes a
// single instruction needs from the front of this slice.
func (g GuestMemory) At(addr uint64) []byte {
	return g.bytes[addr-g.base:]
}
