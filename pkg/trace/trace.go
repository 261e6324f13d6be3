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

// Package trace implements the fixed-layout binary event log an
// instrumentation plugin (see plugin/tracer) writes to: one 24-byte
// record per traced event, buffered and flushed in bulk.
package trace

import "encoding/binary"

// EventType identifies what a traced Entry describes.
type EventType uint32

const (
	MemoryRead EventType = iota + 1
	MemoryWrite
	HeapAllocSize
	HeapAllocReturn
	HeapFree
	Branch
	StackPointerInfo
	StackPointerModification
)

// EntrySize is the on-disk size of one Entry: 4 + 1 + 1 + 2 + 8 + 8.
const EntrySize = 24

// Entry is one traced event, serialized little-endian and naturally
// aligned, matching the layout a native recorder would memcpy straight
// out of its own struct.
type Entry struct {
	Type   EventType
	Flag   uint8  // branch-taken, branch-type, stack-kind bits; meaning depends on Type
	Param0 uint16 // memory access size
	Param1 uint64 // instruction address or allocation size
	Param2 uint64 // memory address or target address
}

// MarshalBinary encodes e into the fixed 24-byte record layout.
func (e Entry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Type))
	buf[4] = e.Flag
	// buf[5] is the reserved pad byte, left zero.
	binary.LittleEndian.PutUint16(buf[6:8], e.Param0)
	binary.LittleEndian.PutUint64(buf[8:16], e.Param1)
	binary.LittleEndian.PutUint64(buf[16:24], e.Param2)
	return buf, nil
}

// UnmarshalBinary decodes buf, which must be exactly EntrySize bytes,
// into e.
func (e *Entry) UnmarshalBinary(buf []byte) error {
	if len(buf) != EntrySize {
		return errShortEntry
	}
	e.Type = EventType(binary.LittleEndian.Uint32(buf[0:4]))
	e.Flag = buf[4]
	e.Param0 = binary.LittleEndian.Uint16(buf[6:8])
	e.Param1 = binary.LittleEndian.Uint64(buf[8:16])
	e.Param2 = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

type traceError string

func (e traceError) Error() string { return string(e) }

const errShortEntry = traceError("trace: entry buffer is not exactly EntrySize bytes")
