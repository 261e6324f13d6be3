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

package trace

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BufferCapacity is the number of entries a Writer accumulates before
// flushing on its own.
const BufferCapacity = 16384

// Writer batches Entry records and flushes them to sink when a record
// arrives with BufferCapacity entries already buffered, or when
// TestcaseEnd is called. It is safe for concurrent use; instrumentation callbacks
// running on different threads' translations share one Writer.
type Writer struct {
	sink io.Writer
	log  *logrus.Logger

	mu  sync.Mutex
	buf []Entry
}

// NewWriter returns a Writer flushing to sink. log may be nil, in
// which case the standard logger is used.
func NewWriter(sink io.Writer, log *logrus.Logger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{sink: sink, log: log, buf: make([]Entry, 0, BufferCapacity)}
}

// Record appends e to the buffer, flushing first if it is already at
// capacity.
func (w *Writer) Record(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) >= BufferCapacity {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, e)
	return nil
}

// Flush writes every buffered entry to the sink and empties the
// buffer. It is a no-op when nothing is buffered.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// TestcaseEnd flushes the buffer; it is the boundary signal the trace
// format's "flushed when full or at testcase end" rule refers to.
func (w *Writer) TestcaseEnd() error {
	w.log.Debug("trace: flushing at testcase boundary")
	return w.Flush()
}

func (w *Writer) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	out := make([]byte, 0, len(w.buf)*EntrySize)
	for _, e := range w.buf {
		b, _ := e.MarshalBinary() // MarshalBinary never errors
		out = append(out, b...)
	}
	if _, err := w.sink.Write(out); err != nil {
		return errors.Wrap(err, "trace: flush")
	}
	w.buf = w.buf[:0]
	return nil
}
