/*
	Copyright 2023 Loophole Labs

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

		   http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package filter

import (
	"errors"
	"fmt"
	"io"

	"github.com/loopholelabs/tlsterm/pkg/brigade"
	"github.com/loopholelabs/tlsterm/pkg/transport"
)

// stagingToEngine feeds the staging buffer's contents to the engine.
// When the engine accepts less than offered, the remainder is compacted
// to the buffer's start, never dropped.
func (f *Filter) stagingToEngine() error {
	if f.foutPlainLen == 0 {
		return nil
	}
	n, err := f.conn.engine.FeedPlaintext(f.foutPlain[:f.foutPlainLen])
	if err != nil {
		return wrapEngine("feed plaintext", err)
	}
	f.foutBytesInEngine += int64(n)
	if f.conn.metrics != nil && n > 0 {
		f.conn.metrics.PlaintextOutBytes.Add(float64(n))
	}
	switch {
	case n >= f.foutPlainLen:
		f.foutPlainLen = 0
	case n == 0:
		return transport.ErrWouldBlock
	default:
		copy(f.foutPlain, f.foutPlain[n:f.foutPlainLen])
		f.foutPlainLen -= n
	}
	return nil
}

// appendPlain consumes the head payload bucket of bb. Buckets larger
// than the remaining staging space are split first. File-backed buckets
// are read straight from their descriptor into the staging buffer at
// the recorded offset, saving an upstream materialization. A large
// in-memory bucket with an empty staging buffer skips the copy and goes
// to the engine directly; that is an optimization, not a requirement.
// It returns the number of payload bytes moved towards the engine.
func (f *Filter) appendPlain(bb *brigade.Brigade) (int, error) {
	remain := len(f.foutPlain) - f.foutPlainLen
	if remain == 0 {
		if err := f.stagingToEngine(); err != nil {
			return 0, err
		}
		remain = len(f.foutPlain) - f.foutPlainLen
	}

	// size the bucket to the remaining space in the staging buffer
	b := bb.First()
	if b.Len() > int64(remain) {
		bb.SplitFirst(int64(remain))
	}

	if b.IsFile() {
		dlen := int(b.Length)
		n, err := b.File.ReadAt(f.foutPlain[f.foutPlainLen:f.foutPlainLen+dlen], b.Offset)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("failed to read file bucket: %w", err)
		}
		f.foutPlainLen += n
		bb.PopFirst()
		return n, nil
	}

	dlen := len(b.Data)
	if f.foutPlainLen == 0 && (dlen >= len(f.foutPlain) || dlen > prefPlainWriteSize) {
		// at least a buffer's worth of data in one piece: feeding it to
		// the engine directly avoids copying it through staging only to
		// write it out right after
		n, err := f.conn.engine.FeedPlaintext(b.Data)
		if err != nil {
			return 0, wrapEngine("feed plaintext", err)
		}
		f.foutBytesInEngine += int64(n)
		if f.conn.metrics != nil && n > 0 {
			f.conn.metrics.PlaintextOutBytes.Add(float64(n))
		}
		if n >= dlen {
			bb.PopFirst()
		} else {
			b.Data = b.Data[n:]
		}
		return n, nil
	}

	if dlen > remain {
		bb.SplitFirst(int64(remain))
		dlen = len(b.Data)
	}
	copy(f.foutPlain[f.foutPlainLen:], b.Data)
	f.foutPlainLen += dlen
	bb.PopFirst()
	return dlen, nil
}

// Write is the outbound filter invocation: an ordered sequence of
// payload and control buckets. On successful return bb is empty; data
// reaches the transport in the order received and control markers are
// never reordered relative to data. An end-of-connection marker
// triggers close-notify once; on an already notified connection it is
// a no-op. Once accumulated unflushed ciphertext reaches the threshold
// the outbound queue is written out before more input is accepted, so
// memory stays bounded regardless of the caller's chunk sizes.
func (f *Filter) Write(bb *brigade.Brigade) error {
	if f.conn.aborted {
		bb.Cleanup()
		return ErrAborted
	}
	if f.conn.engine == nil || f.conn.state == StateDone {
		return f.next.Write(bb)
	}

	for !bb.Empty() {
		b := bb.First()
		if b.IsMeta() {
			// control markers may carry meaning below us, so they move
			// to the outbound queue behind everything buffered so far
			// staged plaintext must fully enter the engine before the
			// marker; when the engine accepts partially, drain and write
			// to free its buffers, then retry
			for {
				err := f.stagingToEngine()
				if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
					return err
				}
				if f.foutPlainLen == 0 {
					break
				}
				if err := f.writeAll(); err != nil {
					return err
				}
			}
			if b.Meta == brigade.MetaEOC && f.conn.state != StateNotified {
				f.conn.engine.SendCloseNotify()
				f.conn.setState(StateNotified)
			}
			if err := f.drainCiphertext(); err != nil {
				return err
			}
			bb.PopFirst()
			f.foutTLS.Append(b)
		} else {
			if _, err := f.appendPlain(bb); err != nil {
				return err
			}
		}

		if f.foutBytesInEngine >= f.foutMaxInEngine {
			if err := f.drainCiphertext(); err != nil {
				return err
			}
		}
		if f.foutBytesInTLS >= f.foutMaxInEngine {
			if err := f.writeAll(); err != nil {
				return err
			}
		}
	}

	// write everything already in the engine's outgoing buffers;
	// staged plaintext stays resident until a marker or overflow
	// pushes it
	return f.writeAll()
}
