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

// Package brigade provides ordered sequences of data chunks interleaved
// with control markers. A Brigade is the unit of data exchange between
// the filter engine, the transport below it and the consumer above it.
// Payload may live in memory or be backed by an open file, and control
// markers (flush, end-of-stream, end-of-connection) travel in order
// with the data they follow.
package brigade

import (
	"os"
)

// Meta classifies buckets that carry no payload bytes.
type Meta uint8

const (
	MetaNone Meta = iota
	// MetaFlush asks every layer below to write out anything it has set aside.
	MetaFlush
	// MetaEOS signals a clean end of the inbound byte stream.
	MetaEOS
	// MetaEOC signals that the connection is ending and triggers an
	// orderly TLS shutdown on its way out.
	MetaEOC
)

// Bucket is a single chunk: either payload (in-memory or file-backed)
// or a control marker.
type Bucket struct {
	Data   []byte
	File   *os.File
	Offset int64
	Length int64
	Meta   Meta
}

// Data creates an in-memory payload bucket. The bucket takes no copy;
// the caller must not mutate p afterwards.
func Data(p []byte) *Bucket {
	return &Bucket{Data: p}
}

// File creates a file-backed payload bucket covering length bytes of f
// starting at offset.
func File(f *os.File, offset int64, length int64) *Bucket {
	return &Bucket{File: f, Offset: offset, Length: length}
}

// Marker creates a control bucket.
func Marker(m Meta) *Bucket {
	return &Bucket{Meta: m}
}

// IsMeta reports whether the bucket is a control marker.
func (b *Bucket) IsMeta() bool {
	return b.Meta != MetaNone
}

// IsFile reports whether the bucket's payload is file-backed.
func (b *Bucket) IsFile() bool {
	return b.File != nil
}

// Len returns the payload byte count. Control markers have length zero.
func (b *Bucket) Len() int64 {
	switch {
	case b.IsMeta():
		return 0
	case b.IsFile():
		return b.Length
	default:
		return int64(len(b.Data))
	}
}

// split truncates b to n payload bytes and returns a new bucket
// holding the remainder.
func (b *Bucket) split(n int64) *Bucket {
	if b.IsFile() {
		rest := &Bucket{File: b.File, Offset: b.Offset + n, Length: b.Length - n}
		b.Length = n
		return rest
	}
	rest := &Bucket{Data: b.Data[n:]}
	b.Data = b.Data[:n:n]
	return rest
}

// Brigade is an ordered bucket sequence.
type Brigade struct {
	buckets []*Bucket
}

// New creates an empty brigade.
func New() *Brigade {
	return &Brigade{}
}

// Empty reports whether the brigade holds no buckets at all.
func (bb *Brigade) Empty() bool {
	return len(bb.buckets) == 0
}

// Len returns the total payload byte count across all buckets.
func (bb *Brigade) Len() int64 {
	var n int64
	for _, b := range bb.buckets {
		n += b.Len()
	}
	return n
}

// Append adds buckets to the tail.
func (bb *Brigade) Append(buckets ...*Bucket) {
	bb.buckets = append(bb.buckets, buckets...)
}

// AppendData adds an in-memory payload bucket to the tail. Empty
// payloads are dropped.
func (bb *Brigade) AppendData(p []byte) {
	if len(p) > 0 {
		bb.buckets = append(bb.buckets, Data(p))
	}
}

// First returns the head bucket without removing it, or nil.
func (bb *Brigade) First() *Bucket {
	if len(bb.buckets) == 0 {
		return nil
	}
	return bb.buckets[0]
}

// PopFirst removes and returns the head bucket, or nil.
func (bb *Brigade) PopFirst() *Bucket {
	if len(bb.buckets) == 0 {
		return nil
	}
	b := bb.buckets[0]
	bb.buckets = bb.buckets[1:]
	return b
}

// Concat moves every bucket of other to the tail of bb, leaving other
// empty.
func (bb *Brigade) Concat(other *Brigade) {
	bb.buckets = append(bb.buckets, other.buckets...)
	other.buckets = nil
}

// Cleanup discards all buckets.
func (bb *Brigade) Cleanup() {
	bb.buckets = nil
}

// Transfer moves up to max payload bytes from the head of bb to the
// tail of dst, splitting the bucket on the boundary. Control markers
// encountered within the transferred range move along with the data.
// It returns the number of payload bytes moved.
func (bb *Brigade) Transfer(dst *Brigade, max int64) int64 {
	var moved int64
	for len(bb.buckets) > 0 && moved < max {
		b := bb.buckets[0]
		if l := b.Len(); l > max-moved {
			rest := b.split(max - moved)
			bb.buckets[0] = rest
			dst.Append(b)
			moved += b.Len()
			break
		} else {
			bb.buckets = bb.buckets[1:]
			dst.Append(b)
			moved += l
		}
	}
	return moved
}

// Copy appends up to max payload bytes from the head of bb to dst
// without consuming them. The copied buckets share payload memory with
// the originals. It returns the number of payload bytes copied.
func (bb *Brigade) Copy(dst *Brigade, max int64) int64 {
	var copied int64
	for _, b := range bb.buckets {
		if copied >= max {
			break
		}
		dup := *b
		if l := dup.Len(); l > max-copied {
			dup.split(max - copied)
		}
		dst.Append(&dup)
		copied += dup.Len()
	}
	return copied
}

// SplitLine moves payload bytes from bb to dst up to and including the
// first line feed, but never more than max bytes. When no line feed is
// found within max bytes, exactly max bytes move. It returns the number
// of payload bytes moved. File-backed buckets are not searched; they do
// not occur on the plaintext inbound path.
func (bb *Brigade) SplitLine(dst *Brigade, max int64) int64 {
	var moved int64
	for len(bb.buckets) > 0 && moved < max {
		b := bb.buckets[0]
		if b.IsMeta() || b.IsFile() {
			bb.buckets = bb.buckets[1:]
			dst.Append(b)
			continue
		}
		budget := max - moved
		if idx := indexByte(b.Data, '\n', budget); idx >= 0 {
			if int64(idx)+1 < b.Len() {
				rest := b.split(int64(idx) + 1)
				bb.buckets[0] = rest
			} else {
				bb.buckets = bb.buckets[1:]
			}
			dst.Append(b)
			moved += b.Len()
			break
		}
		if b.Len() > budget {
			rest := b.split(budget)
			bb.buckets[0] = rest
			dst.Append(b)
			moved += b.Len()
			break
		}
		bb.buckets = bb.buckets[1:]
		dst.Append(b)
		moved += b.Len()
	}
	return moved
}

// SplitFirst splits the head bucket so that it holds at most n payload
// bytes; the remainder follows as a new second bucket. Control markers
// are never split.
func (bb *Brigade) SplitFirst(n int64) {
	if len(bb.buckets) == 0 {
		return
	}
	b := bb.buckets[0]
	if b.IsMeta() || b.Len() <= n {
		return
	}
	rest := b.split(n)
	bb.buckets = append(bb.buckets, nil)
	copy(bb.buckets[2:], bb.buckets[1:])
	bb.buckets[1] = rest
}

// Bytes flattens all in-memory payload into a single slice. File-backed
// buckets are skipped; intended for plaintext brigades and tests.
func (bb *Brigade) Bytes() []byte {
	var out []byte
	for _, b := range bb.buckets {
		if !b.IsMeta() && !b.IsFile() {
			out = append(out, b.Data...)
		}
	}
	return out
}

// HasMarker reports whether any bucket carries the given marker.
func (bb *Brigade) HasMarker(m Meta) bool {
	for _, b := range bb.buckets {
		if b.Meta == m {
			return true
		}
	}
	return false
}

func indexByte(p []byte, c byte, max int64) int {
	n := int64(len(p))
	if n > max {
		n = max
	}
	for i := int64(0); i < n; i++ {
		if p[i] == c {
			return int(i)
		}
	}
	return -1
}
