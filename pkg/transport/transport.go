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

// Package transport is the southbound byte interface of the connection
// filter. It carries raw wire bytes between the filter and the network,
// one layer below the TLS engine. The filter resolves its transport
// handle once per call, so callers may swap handles to insert
// additional layers without any back-pointer mutation.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/loopholelabs/tlsterm/pkg/brigade"
)

var (
	// ErrWouldBlock reports that a non-blocking operation has no data
	// or capacity yet. It is a retry status, not a failure.
	ErrWouldBlock = errors.New("transport would block")
)

const (
	// maxReadChunk caps a single network read.
	maxReadChunk = 64 * 1024
)

// Transport moves raw bytes to and from the wire. ReadBytes follows
// READBYTES semantics exclusively: it appends up to max bytes to dst
// after at most one network round, marks a clean end of stream with a
// MetaEOS bucket, and returns ErrWouldBlock when non-blocking and idle.
// Write consumes the entire brigade on success.
type Transport interface {
	ReadBytes(dst *brigade.Brigade, block bool, max int64) error
	Write(bb *brigade.Brigade) error
}

var _ Transport = (*NetTransport)(nil)

// NetTransport implements Transport over a net.Conn, using read
// deadlines to provide non-blocking reads.
type NetTransport struct {
	conn net.Conn
}

// NewNet creates a NetTransport over conn.
func NewNet(conn net.Conn) *NetTransport {
	return &NetTransport{conn: conn}
}

// Conn returns the underlying connection.
func (t *NetTransport) Conn() net.Conn {
	return t.conn
}

func (t *NetTransport) ReadBytes(dst *brigade.Brigade, block bool, max int64) error {
	if max <= 0 || max > maxReadChunk {
		max = maxReadChunk
	}
	if !block {
		if err := t.conn.SetReadDeadline(time.Now()); err != nil {
			return fmt.Errorf("failed to arm read deadline: %w", err)
		}
		defer func() {
			_ = t.conn.SetReadDeadline(time.Time{})
		}()
	}

	buf := make([]byte, max)
	n, err := t.conn.Read(buf)
	if n > 0 {
		dst.AppendData(buf[:n])
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			dst.Append(brigade.Marker(brigade.MetaEOS))
			return nil
		}
		var ne net.Error
		if !block && errors.As(err, &ne) && ne.Timeout() {
			if n > 0 {
				return nil
			}
			return ErrWouldBlock
		}
		return fmt.Errorf("failed to read from network: %w", err)
	}
	return nil
}

func (t *NetTransport) Write(bb *brigade.Brigade) error {
	for !bb.Empty() {
		b := bb.PopFirst()
		switch {
		case b.Meta == brigade.MetaFlush:
			// the socket is unbuffered, nothing held back
		case b.Meta == brigade.MetaEOS, b.Meta == brigade.MetaEOC:
			if cw, ok := t.conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		case b.IsFile():
			r := io.NewSectionReader(b.File, b.Offset, b.Length)
			if _, err := io.Copy(t.conn, r); err != nil {
				return fmt.Errorf("failed to write file data to network: %w", err)
			}
		default:
			if err := writeFull(t.conn, b.Data); err != nil {
				return fmt.Errorf("failed to write to network: %w", err)
			}
		}
	}
	return nil
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
