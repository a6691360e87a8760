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

package tlsterm

import (
	"errors"
	"net"
	"time"

	"github.com/loopholelabs/tlsterm/pkg/brigade"
	"github.com/loopholelabs/tlsterm/pkg/filter"
	"github.com/loopholelabs/tlsterm/pkg/transport"
)

var _ net.Conn = (*Conn)(nil)

// Conn presents a terminated TLS session as a plaintext net.Conn. Reads
// and writes must each come from one goroutine at a time.
type Conn struct {
	conn   net.Conn
	filter *filter.Filter
}

// Session returns the underlying connection state for introspection,
// e.g. the negotiated protocol or the variable export.
func (c *Conn) Session() *filter.Conn {
	return c.filter.Conn()
}

func (c *Conn) Read(b []byte) (int, error) {
	dst := brigade.New()
	for {
		err := c.filter.Read(dst, filter.ModeReadBytes, true, int64(len(b)))
		if err != nil {
			// a partial record surfaces as a would-block retry status
			// even on a blocking read; re-invoke until it decrypts
			if errors.Is(err, transport.ErrWouldBlock) {
				continue
			}
			return 0, err
		}
		return copy(b, dst.Bytes()), nil
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	bb := brigade.New()
	bb.AppendData(b)
	bb.Append(brigade.Marker(brigade.MetaFlush))
	if err := c.filter.Write(bb); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) Close() error {
	bb := brigade.New()
	bb.Append(brigade.Marker(brigade.MetaEOC))
	if err := c.filter.Write(bb); err != nil && !errors.Is(err, filter.ErrAborted) {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
