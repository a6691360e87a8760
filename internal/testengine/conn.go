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

package testengine

import (
	"fmt"
	"io"
	"net"
	"time"
)

var _ net.Conn = (*Conn)(nil)

// Conn adapts a handshaken Client into a net.Conn carrying plaintext.
// It is the peer the filter tests talk to.
type Conn struct {
	conn   net.Conn
	client *Client
}

func NewConn(conn net.Conn, client *Client) (*Conn, error) {
	if client.IsHandshaking() {
		return nil, fmt.Errorf("handshake is not complete")
	}
	return &Conn{
		conn:   conn,
		client: client,
	}, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	buf := make([]byte, 4096)
	for {
		n, err := c.client.DrainPlaintext(b)
		if err != nil {
			return 0, io.EOF
		}
		if n > 0 {
			return n, nil
		}
		n, err = c.conn.Read(buf)
		if err != nil {
			return 0, err
		}
		if _, err := c.client.FeedCiphertext(buf[:n]); err != nil {
			return 0, err
		}
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	var written int
	for len(b) > 0 {
		n, err := c.client.FeedPlaintext(b)
		if err != nil {
			return written, err
		}
		if err := c.flush(); err != nil {
			return written, err
		}
		b = b[n:]
		written += n
	}
	return written, nil
}

func (c *Conn) flush() error {
	buf := make([]byte, 4096)
	for c.client.WantsWrite() {
		n, err := c.client.DrainCiphertext(buf)
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Close() error {
	c.client.SendCloseNotify()
	if err := c.flush(); err != nil {
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
