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

	"golang.org/x/crypto/cryptobyte"

	"github.com/loopholelabs/tlsterm/pkg/engine"
)

var _ engine.Engine = (*Client)(nil)
var _ engine.Introspector = (*Client)(nil)

// Client is the initiating half of the toy protocol. Its ClientHello is
// queued at construction, so a fresh client wants to write first.
type Client struct {
	opts Options

	in    []byte
	out   []byte
	plain []byte

	sni             string
	protocol        string
	cipher          string
	serverHelloSeen bool

	closed   bool
	notified bool
}

func NewClient(sni string, opts Options) *Client {
	c := &Client{
		opts: opts.withDefaults(),
		sni:  sni,
	}
	c.out = appendRecord(c.out, recHandshake, clientHello(sni))
	return c
}

func (c *Client) FeedCiphertext(p []byte) (int, error) {
	n := len(p)
	if c.opts.MaxFeed > 0 && n > c.opts.MaxFeed {
		n = c.opts.MaxFeed
	}
	c.in = append(c.in, p[:n]...)
	if err := c.process(); err != nil {
		return n, err
	}
	return n, nil
}

func (c *Client) process() error {
	for {
		typ, payload, rest, ok, err := nextRecord(c.in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.in = rest
		switch typ {
		case recHandshake:
			if err := c.handshakeMessage(payload); err != nil {
				return err
			}
		case recAppData:
			if c.IsHandshaking() {
				return engine.Errorf("feed ciphertext", "application data before handshake completion")
			}
			c.plain = append(c.plain, unmask(payload)...)
		case recAlert:
			c.closed = true
		}
	}
}

func (c *Client) handshakeMessage(payload []byte) error {
	str := cryptobyte.String(payload)
	var msg uint8
	if !str.ReadUint8(&msg) {
		return engine.Errorf("feed ciphertext", "empty handshake message")
	}
	switch msg {
	case msgServerHello:
		var protocol, cipher cryptobyte.String
		if !str.ReadUint16LengthPrefixed(&protocol) || !str.ReadUint16LengthPrefixed(&cipher) {
			return engine.Errorf("feed ciphertext", "malformed server hello")
		}
		c.protocol = string(protocol)
		c.cipher = string(cipher)
		c.serverHelloSeen = true
		c.out = appendRecord(c.out, recHandshake, finished())
	default:
		return engine.Errorf("feed ciphertext", "unexpected handshake message %d", msg)
	}
	return nil
}

func (c *Client) DrainPlaintext(p []byte) (int, error) {
	if len(c.plain) == 0 {
		if c.closed {
			return 0, engine.ErrClosed
		}
		return 0, nil
	}
	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

func (c *Client) FeedPlaintext(p []byte) (int, error) {
	if c.IsHandshaking() {
		return 0, engine.Errorf("feed plaintext", "handshake not complete")
	}
	if c.notified {
		return 0, engine.ErrClosed
	}
	n := len(p)
	if capacity := c.opts.PendingLimit - len(c.out); n > capacity {
		n = capacity
	}
	if c.opts.MaxAccept > 0 && n > c.opts.MaxAccept {
		n = c.opts.MaxAccept
	}
	if n <= 0 {
		return 0, nil
	}
	c.out = appendMasked(c.out, p[:n])
	return n, nil
}

func (c *Client) DrainCiphertext(p []byte) (int, error) {
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *Client) IsHandshaking() bool {
	return !c.serverHelloSeen
}

func (c *Client) WantsRead() bool {
	if len(c.out) > 0 {
		return false
	}
	return c.IsHandshaking()
}

func (c *Client) WantsWrite() bool {
	return len(c.out) > 0
}

func (c *Client) SendCloseNotify() {
	if c.notified {
		return
	}
	c.notified = true
	c.out = appendRecord(c.out, recAlert, []byte{0})
}

func (c *Client) Protocol() string {
	return c.protocol
}

func (c *Client) CipherSuite() string {
	return c.cipher
}

// Handshake drives the client's handshake to completion over conn,
// blocking on reads as needed.
func (c *Client) Handshake(conn io.ReadWriter) error {
	buf := make([]byte, 4096)
	for {
		for c.WantsWrite() {
			n, err := c.DrainCiphertext(buf)
			if err != nil {
				return err
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write handshake bytes: %w", err)
			}
		}
		if !c.IsHandshaking() {
			return nil
		}
		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("failed to read handshake bytes: %w", err)
		}
		if _, err := c.FeedCiphertext(buf[:n]); err != nil {
			return err
		}
	}
}
