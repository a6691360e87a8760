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
	"golang.org/x/crypto/cryptobyte"

	"github.com/loopholelabs/tlsterm/pkg/engine"
)

var _ engine.Session = (*Server)(nil)

// Server is the accepting half of the toy protocol. It waits for a
// ClientHello, answers with a ServerHello carrying the configured
// protocol and cipher, and is done once the client's Finished arrives.
type Server struct {
	opts Options

	in    []byte
	out   []byte
	plain []byte

	sni          string
	helloSeen    bool
	helloQueued  bool
	finishedSeen bool

	closed   bool
	notified bool
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts.withDefaults()}
}

func (s *Server) FeedCiphertext(p []byte) (int, error) {
	n := len(p)
	if s.opts.MaxFeed > 0 && n > s.opts.MaxFeed {
		n = s.opts.MaxFeed
	}
	s.in = append(s.in, p[:n]...)
	if err := s.process(); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Server) process() error {
	for {
		typ, payload, rest, ok, err := nextRecord(s.in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		s.in = rest
		switch typ {
		case recHandshake:
			if err := s.handshakeMessage(payload); err != nil {
				return err
			}
		case recAppData:
			if s.IsHandshaking() {
				return engine.Errorf("feed ciphertext", "application data before handshake completion")
			}
			s.plain = append(s.plain, unmask(payload)...)
		case recAlert:
			s.closed = true
		}
	}
}

func (s *Server) handshakeMessage(payload []byte) error {
	str := cryptobyte.String(payload)
	var msg uint8
	if !str.ReadUint8(&msg) {
		return engine.Errorf("feed ciphertext", "empty handshake message")
	}
	switch msg {
	case msgClientHello:
		var sni, padding cryptobyte.String
		if !str.ReadUint16LengthPrefixed(&sni) || !str.ReadUint16LengthPrefixed(&padding) {
			return engine.Errorf("feed ciphertext", "malformed client hello")
		}
		s.sni = string(sni)
		s.helloSeen = true
		s.out = appendRecord(s.out, recHandshake, serverHello(s.opts.Protocol, s.opts.Cipher))
		s.helloQueued = true
	case msgFinished:
		if !s.helloQueued {
			return engine.Errorf("feed ciphertext", "finished before client hello")
		}
		s.finishedSeen = true
	default:
		return engine.Errorf("feed ciphertext", "unexpected handshake message %d", msg)
	}
	return nil
}

func (s *Server) DrainPlaintext(p []byte) (int, error) {
	if len(s.plain) == 0 {
		if s.closed {
			return 0, engine.ErrClosed
		}
		return 0, nil
	}
	n := copy(p, s.plain)
	s.plain = s.plain[n:]
	return n, nil
}

func (s *Server) FeedPlaintext(p []byte) (int, error) {
	if s.IsHandshaking() {
		return 0, engine.Errorf("feed plaintext", "handshake not complete")
	}
	if s.notified {
		return 0, engine.ErrClosed
	}
	n := len(p)
	if capacity := s.opts.PendingLimit - len(s.out); n > capacity {
		n = capacity
	}
	if s.opts.MaxAccept > 0 && n > s.opts.MaxAccept {
		n = s.opts.MaxAccept
	}
	if n <= 0 {
		return 0, nil
	}
	s.out = appendMasked(s.out, p[:n])
	return n, nil
}

func (s *Server) DrainCiphertext(p []byte) (int, error) {
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *Server) IsHandshaking() bool {
	return !(s.helloQueued && s.finishedSeen)
}

func (s *Server) WantsRead() bool {
	if len(s.out) > 0 {
		return false
	}
	return s.IsHandshaking()
}

func (s *Server) WantsWrite() bool {
	return len(s.out) > 0
}

func (s *Server) SendCloseNotify() {
	if s.notified {
		return
	}
	s.notified = true
	s.out = appendRecord(s.out, recAlert, []byte{0})
}

func (s *Server) ClientHelloSeen() bool {
	return s.helloSeen
}

func (s *Server) SNIHostname() string {
	return s.sni
}

func (s *Server) Protocol() string {
	return s.opts.Protocol
}

func (s *Server) CipherSuite() string {
	return s.opts.Cipher
}
