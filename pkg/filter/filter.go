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

// Package filter is the TLS connection filter engine: the state machine
// and buffering discipline that shuttles bytes between a network
// transport and an opaque TLS engine while serving a byte-oriented
// upstream consumption protocol with four read modes.
//
// A connection is processed by exactly one goroutine at a time; no
// locking is required. All operations are synchronous and may block
// only on the first network read of an inbound invocation, when the
// caller asked for blocking semantics.
package filter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loopholelabs/tlsterm/pkg/brigade"
	"github.com/loopholelabs/tlsterm/pkg/engine"
	"github.com/loopholelabs/tlsterm/pkg/transport"
)

var (
	// ErrAborted is returned from every filter invocation once the
	// connection has been torn down on a fatal error.
	ErrAborted = errors.New("connection aborted")

	// ErrConnReset reports that the peer went away mid-write.
	ErrConnReset = errors.New("connection reset")

	// ErrNotSupported reports a read mode this filter does not
	// implement. It indicates a programming error in the caller, not a
	// runtime failure.
	ErrNotSupported = errors.New("read mode not supported")
)

const (
	// prefPlainWriteSize is the preferred amount of plaintext per TLS
	// record. Filling records to this size hides response part lengths
	// and keeps per-record overhead low.
	prefPlainWriteSize = 16 * 1024

	// recordOverhead is the headroom added for record framing when
	// sizing small ciphertext buffers.
	recordOverhead = 1024

	// prefTLSWriteSize is the preferred ciphertext buffer size, one
	// preferred record plus framing.
	prefTLSWriteSize = prefPlainWriteSize + recordOverhead

	// maxTLSChunkSize caps a single ciphertext buffer request.
	maxTLSChunkSize = 4 * prefTLSWriteSize

	// drainChunkSize is the plaintext buffer offered to the engine per
	// drain call on the inbound path.
	drainChunkSize = 8 * 1024

	// defaultLineSize caps a line read when the caller supplied no cap.
	defaultLineSize = 8 * 1024
)

// Mode selects the inbound consumption contract of a Read call.
type Mode uint8

const (
	// ModeInit triggers connection setup (the handshake) and delivers
	// no data. Sent once per connection.
	ModeInit Mode = iota
	// ModeReadBytes delivers up to the requested number of bytes, as
	// many as one decrypt and network round makes available.
	ModeReadBytes
	// ModeGetLine delivers up to and including the first line feed,
	// never more than the cap.
	ModeGetLine
	// ModeSpeculative delivers bytes without consuming them; a later
	// read of any mode sees the same data again.
	ModeSpeculative
	// ModeExhaustive delivers everything currently buffered.
	ModeExhaustive
)

// Filter owns the per-connection buffering between the transport and
// the TLS engine. It is created once per connection and lives for the
// connection's duration.
type Filter struct {
	conn *Conn
	next transport.Transport

	// inbound
	finTLS           *brigade.Brigade // ciphertext awaiting the engine
	finReplay        *brigade.Brigade // raw bytes consumed during the SNI peek
	finPlain         *brigade.Brigade // decrypted bytes awaiting the consumer
	finBlock         bool
	finBytesInEngine int64
	finMaxInEngine   int64

	// outbound
	foutPlain         []byte // staging buffer for plaintext
	foutPlainLen      int
	foutTLS           *brigade.Brigade // ciphertext awaiting the network
	foutBytesInEngine int64
	foutBytesInTLS    int64
	foutMaxInEngine   int64
}

// New creates the filter context for conn with next as its transport.
// The staging buffer holds two preferred records; the backpressure
// thresholds allow two maximum-length TLS messages in flight so the
// engine can always fill records and always has a complete record to
// decrypt when the network delivered one.
func New(conn *Conn, next transport.Transport) *Filter {
	return &Filter{
		conn:            conn,
		next:            next,
		finTLS:          brigade.New(),
		finPlain:        brigade.New(),
		finMaxInEngine:  2 * prefTLSWriteSize,
		foutPlain:       make([]byte, 2*prefPlainWriteSize),
		foutTLS:         brigade.New(),
		foutMaxInEngine: 2 * 2 * prefPlainWriteSize,
	}
}

// Conn returns the connection state this filter serves.
func (f *Filter) Conn() *Conn {
	return f.conn
}

// PendingPlain reports whether decrypted bytes are buffered and a Read
// would succeed without touching the network.
func (f *Filter) PendingPlain() bool {
	if f.conn.aborted || f.conn.state == StateIgnored {
		return false
	}
	return !f.finPlain.Empty()
}

// readCiphertext pulls wire bytes from the transport when none are
// buffered and feeds buffered wire bytes to the engine, up to max. The
// first network read honors the invocation's blocking mode; once any
// data arrived, further reads within this invocation are non-blocking.
// A clean end of stream counts as success when bytes were fed first.
func (f *Filter) readCiphertext(max int64) error {
	if f.finTLS.Empty() {
		if err := f.next.ReadBytes(f.finTLS, f.finBlock, max); err != nil {
			return err
		}
		f.finBlock = false
	}

	var passed int64
	sawEOS := false
loop:
	for !f.finTLS.Empty() && passed < max {
		b := f.finTLS.First()
		switch {
		case b.Meta == brigade.MetaEOS:
			if f.finReplay != nil {
				f.finReplay.Cleanup()
			}
			sawEOS = true
			break loop
		case b.IsMeta():
			f.finTLS.PopFirst()
		default:
			n, err := f.conn.engine.FeedCiphertext(b.Data)
			if err != nil {
				return wrapEngine("feed ciphertext", err)
			}
			if n == 0 {
				// engine buffers are full, retry on the next call
				break loop
			}
			if f.finReplay != nil {
				f.finReplay.AppendData(append([]byte(nil), b.Data[:n]...))
			}
			if n >= len(b.Data) {
				f.finTLS.PopFirst()
			} else {
				b.Data = b.Data[n:]
			}
			passed += int64(n)
			f.finBytesInEngine += int64(n)
			if f.conn.metrics != nil {
				f.conn.metrics.CiphertextInBytes.Add(float64(n))
			}
		}
	}

	if sawEOS {
		if passed > 0 {
			return nil
		}
		return io.EOF
	}
	if passed == 0 && !f.finBlock {
		return transport.ErrWouldBlock
	}
	return nil
}

// drainCiphertext moves pending wire bytes out of the engine into the
// outbound queue. The buffer offered per call adapts to the amount of
// plaintext pending: small requests get just enough room to avoid
// over-allocation, large ones get multiples of the preferred record
// size up to the chunk cap.
func (f *Filter) drainCiphertext() error {
	e := f.conn.engine
	if !e.WantsWrite() {
		return nil
	}
	for {
		buf := make([]byte, f.outChunkSize())
		n, err := e.DrainCiphertext(buf)
		if err != nil {
			return wrapEngine("drain ciphertext", err)
		}
		if n > 0 {
			f.foutTLS.AppendData(buf[:n])
			f.foutBytesInTLS += int64(n)
		}
		if !e.WantsWrite() || n == 0 {
			break
		}
	}
	f.foutBytesInEngine = 0
	return nil
}

func (f *Filter) outChunkSize() int64 {
	pending := f.foutBytesInEngine
	switch {
	case pending < prefTLSWriteSize/2:
		return pending + recordOverhead
	case pending <= maxTLSChunkSize:
		chunks := pending / prefPlainWriteSize
		if chunks == 0 {
			chunks = 1
		}
		if blen := chunks * prefTLSWriteSize; blen <= maxTLSChunkSize {
			return blen
		}
		return maxTLSChunkSize
	default:
		return maxTLSChunkSize
	}
}

// wrapEngine tags err as an engine failure unless it already is one;
// engines report *engine.Error themselves and a second layer would only
// repeat the operation name.
func wrapEngine(op string, err error) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return err
	}
	return &engine.Error{Op: op, Err: err}
}

// writeAll drains the engine and writes the whole outbound queue to the
// transport.
func (f *Filter) writeAll() error {
	if err := f.drainCiphertext(); err != nil {
		return err
	}
	if !f.foutTLS.Empty() {
		n := f.foutTLS.Len()
		err := f.next.Write(f.foutTLS)
		f.foutBytesInTLS = 0
		f.foutTLS.Cleanup()
		if err != nil {
			return fmt.Errorf("failed to write ciphertext to transport: %w", err)
		}
		if f.conn.metrics != nil {
			f.conn.metrics.CiphertextOutBytes.Add(float64(n))
		}
		if f.conn.aborted {
			return ErrConnReset
		}
	}
	return nil
}

// flushOut drains the engine and writes the outbound queue followed by
// a flush marker. Handshake flights use this path so they are never
// delayed by buffering below.
func (f *Filter) flushOut() error {
	if err := f.drainCiphertext(); err != nil {
		return err
	}
	n := f.foutTLS.Len()
	f.foutTLS.Append(brigade.Marker(brigade.MetaFlush))
	err := f.next.Write(f.foutTLS)
	f.foutBytesInTLS = 0
	f.foutTLS.Cleanup()
	if err != nil {
		return fmt.Errorf("failed to flush ciphertext to transport: %w", err)
	}
	if f.conn.metrics != nil && n > 0 {
		f.conn.metrics.CiphertextOutBytes.Add(float64(n))
	}
	return nil
}

// abort tears the connection down: best-effort close-notify and flush,
// then the terminal state. Idempotent; always returns ErrAborted.
func (f *Filter) abort() error {
	if f.conn.state != StateDone {
		if f.conn.engine != nil {
			f.conn.engine.SendCloseNotify()
			_ = f.flushOut()
		}
		f.conn.aborted = true
		f.conn.setState(StateDone)
		if f.conn.metrics != nil {
			f.conn.metrics.ConnectionsAborted.Inc()
		}
		f.conn.logger.Debug("connection aborted")
	}
	return ErrAborted
}

// preHandshake reads the ClientHello into the inspection session
// without ever writing back, so the virtual host can be selected before
// any response is committed. Every raw byte the inspection session
// consumed is recorded; once the host is resolved, the recording and
// any residual unread ciphertext are re-fed, in that order, as the real
// session's input backlog. That ordering reconstructs the client's
// exact byte stream and must not change.
func (f *Filter) preHandshake() error {
	e := f.conn.engine
	if !e.IsHandshaking() {
		return nil
	}
	// a non-blocking invocation may return before the hello is
	// complete; the recording must survive until the caller re-invokes
	if f.finReplay == nil {
		f.conn.logger.Debug("pre-handshake start")
		f.finReplay = brigade.New()
	}
	for !e.ClientHelloSeen() {
		if !e.WantsRead() {
			return engine.Errorf("pre-handshake", "engine stalled before client hello")
		}
		if err := f.readCiphertext(f.finMaxInEngine); err != nil {
			if e.ClientHelloSeen() {
				// we got what we needed
				break
			}
			return err
		}
	}

	if err := f.conn.initServer(); err != nil {
		return err
	}

	// replay first, then whatever the client sent beyond it
	residual := f.finTLS
	f.finTLS = f.finReplay
	f.finReplay = nil
	f.finTLS.Concat(residual)
	f.finBytesInEngine = 0
	return nil
}

// handshake drives the real handshake: feed wire bytes while the engine
// wants them, flush its flights immediately while it has them. Exits
// when the engine reports the handshake done and triggers the
// completion side effects.
func (f *Filter) handshake() error {
	e := f.conn.engine
	if e.IsHandshaking() {
		for e.IsHandshaking() {
			if e.WantsRead() {
				if err := f.readCiphertext(f.finMaxInEngine); err != nil {
					return err
				}
			}
			if e.WantsWrite() {
				if err := f.flushOut(); err != nil {
					return err
				}
			}
		}
		if err := f.conn.postHandshake(); err != nil {
			return err
		}
	}
	return nil
}

// Read is the inbound filter invocation. It drives any pending
// handshake first, then serves dst according to mode: up to max bytes
// (ModeReadBytes), a line (ModeGetLine), a non-consuming view
// (ModeSpeculative) or everything buffered (ModeExhaustive). ModeInit
// performs setup only. When the plaintext buffer is empty it asks the
// engine for decrypted data and, failing that, reads more wire bytes,
// blocking at most once per the caller's request. io.EOF reports a
// clean end of stream; transport.ErrWouldBlock reports an idle
// non-blocking call.
func (f *Filter) Read(dst *brigade.Brigade, mode Mode, block bool, max int64) error {
	f.finBlock = block
	if f.conn.aborted {
		return f.abort()
	}
	if f.conn.engine == nil || f.conn.state == StateDone {
		return f.next.ReadBytes(dst, block, max)
	}

	if f.conn.state == StatePreHandshake {
		if err := f.preHandshake(); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return err
			}
			if f.conn.metrics != nil {
				f.conn.metrics.HandshakeFailures.Inc()
			}
			f.conn.logger.Debug("pre-handshake failed", slog.String("error", err.Error()))
			return f.abort()
		}
		f.conn.setState(StateHandshaking)
	}
	if f.conn.state == StateHandshaking {
		if err := f.handshake(); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return err
			}
			if f.conn.metrics != nil {
				f.conn.metrics.HandshakeFailures.Inc()
			}
			f.conn.logger.Debug("handshake failed", slog.String("error", err.Error()))
			return f.abort()
		}
		f.conn.setState(StateTraffic)
	}

	if mode == ModeInit {
		// setup done, INIT delivers no data
		return nil
	}

	// If nothing is buffered, produce more: ask the engine for
	// decrypted bytes; only a complete record decrypts, so when that
	// yields nothing, read more wire bytes and try again.
	for f.finPlain.Empty() {
		produced := 0
		if f.finBytesInEngine > 0 {
			buf := make([]byte, drainChunkSize)
			n, err := f.conn.engine.DrainPlaintext(buf)
			if err != nil {
				if errors.Is(err, engine.ErrClosed) {
					return io.EOF
				}
				f.conn.logger.Debug("traffic read failed",
					slog.String("error", wrapEngine("drain plaintext", err).Error()))
				return f.abort()
			}
			if n > 0 {
				f.finPlain.AppendData(buf[:n])
				produced = n
			}
		}
		if produced == 0 {
			f.finBytesInEngine = 0
			if err := f.readCiphertext(f.finMaxInEngine); err != nil {
				if errors.Is(err, transport.ErrWouldBlock) || errors.Is(err, io.EOF) {
					return err
				}
				f.conn.logger.Debug("traffic read failed",
					slog.String("error", err.Error()))
				return f.abort()
			}
		}
	}

	var passed int64
	switch mode {
	case ModeGetLine:
		if max <= 0 {
			max = defaultLineSize
		}
		passed = f.finPlain.SplitLine(dst, max)
	case ModeReadBytes:
		if max <= 0 {
			return fmt.Errorf("%w: ModeReadBytes needs a positive byte count", ErrNotSupported)
		}
		passed = f.finPlain.Transfer(dst, max)
	case ModeSpeculative:
		if max <= 0 {
			return fmt.Errorf("%w: ModeSpeculative needs a positive byte count", ErrNotSupported)
		}
		f.finPlain.Copy(dst, max)
	case ModeExhaustive:
		passed = f.finPlain.Len()
		dst.Concat(f.finPlain)
	default:
		return ErrNotSupported
	}
	if f.conn.metrics != nil && passed > 0 {
		f.conn.metrics.PlaintextInBytes.Add(float64(passed))
	}

	// opportunistic: push out anything the engine still holds, e.g.
	// handshake responses
	_ = f.writeAll()
	return nil
}
