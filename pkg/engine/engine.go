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

// Package engine defines the contract for the opaque TLS record and
// handshake engine driven by the connection filter. The engine owns the
// wire format and all cryptographic state; the filter only shuttles
// bytes and reacts to the engine's readiness queries. None of the
// operations block.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when the peer has shut the session down.
	ErrClosed = errors.New("session is closed")
)

// Error wraps a failure reported by the engine. Engine failures are
// always fatal to the connection; the filter aborts and never retries.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates an engine Error for the given operation.
func Errorf(op string, format string, args ...interface{}) *Error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

// Engine is a single TLS session. Feed and drain operations may
// allocate internally but never block; progress is driven by the
// readiness queries.
type Engine interface {
	// FeedCiphertext hands wire bytes to the engine and returns how
	// many it consumed. Consuming less than offered is valid; the
	// caller retries the remainder later. Malformed records fail with
	// *Error and the connection must be aborted.
	FeedCiphertext(p []byte) (int, error)

	// DrainPlaintext fills p with decrypted bytes and returns the
	// count. Zero means no complete record has been decrypted yet, not
	// end of stream.
	DrainPlaintext(p []byte) (int, error)

	// FeedPlaintext hands application bytes to the engine for
	// encryption and returns how many it accepted. The engine may
	// accept less than offered when its internal buffers are full.
	FeedPlaintext(p []byte) (int, error)

	// DrainCiphertext fills p with pending wire bytes and returns the
	// count. The engine chooses how much to emit per call; callers loop
	// while WantsWrite reports true.
	DrainCiphertext(p []byte) (int, error)

	// IsHandshaking reports whether the handshake is still in progress.
	IsHandshaking() bool

	// WantsRead reports whether the engine needs more wire bytes.
	WantsRead() bool

	// WantsWrite reports whether the engine has wire bytes pending.
	WantsWrite() bool

	// SendCloseNotify schedules a close-notify record for the next
	// DrainCiphertext. Safe to call more than once.
	SendCloseNotify()
}

// HelloInspector is implemented by engines that can report on the
// incoming ClientHello before the handshake proceeds. The filter uses
// it during the SNI peek to select the virtual host.
type HelloInspector interface {
	// ClientHelloSeen reports whether a complete ClientHello has been
	// parsed from the bytes fed so far.
	ClientHelloSeen() bool

	// SNIHostname returns the server name indication from the
	// ClientHello, or the empty string when the client sent none.
	SNIHostname() string
}

// Introspector exposes the negotiated session parameters. Values are
// only meaningful once IsHandshaking reports false.
type Introspector interface {
	// Protocol returns the negotiated protocol name, e.g. "TLSv1.3".
	Protocol() string

	// CipherSuite returns the negotiated cipher suite name.
	CipherSuite() string
}

// Session is the full contract the connection filter drives: record
// transformation plus hello inspection and post-handshake
// introspection.
type Session interface {
	Engine
	HelloInspector
	Introspector
}
