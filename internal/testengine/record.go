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

// Package testengine provides a deterministic in-memory stand-in for
// the TLS engine the connection filter drives. It speaks a toy
// record-framed protocol: records carry a type byte and a 16-bit
// length, the handshake needs three flights (ClientHello, ServerHello,
// Finished), application payload is masked so wire bytes differ from
// plaintext, and close-notify travels as an alert record. Plaintext can
// only be recovered once a record's bytes have completely arrived,
// which is the property the filter's buffering exists for.
package testengine

import (
	"encoding/binary"

	"golang.org/x/crypto/cryptobyte"

	"github.com/loopholelabs/tlsterm/pkg/engine"
)

const (
	recAlert     byte = 0x15
	recHandshake byte = 0x16
	recAppData   byte = 0x17

	headerLen        = 3
	maxRecordPayload = 16 * 1024

	// xorMask scrambles application payload on the wire.
	xorMask byte = 0xA5

	// helloPadding pads the ClientHello past 100 bytes so partial
	// arrival is observable.
	helloPadding = 96
)

const (
	msgClientHello uint8 = 1
	msgServerHello uint8 = 2
	msgFinished    uint8 = 3
)

const (
	defaultProtocol     = "TLSv1.3"
	defaultCipher       = "TLS_AES_128_GCM_SHA256"
	defaultPendingLimit = 128 * 1024
)

// Options tune an engine half. The caps exist to exercise the filter's
// partial feed and partial accept paths.
type Options struct {
	// Protocol and Cipher are what the server half negotiates.
	Protocol string
	Cipher   string

	// MaxFeed caps the ciphertext bytes consumed per FeedCiphertext
	// call. Zero means unlimited.
	MaxFeed int

	// MaxAccept caps the plaintext bytes accepted per FeedPlaintext
	// call. Zero means unlimited.
	MaxAccept int

	// PendingLimit caps queued outbound ciphertext. Zero selects the
	// default.
	PendingLimit int
}

func (o Options) withDefaults() Options {
	if o.Protocol == "" {
		o.Protocol = defaultProtocol
	}
	if o.Cipher == "" {
		o.Cipher = defaultCipher
	}
	if o.PendingLimit == 0 {
		o.PendingLimit = defaultPendingLimit
	}
	return o
}

func appendRecord(dst []byte, typ byte, payload []byte) []byte {
	dst = append(dst, typ, byte(len(payload)>>8), byte(len(payload)))
	return append(dst, payload...)
}

// appendMasked frames plaintext into masked application records of at
// most maxRecordPayload each.
func appendMasked(dst []byte, p []byte) []byte {
	for len(p) > 0 {
		n := len(p)
		if n > maxRecordPayload {
			n = maxRecordPayload
		}
		dst = append(dst, recAppData, byte(n>>8), byte(n))
		for i := 0; i < n; i++ {
			dst = append(dst, p[i]^xorMask)
		}
		p = p[n:]
	}
	return dst
}

func unmask(p []byte) []byte {
	out := make([]byte, len(p))
	for i := range p {
		out[i] = p[i] ^ xorMask
	}
	return out
}

// nextRecord extracts one complete record from buf. ok is false while
// the record's bytes have not completely arrived.
func nextRecord(buf []byte) (typ byte, payload []byte, rest []byte, ok bool, err error) {
	if len(buf) < headerLen {
		return 0, nil, buf, false, nil
	}
	typ = buf[0]
	switch typ {
	case recAlert, recHandshake, recAppData:
	default:
		return 0, nil, buf, false, engine.Errorf("feed ciphertext", "malformed record type %#x", typ)
	}
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if length > maxRecordPayload {
		return 0, nil, buf, false, engine.Errorf("feed ciphertext", "record length %d exceeds maximum", length)
	}
	if len(buf) < headerLen+length {
		return 0, nil, buf, false, nil
	}
	return typ, buf[headerLen : headerLen+length], buf[headerLen+length:], true, nil
}

func clientHello(sni string) []byte {
	var b cryptobyte.Builder
	b.AddUint8(msgClientHello)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(sni))
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(make([]byte, helloPadding))
	})
	return b.BytesOrPanic()
}

func serverHello(protocol string, cipher string) []byte {
	var b cryptobyte.Builder
	b.AddUint8(msgServerHello)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(protocol))
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(cipher))
	})
	return b.BytesOrPanic()
}

func finished() []byte {
	var b cryptobyte.Builder
	b.AddUint8(msgFinished)
	return b.BytesOrPanic()
}
