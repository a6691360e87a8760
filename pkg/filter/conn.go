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
	"log/slog"

	"github.com/google/uuid"

	"github.com/loopholelabs/tlsterm/pkg/engine"
	"github.com/loopholelabs/tlsterm/pkg/metrics"
	"github.com/loopholelabs/tlsterm/pkg/vars"
	"github.com/loopholelabs/tlsterm/pkg/vhost"
)

var (
	ErrNoResolver = errors.New("connection has no host resolver")
)

// State is the lifecycle of a TLS connection. It only ever moves
// forward, except for the jump to StateDone that any fatal error takes.
type State uint8

const (
	// StatePreHandshake: inspecting the ClientHello to select the
	// virtual host. Nothing is written to the client.
	StatePreHandshake State = iota
	// StateHandshaking: the real handshake against the selected host's
	// session is in progress.
	StateHandshaking
	// StateTraffic: steady-state encrypted application traffic.
	StateTraffic
	// StateNotified: the outbound side saw end-of-connection and the
	// engine was told to close; output is flush-only from here.
	StateNotified
	// StateDone: terminal. Filters pass bytes through untouched.
	StateDone
	// StateIgnored: terminal from the start. The connection was never
	// eligible for TLS and the filters are no-ops.
	StateIgnored
)

func (s State) String() string {
	switch s {
	case StatePreHandshake:
		return "pre-handshake"
	case StateHandshaking:
		return "handshaking"
	case StateTraffic:
		return "traffic"
	case StateNotified:
		return "notified"
	case StateDone:
		return "done"
	case StateIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// ConnOptions configures a per-connection state record.
type ConnOptions struct {
	// Resolver selects the virtual host by SNI. Required unless
	// Disabled is set.
	Resolver *vhost.Resolver

	// Disabled marks the connection as never eligible for TLS; its
	// filters pass bytes through untouched.
	Disabled bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Conn is the per-connection mutable TLS state, owned by exactly one
// goroutine for the connection's lifetime.
type Conn struct {
	id       string
	state    State
	engine   engine.Session
	resolver *vhost.Resolver
	host     *vhost.Host

	protocol        string
	cipher          string
	sniHostname     string
	clientHelloSeen bool
	vars            map[string]string
	aborted         bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConn creates connection state. Unless disabled, it starts in
// StatePreHandshake with an inspection session built from the base
// host, which SNI resolution may replace during the handshake.
func NewConn(opts ConnOptions) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:      uuid.NewString(),
		metrics: opts.Metrics,
	}
	c.logger = logger.With(slog.String("conn", c.id))

	if opts.Disabled {
		c.state = StateIgnored
		return c, nil
	}
	if opts.Resolver == nil {
		return nil, ErrNoResolver
	}
	c.resolver = opts.Resolver
	c.host = opts.Resolver.Base()
	e, err := c.host.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create inspection session: %w", err)
	}
	c.engine = e
	c.state = StatePreHandshake
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// Host returns the selected virtual host. Before SNI resolution this is
// the base host.
func (c *Conn) Host() *vhost.Host {
	return c.host
}

// Protocol returns the negotiated protocol name, empty before the
// handshake completes.
func (c *Conn) Protocol() string {
	return c.protocol
}

// CipherSuite returns the negotiated cipher suite name, empty before
// the handshake completes.
func (c *Conn) CipherSuite() string {
	return c.cipher
}

// SNIHostname returns the server name the client indicated, or empty.
func (c *Conn) SNIHostname() string {
	return c.sniHostname
}

// ClientHelloSeen reports whether a complete ClientHello has been
// observed on this connection.
func (c *Conn) ClientHelloSeen() bool {
	return c.clientHelloSeen
}

// Vars returns the variable export computed at handshake completion.
// The map is read-only; it is nil before the handshake completes.
func (c *Conn) Vars() map[string]string {
	return c.vars
}

// Aborted reports whether the connection was torn down on a fatal
// error.
func (c *Conn) Aborted() bool {
	return c.aborted
}

func (c *Conn) setState(s State) {
	if s == c.state {
		return
	}
	c.logger.Debug("connection state change",
		slog.String("from", c.state.String()),
		slog.String("to", s.String()))
	c.state = s
}

// initServer resolves the virtual host from the inspected ClientHello
// and replaces the inspection session with a fresh session built from
// that host's configuration. The selected host is frozen from here on.
func (c *Conn) initServer() error {
	sni := c.engine.SNIHostname()
	host := c.resolver.Lookup(sni)
	e, err := host.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to create session for host %s: %w", host.Name(), err)
	}
	c.sniHostname = sni
	c.host = host
	c.engine = e
	c.clientHelloSeen = true
	c.logger.Debug("virtual host selected",
		slog.String("sni", sni),
		slog.String("host", host.Name()))
	return nil
}

// postHandshake records the negotiated parameters, enforces the host's
// protocol policy and computes the variable export. Called exactly once
// when the engine leaves the handshaking state.
func (c *Conn) postHandshake() error {
	c.protocol = c.engine.Protocol()
	c.cipher = c.engine.CipherSuite()
	if !c.host.PermitsProtocol(c.protocol) {
		return fmt.Errorf("host %s does not permit protocol %s", c.host.Name(), c.protocol)
	}
	c.vars = vars.HandshakeDone(c)
	if c.metrics != nil {
		c.metrics.HandshakesTotal.Inc()
	}
	c.logger.Debug("handshake complete",
		slog.String("host", c.host.Name()),
		slog.String("protocol", c.protocol),
		slog.String("cipher", c.cipher))
	return nil
}
