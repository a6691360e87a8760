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

// Package tlsterm terminates TLS on accepted connections. A Server
// holds the virtual host set; Connection wraps an accepted net.Conn,
// selects the virtual host from the client's SNI before anything is
// written back, performs the handshake and returns a plaintext
// net.Conn.
//
// The heavy lifting lives in pkg/filter; this package is the facade
// that binds a filter to a real socket.
package tlsterm

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/loopholelabs/tlsterm/pkg/brigade"
	"github.com/loopholelabs/tlsterm/pkg/filter"
	"github.com/loopholelabs/tlsterm/pkg/metrics"
	"github.com/loopholelabs/tlsterm/pkg/transport"
	"github.com/loopholelabs/tlsterm/pkg/vhost"
)

// Options configures a Server.
type Options struct {
	// Resolver maps SNI hostnames to virtual hosts. Required.
	Resolver *vhost.Resolver

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Server terminates TLS for a set of virtual hosts. It is safe for
// concurrent use; per-connection state lives in the Conn it returns.
type Server struct {
	resolver *vhost.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewServer(opts Options) (*Server, error) {
	if opts.Resolver == nil {
		return nil, filter.ErrNoResolver
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		resolver: opts.Resolver,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Connection terminates TLS on conn. It blocks until the handshake
// completes and returns a net.Conn carrying plaintext. On failure the
// TLS session is torn down but conn is left for the caller to close.
func (s *Server) Connection(conn net.Conn) (net.Conn, error) {
	c, err := filter.NewConn(filter.ConnOptions{
		Resolver: s.resolver,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, err
	}
	// blocking degrades after the first network read of an invocation,
	// so a partial flight surfaces as a would-block retry status and the
	// invocation is simply repeated
	f := filter.New(c, transport.NewNet(conn))
	for {
		err := f.Read(brigade.New(), filter.ModeInit, true, 0)
		if err == nil {
			break
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			continue
		}
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}
	return &Conn{
		conn:   conn,
		filter: f,
	}, nil
}
