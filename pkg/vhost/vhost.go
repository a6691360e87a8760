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

// Package vhost holds per-virtual-host TLS configuration and resolves
// an SNI hostname to the host whose certificate should be presented.
// Resolution is a pure lookup; hosts are immutable after construction.
package vhost

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/loopholelabs/tlsterm/pkg/engine"
)

var (
	ErrNoName          = errors.New("host has no name")
	ErrNoEngineFactory = errors.New("host has no engine factory")
	ErrNoBaseHost      = errors.New("resolver has no base host")
)

// Config describes one virtual host.
type Config struct {
	// Name is the hostname clients select via SNI.
	Name string

	// CertPEM and KeyPEM hold the certificate chain and private key.
	// They are validated at construction and handed opaquely to the
	// engine factory.
	CertPEM []byte
	KeyPEM  []byte

	// MinProtocol is the lowest protocol version the host accepts,
	// e.g. "1.2". Empty means no restriction.
	MinProtocol string

	// NewEngine constructs a fresh engine session from this host's
	// material. Called once per connection at handshake time.
	NewEngine func(h *Host) (engine.Session, error)
}

// Host is a validated, immutable virtual host.
type Host struct {
	name        string
	certPEM     []byte
	keyPEM      []byte
	minProtocol *version.Version
	newEngine   func(h *Host) (engine.Session, error)
}

// New validates cfg and builds a Host. Certificate material, when
// present, must parse as a PEM key pair. The minimum protocol version,
// when present, must parse as a version string.
func New(cfg Config) (*Host, error) {
	if cfg.Name == "" {
		return nil, ErrNoName
	}
	if cfg.NewEngine == nil {
		return nil, ErrNoEngineFactory
	}
	h := &Host{
		name:      strings.ToLower(cfg.Name),
		certPEM:   cfg.CertPEM,
		keyPEM:    cfg.KeyPEM,
		newEngine: cfg.NewEngine,
	}
	if len(cfg.CertPEM) > 0 || len(cfg.KeyPEM) > 0 {
		if _, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM); err != nil {
			return nil, fmt.Errorf("failed to load key pair for host %s: %w", cfg.Name, err)
		}
	}
	if cfg.MinProtocol != "" {
		v, err := version.NewVersion(cfg.MinProtocol)
		if err != nil {
			return nil, fmt.Errorf("failed to parse minimum protocol for host %s: %w", cfg.Name, err)
		}
		h.minProtocol = v
	}
	return h, nil
}

// Name returns the host's lowercase name.
func (h *Host) Name() string {
	return h.name
}

// CertPEM returns the certificate chain.
func (h *Host) CertPEM() []byte {
	return h.certPEM
}

// KeyPEM returns the private key.
func (h *Host) KeyPEM() []byte {
	return h.keyPEM
}

// NewEngine constructs a fresh engine session from the host's material.
func (h *Host) NewEngine() (engine.Session, error) {
	return h.newEngine(h)
}

// PermitsProtocol reports whether a negotiated protocol name such as
// "TLSv1.3" satisfies the host's minimum version policy. Unparseable
// names are rejected when a policy is set.
func (h *Host) PermitsProtocol(proto string) bool {
	if h.minProtocol == nil {
		return true
	}
	s := strings.TrimPrefix(strings.TrimPrefix(proto, "TLSv"), "SSLv")
	v, err := version.NewVersion(s)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(h.minProtocol)
}

// Resolver maps an SNI hostname to a Host, falling back to the base
// host when the name is absent or unknown.
type Resolver struct {
	base  *Host
	hosts map[string]*Host
}

// NewResolver creates a Resolver with base as the default host. Every
// host, including base, is addressable by name.
func NewResolver(base *Host, hosts ...*Host) (*Resolver, error) {
	if base == nil {
		return nil, ErrNoBaseHost
	}
	r := &Resolver{
		base:  base,
		hosts: map[string]*Host{base.name: base},
	}
	for _, h := range hosts {
		r.hosts[h.name] = h
	}
	return r, nil
}

// Base returns the default host.
func (r *Resolver) Base() *Host {
	return r.base
}

// Lookup returns the host for the given SNI name, or the base host when
// sni is empty or matches nothing. Matching is case-insensitive.
func (r *Resolver) Lookup(sni string) *Host {
	if sni == "" {
		return r.base
	}
	if h, ok := r.hosts[strings.ToLower(sni)]; ok {
		return h
	}
	return r.base
}
