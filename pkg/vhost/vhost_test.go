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

package vhost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/tlsterm/internal/testpki"
	"github.com/loopholelabs/tlsterm/pkg/engine"
)

func noEngine(_ *Host) (engine.Session, error) {
	return nil, nil
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{NewEngine: noEngine})
	require.ErrorIs(t, err, ErrNoName)

	_, err = New(Config{Name: "a.net"})
	require.ErrorIs(t, err, ErrNoEngineFactory)

	_, err = New(Config{Name: "a.net", NewEngine: noEngine, CertPEM: []byte("junk"), KeyPEM: []byte("junk")})
	require.Error(t, err)

	_, err = New(Config{Name: "a.net", NewEngine: noEngine, MinProtocol: "not-a-version"})
	require.Error(t, err)
}

func TestNewWithCertificate(t *testing.T) {
	pki, err := testpki.New()
	require.NoError(t, err)
	cert, key, err := pki.HostCert("a.net")
	require.NoError(t, err)

	h, err := New(Config{Name: "A.Net", NewEngine: noEngine, CertPEM: cert, KeyPEM: key})
	require.NoError(t, err)
	require.Equal(t, "a.net", h.Name())
	require.Equal(t, cert, h.CertPEM())
	require.Equal(t, key, h.KeyPEM())
}

func TestPermitsProtocol(t *testing.T) {
	h, err := New(Config{Name: "a.net", NewEngine: noEngine, MinProtocol: "1.2"})
	require.NoError(t, err)

	require.True(t, h.PermitsProtocol("TLSv1.2"))
	require.True(t, h.PermitsProtocol("TLSv1.3"))
	require.False(t, h.PermitsProtocol("TLSv1.0"))
	require.False(t, h.PermitsProtocol("TLSv1.1"))
	require.False(t, h.PermitsProtocol("garbage"))

	open, err := New(Config{Name: "b.net", NewEngine: noEngine})
	require.NoError(t, err)
	require.True(t, open.PermitsProtocol("TLSv1.0"))
	require.True(t, open.PermitsProtocol("garbage"))
}

func TestResolverLookup(t *testing.T) {
	base, err := New(Config{Name: "a.net", NewEngine: noEngine})
	require.NoError(t, err)
	other, err := New(Config{Name: "b.net", NewEngine: noEngine})
	require.NoError(t, err)

	_, err = NewResolver(nil)
	require.ErrorIs(t, err, ErrNoBaseHost)

	r, err := NewResolver(base, other)
	require.NoError(t, err)

	require.Same(t, base, r.Base())
	require.Same(t, base, r.Lookup(""))
	require.Same(t, base, r.Lookup("unknown.example"))
	require.Same(t, other, r.Lookup("b.net"))
	require.Same(t, other, r.Lookup("B.NET"))
	require.Same(t, base, r.Lookup("a.net"))
}
