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

package vars

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	protocol string
	cipher   string
	sni      string
}

func (f *fakeSession) Protocol() string    { return f.protocol }
func (f *fakeSession) CipherSuite() string { return f.cipher }
func (f *fakeSession) SNIHostname() string { return f.sni }

func TestLookup(t *testing.T) {
	s := &fakeSession{protocol: "TLSv1.3", cipher: "TLS_AES_128_GCM_SHA256", sni: "a.net"}

	require.Equal(t, "TLSv1.3", Lookup(s, "SSL_PROTOCOL"))
	require.Equal(t, "TLS_AES_128_GCM_SHA256", Lookup(s, "SSL_CIPHER"))
	require.Equal(t, "a.net", Lookup(s, "SSL_TLS_SNI"))
	require.Equal(t, "", Lookup(s, "SSL_NO_SUCH_VAR"))
}

func TestHandshakeDone(t *testing.T) {
	s := &fakeSession{protocol: "TLSv1.3", cipher: "TLS_AES_128_GCM_SHA256", sni: "a.net"}

	env := HandshakeDone(s)
	require.Equal(t, map[string]string{
		"HTTPS":        "on",
		"SSL_PROTOCOL": "TLSv1.3",
		"SSL_CIPHER":   "TLS_AES_128_GCM_SHA256",
		"SSL_TLS_SNI":  "a.net",
	}, env)
}

func TestHandshakeDoneOmitsEmpty(t *testing.T) {
	s := &fakeSession{protocol: "TLSv1.2", cipher: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"}

	env := HandshakeDone(s)
	require.Equal(t, "on", env["HTTPS"])
	_, ok := env["SSL_TLS_SNI"]
	require.False(t, ok)
}
