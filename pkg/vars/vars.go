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

// Package vars exports negotiated TLS session parameters as named
// variables for downstream request processing. The export map is
// computed once at handshake completion and read-only afterwards.
package vars

// Session is the completed connection state the lookups draw from.
type Session interface {
	Protocol() string
	CipherSuite() string
	SNIHostname() string
}

type lookup func(s Session) string

var defs = map[string]lookup{
	"SSL_PROTOCOL": func(s Session) string { return s.Protocol() },
	"SSL_CIPHER":   func(s Session) string { return s.CipherSuite() },
	"SSL_TLS_SNI":  func(s Session) string { return s.SNIHostname() },
}

// alwaysVars are exported on every TLS connection at handshake
// completion.
var alwaysVars = []string{
	"SSL_TLS_SNI",
	"SSL_PROTOCOL",
	"SSL_CIPHER",
}

// Lookup resolves a single variable by name. Unknown names and empty
// values resolve to the empty string.
func Lookup(s Session, name string) string {
	if def, ok := defs[name]; ok {
		return def(s)
	}
	return ""
}

// HandshakeDone computes the variable export for a completed handshake.
// The map always carries HTTPS=on; variables with empty values are
// omitted.
func HandshakeDone(s Session) map[string]string {
	env := make(map[string]string, len(alwaysVars)+1)
	env["HTTPS"] = "on"
	for _, name := range alwaysVars {
		if val := Lookup(s, name); val != "" {
			env[name] = val
		}
	}
	return env
}
