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

// Package metrics provides Prometheus instrumentation for the TLS
// termination layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters the connection filter feeds. All fields
// are safe for concurrent use across connections.
type Metrics struct {
	HandshakesTotal    prometheus.Counter
	HandshakeFailures  prometheus.Counter
	ConnectionsAborted prometheus.Counter
	CiphertextInBytes  prometheus.Counter
	CiphertextOutBytes prometheus.Counter
	PlaintextInBytes   prometheus.Counter
	PlaintextOutBytes  prometheus.Counter
}

// New registers the termination metrics with reg. A nil registerer uses
// the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		HandshakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "handshakes_total",
			Help:      "Total number of completed TLS handshakes",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "handshake_failures_total",
			Help:      "Total number of failed TLS handshakes",
		}),
		ConnectionsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "connections_aborted_total",
			Help:      "Total number of connections torn down on a fatal error",
		}),
		CiphertextInBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "ciphertext_in_bytes_total",
			Help:      "Wire bytes fed to the TLS engine",
		}),
		CiphertextOutBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "ciphertext_out_bytes_total",
			Help:      "Wire bytes written to the network",
		}),
		PlaintextInBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "plaintext_in_bytes_total",
			Help:      "Decrypted bytes delivered to the consumer",
		}),
		PlaintextOutBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tlsterm",
			Name:      "plaintext_out_bytes_total",
			Help:      "Application bytes accepted for encryption",
		}),
	}
}
