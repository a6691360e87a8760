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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.HandshakesTotal.Inc()
	m.CiphertextInBytes.Add(512)

	require.Equal(t, float64(1), testutil.ToFloat64(m.HandshakesTotal))
	require.Equal(t, float64(512), testutil.ToFloat64(m.CiphertextInBytes))
	require.Equal(t, float64(0), testutil.ToFloat64(m.HandshakeFailures))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 7)
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_ = New(registry)
	require.Panics(t, func() {
		_ = New(registry)
	})
}
