/*
Copyright 2026 Devolutions Gateway Core Authors

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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-core/internal/metrics"
)

func TestRegisterIsANoOpWithoutARegistry(t *testing.T) {
	s := metrics.NewSet()
	require.NoError(t, s.Register(nil))
}

func TestRegisterAddsEveryCollectorExactlyOnce(t *testing.T) {
	s := metrics.NewSet()
	reg := prometheus.NewRegistry()
	require.NoError(t, s.Register(reg))

	// Registering the same Set again collides on every metric name.
	require.Error(t, s.Register(reg))
}

func TestObserveBytesTxAndRxAreLabeledByDirection(t *testing.T) {
	s := metrics.NewSet()

	s.ObserveBytesTx(10)
	s.ObserveBytesTx(5)
	s.ObserveBytesRx(3)

	require.Equal(t, float64(15), testutil.ToFloat64(s.BytesForwarded.WithLabelValues("tx")))
	require.Equal(t, float64(3), testutil.ToFloat64(s.BytesForwarded.WithLabelValues("rx")))
}

func TestObserveBytesIgnoresNonPositiveCounts(t *testing.T) {
	s := metrics.NewSet()

	s.ObserveBytesTx(0)
	s.ObserveBytesTx(-5)
	s.ObserveBytesRx(-1)

	require.Equal(t, float64(0), testutil.ToFloat64(s.BytesForwarded.WithLabelValues("tx")))
	require.Equal(t, float64(0), testutil.ToFloat64(s.BytesForwarded.WithLabelValues("rx")))
}

func TestSessionLifecycleTracksGaugeAndCounters(t *testing.T) {
	s := metrics.NewSet()

	s.SessionStarted()
	s.SessionStarted()
	require.Equal(t, float64(2), testutil.ToFloat64(s.SessionsActive))
	require.Equal(t, float64(2), testutil.ToFloat64(s.SessionsStarted))

	s.SessionTerminated()
	require.Equal(t, float64(1), testutil.ToFloat64(s.SessionsActive))
	require.Equal(t, float64(1), testutil.ToFloat64(s.SessionsTerminated))
}

func TestAdmissionRejectedReasonIsLabeled(t *testing.T) {
	s := metrics.NewSet()

	s.AdmissionRejectedReason("expired")
	s.AdmissionRejectedReason("expired")
	s.AdmissionRejectedReason("bad_signature")

	require.Equal(t, float64(2), testutil.ToFloat64(s.AdmissionRejected.WithLabelValues("expired")))
	require.Equal(t, float64(1), testutil.ToFloat64(s.AdmissionRejected.WithLabelValues("bad_signature")))
}
