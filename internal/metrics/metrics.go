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

// Package metrics holds the prometheus collectors the core updates as it
// runs: a session gauge, byte counters, and the audit queue depth. Per
// the Design Notes' ban on process-wide globals, collectors are not
// registered against prometheus's default registry at init time the way
// the teacher's lib/srv does; a Set is constructed explicitly and
// registered against whatever *prometheus.Registry the embedding process
// chooses, or left unregistered entirely. No /metrics HTTP handler is
// wired here: serving metrics over HTTP is out of scope (spec section 1
// excludes health/heartbeat endpoints).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set is the fixed collection of collectors this core updates.
type Set struct {
	SessionsActive    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsTerminated prometheus.Counter
	BytesForwarded    *prometheus.CounterVec // labeled by "direction": tx|rx
	AuditQueueDepth   prometheus.Gauge
	JmuxChannelsOpen  prometheus.Gauge
	AdmissionRejected *prometheus.CounterVec // labeled by "reason"
}

// NewSet builds a fresh, unregistered Set.
func NewSet() *Set {
	return &Set{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "sessions_active",
			Help:      "Number of currently live proxy sessions.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "sessions_started_total",
			Help:      "Total number of sessions registered.",
		}),
		SessionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "sessions_terminated_total",
			Help:      "Total number of sessions unregistered.",
		}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes forwarded by the copy engine, by direction.",
		}, []string{"direction"}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "audit_queue_depth",
			Help:      "Number of unacknowledged traffic audit events.",
		}),
		JmuxChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "jmux_channels_open",
			Help:      "Number of currently open JMUX channels across all sessions.",
		}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devolutions_gateway",
			Subsystem: "core",
			Name:      "admission_rejected_total",
			Help:      "Total number of rejected admissions, by reason.",
		}, []string{"reason"}),
	}
}

// Register adds every collector in s to reg. Safe to call with a nil reg,
// in which case it is a no-op, so callers that don't care about metrics
// can skip building a registry at all.
func (s *Set) Register(reg *prometheus.Registry) error {
	if reg == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		s.SessionsActive,
		s.SessionsStarted,
		s.SessionsTerminated,
		s.BytesForwarded,
		s.AuditQueueDepth,
		s.JmuxChannelsOpen,
		s.AdmissionRejected,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveBytesTx/ObserveBytesRx record forwarded byte counts.
func (s *Set) ObserveBytesTx(n int64) {
	if n <= 0 {
		return
	}
	s.BytesForwarded.WithLabelValues("tx").Add(float64(n))
}

func (s *Set) ObserveBytesRx(n int64) {
	if n <= 0 {
		return
	}
	s.BytesForwarded.WithLabelValues("rx").Add(float64(n))
}

// SessionStarted/SessionTerminated track the session lifecycle gauge and
// counters together, mirroring how session.Registry publishes the two
// lifecycle events.
func (s *Set) SessionStarted() {
	s.SessionsActive.Inc()
	s.SessionsStarted.Inc()
}

func (s *Set) SessionTerminated() {
	s.SessionsActive.Dec()
	s.SessionsTerminated.Inc()
}

// AdmissionRejectedReason increments the rejected-admission counter for reason.
func (s *Set) AdmissionRejectedReason(reason string) {
	s.AdmissionRejected.WithLabelValues(reason).Inc()
}
