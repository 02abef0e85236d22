// Package dmetrics holds the Prometheus collectors for linking.
//
// A nil *Metrics is valid and records nothing,
// so components never need to check whether metrics were configured.
package dmetrics

import (
	"time"

	"github.com/gordian-engine/tether/dconn"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tether"

// Metrics is the set of linking collectors.
type Metrics struct {
	attemptResults   *prometheus.CounterVec
	resends          prometheus.Counter
	lockTransfers    prometheus.Counter
	handshake        prometheus.Histogram
	responderReplies *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// If reg is nil, the collectors are usable but unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attemptResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "attempt_results_total",
			Help:      "Finished link attempts, by connection type and result.",
		}, []string{"type", "result"}),

		resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "resends_total",
			Help:      "Outbound link messages resent after a timeout.",
		}),

		lockTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "lock_transfers_total",
			Help:      "Target locks handed from one holder to another.",
		}),

		handshake: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "handshake_seconds",
			Help:      "Time from first link request to status response, for successful attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),

		responderReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responder",
			Name:      "replies_total",
			Help:      "Replies sent to inbound link requests, by error code or \"ok\".",
		}, []string{"code"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.attemptResults,
			m.resends,
			m.lockTransfers,
			m.handshake,
			m.responderReplies,
		)
	}

	return m
}

// AttemptFinished records the result of one link attempt.
// The elapsed time is only observed for successful attempts.
func (m *Metrics) AttemptFinished(ct dconn.Type, result string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.attemptResults.WithLabelValues(ct.String(), result).Inc()
	if success {
		m.handshake.Observe(elapsed.Seconds())
	}
}

// Resent records one timeout-driven resend.
func (m *Metrics) Resent() {
	if m == nil {
		return
	}
	m.resends.Inc()
}

// LockTransferred records one target lock transfer.
func (m *Metrics) LockTransferred() {
	if m == nil {
		return
	}
	m.lockTransfers.Inc()
}

// Replied records a responder reply.
// Use the empty string for a successful reply.
func (m *Metrics) Replied(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.responderReplies.WithLabelValues(code).Inc()
}
