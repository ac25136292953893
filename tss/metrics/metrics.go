// Package metrics holds the prometheus collectors shared by the round
// driver and the session coordinators. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tss"

// Metrics groups the collectors of one process.
type Metrics struct {
	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	RoundsCompleted   *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Protocol messages published to the relay.",
		}, []string{"protocol"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages handed to a state machine.",
		}, []string{"protocol"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Incoming protocol messages discarded by the round driver.",
		}, []string{"protocol", "reason"}),
		RoundsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Protocol rounds the local party advanced past.",
		}, []string{"protocol"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"protocol", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSent, m.MessagesReceived, m.MessagesDropped, m.RoundsCompleted, m.SessionsCompleted)
	}
	return m
}

func (m *Metrics) Sent(protocol string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(protocol).Inc()
}

func (m *Metrics) Received(protocol string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(protocol).Inc()
}

func (m *Metrics) Dropped(protocol, reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(protocol, reason).Inc()
}

func (m *Metrics) RoundCompleted(protocol string) {
	if m == nil {
		return
	}
	m.RoundsCompleted.WithLabelValues(protocol).Inc()
}

// SessionDone records the outcome of a session; a nil err counts as success.
func (m *Metrics) SessionDone(protocol string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.SessionsCompleted.WithLabelValues(protocol, outcome).Inc()
}
