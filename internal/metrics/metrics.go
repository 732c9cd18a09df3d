// Package metrics provides Prometheus metrics for the messenger core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for follow actions.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeDuplicate  = "duplicate"
)

// Metrics groups the collectors. A nil *Metrics is valid and records
// nothing, so library users may skip instrumentation.
type Metrics struct {
	FollowActions      *prometheus.CounterVec
	PresenceWrites     *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	EdgesReconciled    prometheus.Counter
	ActiveSessions     prometheus.Gauge
	OpenSubscriptions  prometheus.Gauge
	SessionTransitions *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FollowActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messenger_follow_actions_total",
				Help: "Follow and unfollow actions by outcome",
			},
			[]string{"action", "outcome"},
		),
		PresenceWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messenger_presence_writes_total",
				Help: "Presence writes by state and result",
			},
			[]string{"state", "result"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messenger_messages_sent_total",
				Help: "Messages sent by kind and result",
			},
			[]string{"kind", "result"},
		),
		EdgesReconciled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messenger_follow_edges_reconciled_total",
				Help: "One-sided follow edges repaired by reconciliation",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "messenger_active_sessions",
				Help: "Number of open messenger sessions",
			},
		),
		OpenSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "messenger_open_subscriptions",
				Help: "Live subscriptions held by messenger sessions",
			},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messenger_session_transitions_total",
				Help: "Session state machine transitions",
			},
			[]string{"from_state", "to_state"},
		),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFollow counts a follow or unfollow outcome.
func (m *Metrics) RecordFollow(action, outcome string) {
	if m == nil {
		return
	}
	m.FollowActions.WithLabelValues(action, outcome).Inc()
}

// RecordPresenceWrite counts a presence write.
func (m *Metrics) RecordPresenceWrite(state string, err error) {
	if m == nil {
		return
	}
	m.PresenceWrites.WithLabelValues(state, result(err)).Inc()
}

// RecordMessage counts a message send.
func (m *Metrics) RecordMessage(kind string, err error) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind, result(err)).Inc()
}

// RecordReconciled counts repaired edges.
func (m *Metrics) RecordReconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EdgesReconciled.Add(float64(n))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SubscriptionsChanged adjusts the open subscription gauge by delta.
func (m *Metrics) SubscriptionsChanged(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.OpenSubscriptions.Add(float64(delta))
}

// RecordTransition counts a session state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}
