// ABOUTME: Prometheus collectors for the control plane.
// ABOUTME: Connection gauge plus inbound-message and approval counters.

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the control plane's collectors.
type Metrics struct {
	ConnectedAgents   prometheus.Gauge
	InboundMessages   *prometheus.CounterVec
	ApprovalsResolved *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moltagent_agents_connected",
			Help: "Number of workers with a live control-plane session.",
		}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moltagent_messages_inbound_total",
			Help: "Inbound frames processed, by message type.",
		}, []string{"type"}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moltagent_approvals_resolved_total",
			Help: "Approvals leaving the queue, by terminal state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectedAgents, m.InboundMessages, m.ApprovalsResolved)
	}
	return m
}
