package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay holds the development relay collectors.
type Relay struct {
	Connections     *prometheus.GaugeVec
	EventsPublished *prometheus.CounterVec
	GrantsIssued    *prometheus.CounterVec
}

func NewRelay(reg prometheus.Registerer) *Relay {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open client connections by transport",
		}, []string{"transport"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Events published to channels",
		}, []string{"kind"}),
		GrantsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_grants_total",
			Help: "Channel authorization decisions",
		}, []string{"result"}),
	}
}

func (m *Relay) Connected(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Inc()
}

func (m *Relay) Disconnected(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Dec()
}

func (m *Relay) Published(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

func (m *Relay) Grant(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.GrantsIssued.WithLabelValues(result).Inc()
}
