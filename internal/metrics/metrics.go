// Package metrics exposes Prometheus collectors for the real-time client
// and the development relay. All recorder methods are safe on a nil
// receiver so callers can run without metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client holds the collectors of one client session.
type Client struct {
	ConnectionState   *prometheus.GaugeVec
	TransportTier     *prometheus.GaugeVec
	TierSwitches      *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	EventsDuplicate   prometheus.Counter
	PollFailures      prometheus.Counter
	SendFailures      *prometheus.CounterVec

	mu        sync.Mutex
	lastState string
	lastTier  string
}

// NewClient registers the client collectors with reg. A nil reg uses a
// private registry.
func NewClient(reg prometheus.Registerer) *Client {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Client{
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rt_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		TransportTier: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rt_transport_tier",
			Help: "1 for the active transport tier, 0 otherwise",
		}, []string{"tier"}),
		TierSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_tier_switches_total",
			Help: "Transport tier changes by cause",
		}, []string{"from", "to", "reason"}),
		HandshakeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_handshake_failures_total",
			Help: "Failed transport handshakes",
		}, []string{"tier"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_events_dispatched_total",
			Help: "Events delivered to consumers",
		}, []string{"kind"}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "rt_events_duplicate_total",
			Help: "Events discarded by the dedup cache",
		}),
		PollFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "rt_poll_failures_total",
			Help: "Failed poll cycles",
		}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_send_failures_total",
			Help: "Failed outbound sends",
		}, []string{"op"}),
	}
}

// SetState moves the state gauge to state.
func (m *Client) SetState(state, tier string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" && m.lastState != state {
		m.ConnectionState.WithLabelValues(m.lastState).Set(0)
	}
	m.ConnectionState.WithLabelValues(state).Set(1)
	m.lastState = state

	if m.lastTier != "" && m.lastTier != tier {
		m.TransportTier.WithLabelValues(m.lastTier).Set(0)
	}
	m.TransportTier.WithLabelValues(tier).Set(1)
	m.lastTier = tier
}

func (m *Client) TierSwitched(from, to, reason string) {
	if m == nil {
		return
	}
	m.TierSwitches.WithLabelValues(from, to, reason).Inc()
}

func (m *Client) HandshakeFailed(tier string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(tier).Inc()
}

func (m *Client) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(kind).Inc()
}

func (m *Client) Duplicate() {
	if m == nil {
		return
	}
	m.EventsDuplicate.Inc()
}

func (m *Client) PollFailed() {
	if m == nil {
		return
	}
	m.PollFailures.Inc()
}

func (m *Client) SendFailed(op string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(op).Inc()
}
