package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Directions for relayed messages.
const (
	ClientToChild = "client_to_child"
	ChildToClient = "child_to_client"
)

// Reasons a message was not relayed.
const (
	DropNoSession  = "no_session"
	DropNotJSON    = "not_json"
	DropSendFailed = "send_failed"
	DropInvalid    = "invalid"
)

// Metrics holds the gateway's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	relayed          *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	sessions         prometheus.Counter
	sessionActive    prometheus.Gauge
	superseded       prometheus.Counter
	childDiagnostics prometheus.Counter
	childUp          prometheus.Gauge
}

// New creates the collectors and registers them with r.
func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_gateway_messages_relayed_total",
				Help: "Messages relayed between the SSE session and the child process",
			},
			[]string{"direction"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_gateway_messages_dropped_total",
				Help: "Messages that were not relayed",
			},
			[]string{"direction", "reason"},
		),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_gateway_sessions_total",
			Help: "SSE sessions opened",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_gateway_session_active",
			Help: "1 while an SSE session is installed",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_gateway_sessions_superseded_total",
			Help: "SSE sessions replaced by a newer connection",
		}),
		childDiagnostics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_gateway_child_stderr_bytes_total",
			Help: "Bytes written by the child process to stderr",
		}),
		childUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_gateway_child_up",
			Help: "1 while the child process is running",
		}),
	}
	r.MustRegister(m.relayed, m.dropped, m.sessions, m.sessionActive, m.superseded, m.childDiagnostics, m.childUp)
	return m
}

// Relayed counts one message relayed in direction.
func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}

// Dropped counts one message in direction dropped for reason.
func (m *Metrics) Dropped(direction, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(direction, reason).Inc()
}

// SessionInstalled records a new session, noting whether it replaced one.
func (m *Metrics) SessionInstalled(superseded bool) {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.sessionActive.Set(1)
	if superseded {
		m.superseded.Inc()
	}
}

// SessionCleared records that no session is installed anymore.
func (m *Metrics) SessionCleared() {
	if m == nil {
		return
	}
	m.sessionActive.Set(0)
}

// ChildDiagnostic counts n bytes of child stderr.
func (m *Metrics) ChildDiagnostic(n int) {
	if m == nil {
		return
	}
	m.childDiagnostics.Add(float64(n))
}

// ChildUp records whether the child process is running.
func (m *Metrics) ChildUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.childUp.Set(1)
	} else {
		m.childUp.Set(0)
	}
}
