// Package metrics holds the Prometheus collectors of the streamable HTTP
// transport.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mcp"

// Disposal reasons recorded on mcp_sessions_disposed_total.
const (
	ReasonDeleted  = "deleted"
	ReasonIdle     = "idle"
	ReasonEvicted  = "evicted"
	ReasonShutdown = "shutdown"
	ReasonClosed   = "closed"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsDisposed *prometheus.CounterVec
	EventsReplayed   prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently hosted by this process.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created, including sessions restored from a session store.",
		}),
		SessionsDisposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_disposed_total",
			Help:      "Sessions disposed, by reason.",
		}, []string{"reason"}),
		EventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Server-sent events replayed to reconnecting clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsActive, m.SessionsCreated, m.SessionsDisposed, m.EventsReplayed)
	}
	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionDisposed(reason string) {
	if m == nil {
		return
	}
	m.SessionsDisposed.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

func (m *Metrics) Replayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsReplayed.Add(float64(n))
}
