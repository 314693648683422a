// Package metrics holds the counters exported by a data plane instance.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons.
const (
	ReasonMalformed    = "malformed"
	ReasonUntrusted    = "untrusted"
	ReasonNoSession    = "no_session"
	ReasonAuth         = "auth"
	ReasonReplay       = "replay"
	ReasonCorrupt      = "corrupt"
	ReasonTooLarge     = "too_large"
	ReasonQueueFull    = "queue_full"
	ReasonNoConnection = "no_connection"
	ReasonStale        = "stale"
	ReasonAddress      = "address"
	ReasonRateLimited  = "rate_limited"
)

// Metrics is safe for concurrent use. Each instance has its own registry so
// several stacks can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Dropped  *prometheus.CounterVec
	Sent     *prometheus.CounterVec
	Sessions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngmesh",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by the data plane.",
		}, []string{"layer", "reason"}),
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngmesh",
			Name:      "sent_frames_total",
			Help:      "Packets handed to the network, by path.",
		}, []string{"path"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngmesh",
			Name:      "sessions_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
	}
	m.Registry.MustRegister(m.Dropped, m.Sent, m.Sessions)
	return m
}

// Drop counts one dropped frame. A nil receiver is a no-op.
func (m *Metrics) Drop(layer, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(layer, reason).Inc()
}

func (m *Metrics) SentVia(path string) {
	if m == nil {
		return
	}
	m.Sent.WithLabelValues(path).Inc()
}

func (m *Metrics) Session(event string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(event).Inc()
}
