package sessionmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the operational counters for a SessionManager: how
// many sessions exist, how many requests the worker has drained, and
// how many media packets the relay loops of those sessions have moved.
// Metrics with enabled=false is a safe, zero-overhead no-op so tests and
// one-off tooling don't need a Prometheus registry.
type Metrics struct {
	enabled bool

	sessionsActive      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	requestsTotal       *prometheus.CounterVec
	requestsFailedTotal *prometheus.CounterVec
	relayPacketsTotal   *prometheus.CounterVec
}

// NewMetrics builds a Metrics bound to its own registry, so multiple
// SessionManagers (as in tests) never collide over metric names on the
// default global registerer. Pass registry=nil to fall back to a fresh
// private registry.
func NewMetrics(enabled bool, registry *prometheus.Registry) *Metrics {
	if !enabled {
		return &Metrics{enabled: false}
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nosip",
			Subsystem: "bridge",
			Name:      "sessions_active",
			Help:      "Number of sessions currently tracked by the session manager.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nosip",
			Subsystem: "bridge",
			Name:      "sessions_total",
			Help:      "Total number of sessions created.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nosip",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Total number of requests drained by the worker, by request type.",
		}, []string{"request"}),
		requestsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nosip",
			Subsystem: "bridge",
			Name:      "requests_failed_total",
			Help:      "Total number of requests that failed, by request type and error code.",
		}, []string{"request", "error_code"}),
		relayPacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nosip",
			Subsystem: "bridge",
			Name:      "relay_packets_total",
			Help:      "Total number of media packets moved by relay loops, by direction and kind.",
		}, []string{"direction", "kind"}),
	}
}

func (m *Metrics) sessionCreated() {
	if !m.enabled {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionRemoved() {
	if !m.enabled {
		return
	}
	m.sessionsActive.Dec()
}

// RequestProcessed records one successfully dispatched request, by
// request type (e.g. "generate", "process").
func (m *Metrics) RequestProcessed(request string) {
	if !m.enabled {
		return
	}
	m.requestsTotal.WithLabelValues(request).Inc()
}

// RequestFailed records one failed request, by request type and the
// BridgeErrorCode name it failed with.
func (m *Metrics) RequestFailed(request, errorCode string) {
	if !m.enabled {
		return
	}
	m.requestsFailedTotal.WithLabelValues(request, errorCode).Inc()
}

// RelayPacket records one packet moved by a session's relay loop.
// Satisfies pkg/relay's Metrics interface by structural typing, so
// wiring a SessionManager's Metrics into a Relay needs no import from
// pkg/relay back into pkg/sessionmgr.
func (m *Metrics) RelayPacket(isVideo, isRTCP, inbound bool) {
	if !m.enabled {
		return
	}
	kind := "audio-rtp"
	switch {
	case isVideo && isRTCP:
		kind = "video-rtcp"
	case isVideo && !isRTCP:
		kind = "video-rtp"
	case !isVideo && isRTCP:
		kind = "audio-rtcp"
	}
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	m.relayPacketsTotal.WithLabelValues(direction, kind).Inc()
}
