// Package metrics registers the prometheus collectors of a socket.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesTotal     *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pendingRequests prometheus.Gauge
	socketState     *prometheus.GaugeVec
	reconnectsTotal prometheus.Counter
	decryptFailures *prometheus.CounterVec
	appStateResyncs *prometheus.CounterVec
	listenerPanics  prometheus.Counter
	activeSessions  prometheus.Gauge
}

// New registers the collectors with registry, or the default registerer if
// registry is nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	const namespace = "cobalt"

	return &Metrics{
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames sent and received",
		}, []string{"direction"}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Encrypted bytes sent and received",
		}, []string{"direction"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to its response",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tag", "outcome"}),

		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a response",
		}),

		socketState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_state",
			Help:      "1 for the current state of each socket",
		}, []string{"session", "state"}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts",
		}),

		decryptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Frames or messages that failed to decrypt",
		}, []string{"layer"}),

		appStateResyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "app_state_resyncs_total",
			Help:      "Full app-state resyncs after a hash mismatch",
		}, []string{"collection"}),

		listenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Recovered panics in event handlers",
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Connected sessions in the registry",
		}),
	}
}

func (m *Metrics) FrameSent(size int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("out").Inc()
	m.bytesTotal.WithLabelValues("out").Add(float64(size))
}

func (m *Metrics) FrameReceived(size int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("in").Inc()
	m.bytesTotal.WithLabelValues("in").Add(float64(size))
}

// RequestDone records a completed request. outcome is "ok", "error",
// "timeout" or "cancelled".
func (m *Metrics) RequestDone(tag, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(tag, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// SetState marks state as the current state of session.
func (m *Metrics) SetState(session string, states []string, state string) {
	if m == nil {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.socketState.WithLabelValues(session, s).Set(value)
	}
}

// ForgetSession drops the state series of a session.
func (m *Metrics) ForgetSession(session string) {
	if m == nil {
		return
	}
	m.socketState.DeletePartialMatch(prometheus.Labels{"session": session})
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// DecryptFailure counts a failure at layer "frame", "signal" or "group".
func (m *Metrics) DecryptFailure(layer string) {
	if m == nil {
		return
	}
	m.decryptFailures.WithLabelValues(layer).Inc()
}

func (m *Metrics) AppStateResync(collection string) {
	if m == nil {
		return
	}
	m.appStateResyncs.WithLabelValues(collection).Inc()
}

func (m *Metrics) ListenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
