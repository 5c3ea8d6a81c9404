package msgsock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for connections and frames.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	acceptErrors      prometheus.Counter
	framesReceived    prometheus.Counter
	framesSent        prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	decodeErrors      prometheus.Counter
}

// NewMetrics registers the collectors with reg under namespace.
// A nil reg selects prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "msgsock"
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections opened",
		}),
		acceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accepts, timeouts excluded",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames decoded",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total number of bytes read, headers included",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total number of bytes written, headers included",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of frames whose payload failed to decode",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) acceptFailed() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) decodeFailed(n int) {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
	m.bytesReceived.Add(float64(n))
}
