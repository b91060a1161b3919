package streamclient

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "streamclient"

// Metrics holds the Prometheus collectors of one client. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	sendsDenied       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	decodeErrors      prometheus.Counter
	connectionState   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Total decoded frames received, by frame type",
		}, []string{"type"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written to the transport, by frame type",
		}, []string{"type"}),

		sendsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sends_denied_total",
			Help:      "Total sends skipped before reaching the transport, by reason",
		}, []string{"reason"}),

		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total scheduled reconnection attempts",
		}),

		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total connections dropped for missing pongs",
		}),

		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Total inbound frames dropped as malformed",
		}),

		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 open, 3 closing)",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.framesReceived,
		m.framesSent,
		m.sendsDenied,
		m.reconnectAttempts,
		m.heartbeatTimeouts,
		m.decodeErrors,
		m.connectionState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "cannot register stream client metrics")
		}
	}

	return m, nil
}

func (m *Metrics) frameReceived(t FrameType) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) frameSent(t FrameType) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) sendDenied(reason string) {
	if m == nil {
		return
	}
	m.sendsDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) heartbeatTimedOut() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) stateChanged(s ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}
