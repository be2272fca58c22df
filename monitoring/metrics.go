package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of MessagesDropped.
const (
	DropQueueFull = "queue_full"
	DropBackoff   = "backoff"
	DropShutdown  = "shutdown"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Inbound listener metrics
	ClientsAccepted    prometheus.Counter
	ClientsActive      prometheus.Gauge
	AcceptErrors       prometheus.Counter
	FramesReceived     prometheus.Counter
	FrameSize          prometheus.Histogram
	ProtocolViolations prometheus.Counter

	// Queue metrics
	MessagesQueued  prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	// Peer session metrics
	PeerFramesQueued    *prometheus.CounterVec
	PeerBytesSent       *prometheus.CounterVec
	PeerState           *prometheus.GaugeVec
	PeerConnectFailures *prometheus.CounterVec
	PeerBackoffDelay    prometheus.Histogram
}

// NewMetrics creates a Metrics instance with the given namespace. Collectors are
// registered with reg; a nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClientsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_accepted_total",
			Help:      "Total number of accepted client connections",
		}),
		ClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_active",
			Help:      "Current number of open client connections",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accept calls",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of complete frames read from clients",
		}),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_payload_bytes",
			Help:      "Payload size of frames read from clients",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of clients closed for malformed frames",
		}),

		MessagesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Total number of messages handed to the broadcaster",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of dropped messages by reason",
		}, []string{"reason"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting for the broadcaster",
		}),

		PeerFramesQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_frames_queued_total",
			Help:      "Total number of frames queued per peer session",
		}, []string{"peer"}),
		PeerBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_bytes_written_total",
			Help:      "Total number of bytes written per peer session",
		}, []string{"peer"}),
		PeerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_state",
			Help:      "Peer session state (0 disconnected, 1 connecting, 2 connected, 3 backoff)",
		}, []string{"peer"}),
		PeerConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_failures_total",
			Help:      "Total number of session failures per peer",
		}, []string{"peer"}),
		PeerBackoffDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peer_backoff_seconds",
			Help:      "Scheduled reconnect delays",
			Buckets:   []float64{.1, .2, .4, .8, 1.6, 3.2, 6.4, 12.8, 25.6, 30},
		}),
	}
}

// PeerLabel formats a peer id for the "peer" label.
func PeerLabel(id int) string {
	return strconv.Itoa(id)
}

// RecordFrame records a complete inbound frame.
func (m *Metrics) RecordFrame(size int) {
	m.FramesReceived.Inc()
	m.FrameSize.Observe(float64(size))
}

// RecordDrop records a message that was not delivered.
func (m *Metrics) RecordDrop(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordPeerFailure records a session failure and the delay before the next attempt.
func (m *Metrics) RecordPeerFailure(peer string, delay time.Duration) {
	m.PeerConnectFailures.WithLabelValues(peer).Inc()
	m.PeerBackoffDelay.Observe(delay.Seconds())
}
