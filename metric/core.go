// Package metric manages Prometheus metric registration and the gateway's
// core metric set. Components receive the registry through their
// dependency struct and register their own metrics under a service name;
// the core pipeline counters are created once here.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Re-exported interfaces so components do not import prometheus for
// plain instrument handles.
type (
	Counter   = prometheus.Counter
	Gauge     = prometheus.Gauge
	Histogram = prometheus.Histogram
)

// Failure reason labels for MessagesFailed.
const (
	FailNoDecoder  = "no_decoder"
	FailDecode     = "decode"
	FailValidation = "validation"
	FailPublish    = "publish"
)

// CoreMetrics is the gateway-wide metric set shared by the pipeline,
// publisher, and connection layer.
type CoreMetrics struct {
	MessagesReceived   prometheus.Counter
	MessagesFailed     *prometheus.CounterVec
	MessagesPublished  prometheus.Counter
	ProcessingDuration prometheus.Histogram
	PublishDuration    prometheus.Histogram
	ActiveTCPSessions  prometheus.Gauge
	UDPActive          prometheus.Gauge
	BreakerState       prometheus.Gauge
}

// NewCoreMetrics creates the core metric set.
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsgate",
			Name:      "messages_received_total",
			Help:      "Total frames received from all transports",
		}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpsgate",
			Name:      "messages_failed_total",
			Help:      "Frames dropped by the pipeline, by failure stage",
		}, []string{"error_type"}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsgate",
			Name:      "messages_published_total",
			Help:      "Records successfully published to the bus",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gpsgate",
			Name:      "processing_duration_seconds",
			Help:      "Per-frame time through decode, validate, and publish",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gpsgate",
			Name:      "publish_duration_seconds",
			Help:      "Time spent in broker writes including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
		}),
		ActiveTCPSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpsgate",
			Name:      "active_tcp_sessions",
			Help:      "Currently registered TCP sessions",
		}),
		UDPActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpsgate",
			Name:      "udp_active",
			Help:      "1 while the UDP endpoint is receiving",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpsgate",
			Name:      "breaker_state",
			Help:      "Publish breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

func (m *CoreMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesFailed,
		m.MessagesPublished,
		m.ProcessingDuration,
		m.PublishDuration,
		m.ActiveTCPSessions,
		m.UDPActive,
		m.BreakerState,
	}
}
