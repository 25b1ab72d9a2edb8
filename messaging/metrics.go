package messaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Receive outcomes recorded by Metrics.Received
const (
	OutcomeDispatched      = "dispatched"
	OutcomeDispatchError   = "dispatch_error"
	OutcomeVersionMismatch = "version_mismatch"
	OutcomeInvalid         = "invalid"
	OutcomeDiscarded       = "discarded"
)

// Metrics holds the prometheus collectors of the messaging layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sent        *prometheus.CounterVec
	sendLatency prometheus.Histogram
	received    *prometheus.CounterVec
	connections prometheus.Gauge
	consumers   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of envelopes sent",
			},
			[]string{"status"},
		),
		sendLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Envelope send duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of envelopes received",
			},
			[]string{"outcome"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_connections",
				Help:      "Number of open broker connections",
			},
		),
		consumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_consumers",
				Help:      "Number of running receiver loops",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.sendLatency, m.received, m.connections, m.consumers)
	}
	return m
}

// Sent records one send attempt
func (m *Metrics) Sent(duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.sent.WithLabelValues(status).Inc()
	m.sendLatency.Observe(duration.Seconds())
}

// Received records the outcome of one received message
func (m *Metrics) Received(outcome string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(outcome).Inc()
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) consumerStarted() {
	if m != nil {
		m.consumers.Inc()
	}
}

func (m *Metrics) consumerStopped() {
	if m != nil {
		m.consumers.Dec()
	}
}
