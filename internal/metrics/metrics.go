// Package metrics instruments the bridge client with prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connect outcomes used as the "result" label.
const (
	ResultConnected = "connected"
	ResultTimeout   = "timeout"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

type Config struct {
	Namespace   string
	ConstLabels prometheus.Labels
	Registry    prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

type Metrics struct {
	connects       *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	status         prometheus.Gauge
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	bytesReceived  prometheus.Counter
	heartbeats     prometheus.Counter
	sendFailures   prometheus.Counter
	violations     *prometheus.CounterVec
}

// New registers the client collectors. Registering twice against the same
// registry panics, as with promauto.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "bridgelink",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(&cfg)
	}
	factory := promauto.With(cfg.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	return &Metrics{
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "connect_attempts_total",
			Help:        "Connect attempts by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "disconnects_total",
			Help:        "Disconnects by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		status: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "status",
			Help:        "Connection status (0 disconnected, 1 connecting, 2 connected)",
			ConstLabels: cfg.ConstLabels,
		}),
		framesSent:     counter("frames_sent_total", "Frames written to the bridge"),
		framesReceived: counter("frames_received_total", "Frames decoded from the bridge, heartbeats included"),
		bytesReceived:  counter("bytes_received_total", "Raw bytes read from the bridge"),
		heartbeats:     counter("heartbeats_sent_total", "Keep-alive frames written"),
		sendFailures:   counter("send_failures_total", "Frame writes that failed"),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "protocol_violations_total",
			Help:        "Decoder protocol violations by kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
	}
}

func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetStatus(v int) {
	if m == nil {
		return
	}
	m.status.Set(float64(v))
}

func (m *Metrics) FrameSent(heartbeat bool) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	if heartbeat {
		m.heartbeats.Inc()
	}
}

func (m *Metrics) FramesReceived(n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesReceived.Add(float64(n))
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) Violation(kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(kind).Inc()
}
