package ble

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// MetricsConfig configures the client's Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "blufi").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for operation duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures MetricsConfig.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the operation duration buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "blufi",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the client's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	packetsSent       *prometheus.CounterVec
	bytesSent         prometheus.Counter
	packetsReceived   prometheus.Counter
	bytesReceived     prometheus.Counter
	writeDuration     prometheus.Histogram
	operationDuration *prometheus.HistogramVec
	errors            *prometheus.CounterVec
}

// NewMetrics creates and registers the client collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "packets_sent_total",
			Help:        "Total number of BluFi packets written",
			ConstLabels: config.ConstLabels,
		}, []string{"class"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "bytes_sent_total",
			Help:        "Total number of bytes written, headers included",
			ConstLabels: config.ConstLabels,
		}),

		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "packets_received_total",
			Help:        "Total number of notifications received",
			ConstLabels: config.ConstLabels,
		}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "bytes_received_total",
			Help:        "Total number of notification bytes received",
			ConstLabels: config.ConstLabels,
		}),

		writeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "write_duration_seconds",
			Help:        "Time for the transport to complete one write",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),

		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "operation_duration_seconds",
			Help:        "Operation execution time on the worker",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"operation"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "errors_total",
			Help:        "Total failed results by status code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),
	}
}

func (m *Metrics) packetSent(class protocol.Class, n int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(class.String()).Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) packetReceived(n int) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) observeWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.writeDuration.Observe(d.Seconds())
}

func (m *Metrics) observeOperation(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) countError(code Code) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(strconv.Itoa(int(code))).Inc()
}
