// Package observability provides Prometheus metrics for the bdev CSI node plugin.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all plugin metrics.
	namespace = "bdev_csi"
)

// Metrics holds all Prometheus metrics for the node plugin.
type Metrics struct {
	registry *prometheus.Registry

	// Volume operation metrics
	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	// Mount operation metrics
	mountOpsTotal *prometheus.CounterVec

	// Engine JSON-RPC metrics
	rpcCallsTotal    *prometheus.CounterVec
	rpcCallsDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on driver restart (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of node volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of node volume operations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		mountOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_operations_total",
				Help:      "Total number of mount/unmount operations by type and status",
			},
			[]string{"operation", "status"},
		),

		rpcCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jsonrpc_calls_total",
				Help:      "Total number of storage engine JSON-RPC calls by method and status",
			},
			[]string{"method", "status"},
		),

		rpcCallsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "jsonrpc_call_duration_seconds",
				Help:      "Duration of storage engine JSON-RPC calls in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.mountOpsTotal,
		m.rpcCallsTotal,
		m.rpcCallsDuration,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetDeviceSlots registers a gauge that reports the number of block device
// slots available on this node. The function is evaluated on each scrape.
func (m *Metrics) SetDeviceSlots(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_slots",
			Help:      "Number of block device slots the node can attach",
		},
		func() float64 { return float64(fn()) },
	))
}

// RecordVolumeOp records a volume operation with timing.
// operation should be one of: stage, unstage, publish, unpublish, stats.
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	m.volumeOpsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMountOp records a mount or unmount operation.
// operation should be one of: mount, unmount.
func (m *Metrics) RecordMountOp(operation string, err error) {
	m.mountOpsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
}

// RecordRPCCall records one storage engine JSON-RPC call.
func (m *Metrics) RecordRPCCall(method string, err error, duration time.Duration) {
	m.rpcCallsTotal.WithLabelValues(method, statusLabel(err)).Inc()
	m.rpcCallsDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
