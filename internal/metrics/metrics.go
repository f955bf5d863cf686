// Package metrics implements a Prometheus-backed MetricsCollector for the
// FTP server, exposing counters and histograms over the server's pluggable
// metrics interface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the server's MetricsCollector interface on top of
// Prometheus client metrics.
type Collector struct {
	commandTotal       *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	transferBytesTotal *prometheus.CounterVec
	transferDuration   *prometheus.HistogramVec
	connectionsTotal   *prometheus.CounterVec
	authTotal          *prometheus.CounterVec
}

// NewCollector constructs a Collector registered against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the global one.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		commandTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raxftp",
			Name:      "commands_total",
			Help:      "Total number of FTP commands processed, by command and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "raxftp",
			Name:      "command_duration_seconds",
			Help:      "Time taken to execute an FTP command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		transferBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raxftp",
			Name:      "transfer_bytes_total",
			Help:      "Total bytes transferred, by operation.",
		}, []string{"operation"}),
		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "raxftp",
			Name:      "transfer_duration_seconds",
			Help:      "Time taken to complete a file transfer.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raxftp",
			Name:      "connections_total",
			Help:      "Total connection attempts, by acceptance outcome.",
		}, []string{"accepted", "reason"}),
		authTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raxftp",
			Name:      "authentications_total",
			Help:      "Total authentication attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// RecordCommand implements the server's MetricsCollector interface.
func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.commandTotal.WithLabelValues(cmd, outcome).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordTransfer implements the server's MetricsCollector interface.
func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transferBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	c.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConnection implements the server's MetricsCollector interface.
func (c *Collector) RecordConnection(accepted bool, reason string) {
	acceptedLabel := "false"
	if accepted {
		acceptedLabel = "true"
	}
	c.connectionsTotal.WithLabelValues(acceptedLabel, reason).Inc()
}

// RecordAuthentication implements the server's MetricsCollector interface.
// The username is intentionally not used as a label to avoid unbounded
// cardinality; only the outcome is recorded.
func (c *Collector) RecordAuthentication(success bool, user string) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.authTotal.WithLabelValues(outcome).Inc()
}

// Handler returns an http.Handler serving the registry's metrics in the
// Prometheus exposition format, suitable for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
