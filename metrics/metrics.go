// Package metrics provides a Prometheus implementation of
// ftps.MetricsCollector.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gonzalop/ftps"
)

// Collector records client events as Prometheus metrics.
type Collector struct {
	commandsTotal     *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	transferBytes     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	connectionsTotal  *prometheus.CounterVec
	authAttemptsTotal *prometheus.CounterVec
	stabilityChecks   *prometheus.CounterVec
}

var _ ftps.MetricsCollector = (*Collector)(nil)

// New registers the collector's metrics with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		commandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftps_commands_total",
				Help: "Total number of remote operations",
			},
			[]string{"op", "status"},
		),
		commandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ftps_command_duration_seconds",
				Help:    "Remote operation duration in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		transferBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftps_transfer_bytes_total",
				Help: "Total bytes moved over data connections",
			},
			[]string{"direction"},
		),
		transferDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ftps_transfer_duration_seconds",
				Help:    "Data transfer duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"direction"},
		),
		connectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftps_connections_total",
				Help: "Total connection attempts",
			},
			[]string{"reason", "status"},
		),
		authAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftps_auth_attempts_total",
				Help: "Total authentication attempts",
			},
			[]string{"result"},
		),
		stabilityChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftps_stability_checks_total",
				Help: "Size stability verdicts",
			},
			[]string{"stable"},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordCommand implements ftps.MetricsCollector.
func (c *Collector) RecordCommand(op string, success bool, duration time.Duration) {
	c.commandsTotal.WithLabelValues(op, status(success)).Inc()
	c.commandDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTransfer implements ftps.MetricsCollector.
func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	direction := "download"
	if operation == "STOR" {
		direction = "upload"
	}
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	c.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordConnection implements ftps.MetricsCollector.
func (c *Collector) RecordConnection(success bool, reason string) {
	c.connectionsTotal.WithLabelValues(reason, status(success)).Inc()
}

// RecordAuthentication implements ftps.MetricsCollector. The user name is
// not used as a label.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordStabilityCheck implements ftps.MetricsCollector.
func (c *Collector) RecordStabilityCheck(stable bool) {
	c.stabilityChecks.WithLabelValues(strconv.FormatBool(stable)).Inc()
}
