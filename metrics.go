package ftps

import "time"

// MetricsCollector is an optional interface for collecting client metrics.
// Implementations can send metrics to monitoring systems like Prometheus,
// StatsD, DataDog, etc. See the metrics package for a Prometheus collector.
//
// Methods are called synchronously from the operation that produced the
// event and should not block.
type MetricsCollector interface {
	// RecordCommand records one remote operation (e.g., "stat", "store").
	// success is false when the operation finally failed.
	RecordCommand(op string, success bool, duration time.Duration)

	// RecordTransfer records a completed data transfer. operation is
	// "RETR" (download) or "STOR" (upload).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt. reason is "connect"
	// or "reconnect".
	RecordConnection(success bool, reason string)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)

	// RecordStabilityCheck records the verdict of a size stability check.
	RecordStabilityCheck(stable bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommand(string, bool, time.Duration) {}
func (noopMetrics) RecordTransfer(string, int64, time.Duration) {}
func (noopMetrics) RecordConnection(bool, string) {}
func (noopMetrics) RecordAuthentication(bool, string) {}
func (noopMetrics) RecordStabilityCheck(bool) {}
