package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can send metrics to monitoring systems like Prometheus,
// StatsD, and the like.
//
// All methods are called from various points in the server lifecycle and
// should be non-blocking. The server checks whether the collector is nil
// before calling methods, so implementations don't need to handle nil
// receivers.
type MetricsCollector interface {
	// RecordCommand records metrics for a command execution.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records metrics for a RETR or STOR operation.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records metrics for a connection attempt.
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records metrics for an authentication attempt.
	RecordAuthentication(success bool, user string)
}
