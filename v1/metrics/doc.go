// Package metrics exposes Prometheus metrics for messaging operations.
//
// *Metrics implements observability.Observer: hand it to the rabbit Manager,
// Publisher and Consumer and every connect, publish, confirm, consume, ack and
// nack is counted and timed.
//
// Exposed series (with an optional namespace prefix and a constant service label):
//
//	operations_total{component, operation, status}
//	operation_duration_seconds{component, operation}
//	payload_bytes_total{component, operation}
//
// Each Metrics value owns an isolated registry. When Config.Address is set the
// registry is served at /metrics by an HTTP server managed through FXModule.
package metrics
