// Package observability defines the hook contract that messaging components use to
// report the operations they perform.
//
// Components accept an optional Observer and call ObserveOperation once per completed
// operation (connect, publish, confirm, consume, ack, nack). Implementations translate
// those calls into metrics, traces or logs. The metrics package ships a Prometheus
// implementation.
package observability

import "time"

// Observer receives a notification for every completed operation.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// OperationContext describes a single completed operation.
type OperationContext struct {
	// Component is the reporting component, e.g. "rabbit".
	Component string

	// Operation is the operation name, e.g. "publish" or "ack".
	Operation string

	// Resource is the primary resource, e.g. an exchange or queue name.
	Resource string

	// SubResource is an optional secondary resource, e.g. a routing key.
	SubResource string

	// Duration is how long the operation took.
	Duration time.Duration

	// Error is the operation error, nil on success.
	Error error

	// Size is the payload size in bytes, 0 when not applicable.
	Size int64

	// Metadata carries optional component specific details.
	Metadata map[string]string
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx OperationContext)

// ObserveOperation calls f(ctx).
func (f ObserverFunc) ObserveOperation(ctx OperationContext) {
	f(ctx)
}
