// Package observability defines the hook that instrumented components use to
// report the operations they perform.
//
// Components call ObserveOperation after each unit of work (a publish, a
// delivery, a reconnect attempt). Implementations translate the context into
// metrics, traces or logs; see the metrics package for a Prometheus backed one.
package observability

import "time"

// OperationContext describes a single observed operation.
type OperationContext struct {
	// Component is the reporting package, e.g. "rabbit".
	Component string

	// Operation is the kind of work, e.g. "produce", "consume", "reconnect".
	Operation string

	// Resource is the primary target, e.g. an exchange or queue name.
	Resource string

	// SubResource is an optional secondary target, e.g. a routing key.
	SubResource string

	// Duration is how long the operation took.
	Duration time.Duration

	// Error is the outcome; nil means success.
	Error error

	// Size is the payload size in bytes, if meaningful.
	Size int64

	// Metadata carries component specific extras.
	Metadata map[string]interface{}
}

// Observer receives operation notifications. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx OperationContext)

// ObserveOperation calls f(ctx).
func (f ObserverFunc) ObserveOperation(ctx OperationContext) {
	f(ctx)
}
