package rabbit

import (
	"context"
	"time"

	"github.com/Aleph-Alpha/amqpcli/v1/observability"
)

//go:generate mockgen -destination=mock_logger_test.go -package=rabbit github.com/Aleph-Alpha/amqpcli/v1/rabbit Logger

// instrumentation bundles the optional logger and observer shared by the
// Manager and the engines. A zero value is silent.
type instrumentation struct {
	logger   Logger
	observer observability.Observer
}

// observeOperation notifies the observer about an operation if one is configured.
func (in *instrumentation) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64) {
	if in.observer == nil {
		return
	}
	in.observer.ObserveOperation(observability.OperationContext{
		Component:   "rabbit",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       err,
		Size:        size,
	})
}

func (in *instrumentation) logDebug(ctx context.Context, msg string, fields map[string]interface{}) {
	if in.logger != nil {
		in.logger.DebugWithContext(ctx, msg, nil, fields)
	}
}

func (in *instrumentation) logInfo(ctx context.Context, msg string, fields map[string]interface{}) {
	if in.logger != nil {
		in.logger.InfoWithContext(ctx, msg, nil, fields)
	}
}

func (in *instrumentation) logWarn(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if in.logger != nil {
		in.logger.WarnWithContext(ctx, msg, err, fields)
	}
}

func (in *instrumentation) logError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	if in.logger != nil {
		in.logger.ErrorWithContext(ctx, msg, err, fields)
	}
}
