// Package logger provides structured logging for the amqpcli binaries.
//
// It wraps go.uber.org/zap behind a small map based API:
//
//	log := logger.NewLoggerClient(logger.Config{Level: "debug", ServiceName: "amqpcli"})
//	log.Info("Connected", nil, map[string]interface{}{"host": "localhost"})
//
// The *WithContext variants add trace_id and span_id when EnableTracing is set and
// the context carries an active OpenTelemetry span.
//
// All entries go to stderr. Rendered messages own stdout.
//
// For fx based wiring use FXModule, which provides both *LoggerClient and Logger.
package logger
