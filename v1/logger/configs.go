package logger

const (
	Debug   = "debug"
	Info    = "info"
	Warning = "warning"
	Error   = "error"
)

const (
	// FormatJSON renders one JSON object per log entry.
	FormatJSON = "json"

	// FormatConsole renders human readable, colored entries.
	FormatConsole = "console"
)

// Config controls how the logger is built.
type Config struct {
	// Level is one of debug, info, warning or error. Anything else means info.
	Level string `yaml:"level"`

	// Format selects the encoder, json or console. Empty means json.
	Format string `yaml:"format"`

	// EnableTracing adds trace_id and span_id to entries logged with a
	// context that carries an active OpenTelemetry span.
	EnableTracing bool `yaml:"enable_tracing"`

	// ServiceName is attached to every entry as the "service" field.
	ServiceName string `yaml:"service_name"`
}
