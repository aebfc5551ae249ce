package tracer

// Config controls the OpenTelemetry tracer provider.
type Config struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// AppEnv is reported as deployment.environment, e.g. "development".
	AppEnv string `yaml:"app_env"`

	// EnableExport ships spans through the OTLP/HTTP exporter. The exporter reads
	// its endpoint from the standard OTEL_EXPORTER_OTLP_* environment variables.
	// When false spans are still created and propagated but never exported.
	EnableExport bool `yaml:"enable_export"`
}
