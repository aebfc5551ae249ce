package metrics

// DefaultMetricsAddress is used when metrics are enabled without an explicit address.
const DefaultMetricsAddress = ":9090"

// Config defines the configuration structure for the Prometheus metrics server.
type Config struct {
	// Address is where the /metrics HTTP endpoint listens, e.g. ":9090" or
	// "127.0.0.1:9100". Empty disables the HTTP server while still collecting.
	Address string `yaml:"address"`

	// EnableDefaultCollectors registers the Go runtime, process and build info
	// collectors on the isolated registry.
	EnableDefaultCollectors bool `yaml:"enable_default_collectors"`

	// Namespace prefixes every metric name, e.g. "amqpcli" gives
	// "amqpcli_operations_total".
	Namespace string `yaml:"namespace"`

	// ServiceName is attached to every metric as the constant "service" label.
	ServiceName string `yaml:"service_name"`
}
