package rabbit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default values used by DefaultConfig.
const (
	DefaultHost           = "localhost"
	DefaultPort           = 5672
	DefaultVirtualHost    = "/"
	DefaultExchangeName   = "amqp_exchange"
	DefaultExchangeType   = amqp.ExchangeDirect
	DefaultRoutingKey     = "amqp_key"
	DefaultQueueName      = "amqp_queue"
	DefaultConsumerTag    = "amqp_test"
	DefaultContentType    = "text/plain"
	DefaultConnectTimeout = 10 * time.Second
	DefaultHeartbeat      = 10 * time.Second
	DefaultReadyTimeout   = 30 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
	DefaultDrainTimeout   = 5 * time.Second
)

// Config defines the top-level configuration structure for the messaging engine.
// It is resolved once at startup and passed by value; nothing in the package
// mutates it afterwards.
type Config struct {
	// Endpoint contains the settings needed to establish a connection to the broker
	Endpoint Endpoint

	// Target names the exchange, routing key and queue the engines work against
	Target Target

	// Backoff controls the reconnect schedule of the Manager
	Backoff Backoff

	// Publish contains settings for the Publisher engine
	Publish PublishOptions

	// Consume contains settings for the Consumer engine
	Consume ConsumeOptions

	// DeadLetter optionally attaches a dead-letter exchange and queue to the
	// provisioned queue. Only used when Target.Declare is true.
	DeadLetter DeadLetter
}

// Endpoint contains the configuration parameters needed to establish
// a connection to a broker, including authentication and TLS settings.
type Endpoint struct {
	// Host is the broker hostname or IP address
	Host string

	// Port is the broker port (typically 5672 for plain AMQP, 5671 for AMQPS)
	Port uint

	// VirtualHost is the vhost to open, "/" by default
	VirtualHost string

	// User is the username for authentication
	User string

	// Password is the password for authentication
	Password string

	// IsSSLEnabled switches the connection to AMQPS
	IsSSLEnabled bool

	// TLSVersion pins the TLS protocol version ("1.2" or "1.3").
	// Empty lets crypto/tls negotiate.
	TLSVersion string

	// UseCert sends a client certificate for mutual TLS authentication
	UseCert bool

	// CACertPath is the file path to the CA certificate for verifying the server.
	// Empty means the system pool.
	CACertPath string

	// ClientCertPath is the file path to the client certificate
	ClientCertPath string

	// ClientKeyPath is the file path to the client certificate's private key
	ClientKeyPath string

	// ServerName is the server name to use for TLS verification.
	// Defaults to Host.
	ServerName string

	// ConnectTimeout bounds a single dial including the AMQP handshake
	ConnectTimeout time.Duration

	// Heartbeat is the negotiated heartbeat interval
	Heartbeat time.Duration

	// ConnectionName is reported to the broker as the connection_name client property
	ConnectionName string
}

// Address returns host:port/vhost without credentials, suitable for logs.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10)) + "/" + e.vhost()
}

// URL returns the amqp:// or amqps:// URL including credentials.
// Without a user the broker's guest account is used.
func (e Endpoint) URL() string {
	scheme := "amqp"
	if e.IsSSLEnabled {
		scheme = "amqps"
	}
	user, password := e.User, e.Password
	if user == "" {
		user, password = "guest", "guest"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     e.Host,
		Port:     int(e.Port),
		Username: user,
		Password: password,
		Vhost:    e.vhost(),
	}.String()
}

func (e Endpoint) vhost() string {
	if e.VirtualHost == "" {
		return DefaultVirtualHost
	}
	return e.VirtualHost
}

// Target contains the routing coordinates used by the engines.
type Target struct {
	// ExchangeName is the exchange to publish to. Empty means the default exchange.
	ExchangeName string

	// ExchangeType is the kind used when declaring the exchange:
	// "direct", "fanout", "topic" or "headers"
	ExchangeType string

	// RoutingKey is used for routing messages from the exchange to queues
	RoutingKey string

	// QueueName is the queue to consume from, and to bind when provisioning
	QueueName string

	// Declare provisions the exchange, queue and binding on every new channel
	Declare bool
}

// String renders the target for logs and events.
func (t Target) String() string {
	return fmt.Sprintf("exchange=%q routing_key=%q queue=%q", t.ExchangeName, t.RoutingKey, t.QueueName)
}

// Backoff configures the exponential reconnect schedule.
type Backoff struct {
	// BaseDelay is the first delay and the lower bound of every delay
	BaseDelay time.Duration

	// MaxDelay caps every delay
	MaxDelay time.Duration

	// Factor multiplies the nominal delay after each failed attempt, at least 1
	Factor float64

	// Jitter randomizes each delay between the previous and the current nominal delay
	Jitter bool

	// MaxRetries is the number of reconnect attempts after the first failed one.
	// Negative retries forever.
	MaxRetries int
}

// PublishOptions configures the Publisher engine.
type PublishOptions struct {
	// ReadyTimeout bounds how long a publish waits for a Ready connection
	ReadyTimeout time.Duration

	// ConfirmTimeout bounds how long a publish waits for the broker confirm
	ConfirmTimeout time.Duration

	// Interval is the delay between consecutive sends of a batch or stream
	Interval time.Duration

	// Mandatory asks the broker to return unroutable messages
	Mandatory bool

	// Persistent publishes with delivery mode 2
	Persistent bool

	// ContentType is used when a message does not set one
	ContentType string
}

// ConsumeOptions configures the Consumer engine.
type ConsumeOptions struct {
	// ConsumerTag identifies the subscription. Empty generates a unique tag.
	ConsumerTag string

	// PrefetchCount limits unacknowledged deliveries per consumer, 0 means unlimited
	PrefetchCount int

	// Exclusive requests exclusive consumer access to the queue
	Exclusive bool

	// DrainTimeout bounds how long cancellation waits for buffered deliveries
	DrainTimeout time.Duration

	// MaxMessages stops the consume loop after this many handled deliveries.
	// 0 consumes until cancelled.
	MaxMessages int
}

// DeadLetter contains configuration for dead-letter handling.
// Dead-letter exchanges receive messages that are rejected without requeue or expire.
type DeadLetter struct {
	// ExchangeName is the name of the dead-letter exchange
	ExchangeName string

	// QueueName is the name of the queue bound to the dead-letter exchange
	QueueName string

	// RoutingKey is the routing key used when dead-lettering messages
	RoutingKey string

	// Ttl is the time-to-live for messages in seconds. 0 means no TTL.
	Ttl int
}

// DefaultConfig returns a Config populated with the defaults of the CLI.
func DefaultConfig() Config {
	return Config{
		Endpoint: Endpoint{
			Host:           DefaultHost,
			Port:           DefaultPort,
			VirtualHost:    DefaultVirtualHost,
			ConnectTimeout: DefaultConnectTimeout,
			Heartbeat:      DefaultHeartbeat,
		},
		Target: Target{
			ExchangeName: DefaultExchangeName,
			ExchangeType: DefaultExchangeType,
			RoutingKey:   DefaultRoutingKey,
			QueueName:    DefaultQueueName,
		},
		Backoff: Backoff{
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			Factor:     2,
			Jitter:     true,
			MaxRetries: 5,
		},
		Publish: PublishOptions{
			ReadyTimeout:   DefaultReadyTimeout,
			ConfirmTimeout: DefaultConfirmTimeout,
			Mandatory:      true,
			Persistent:     true,
			ContentType:    DefaultContentType,
		},
		Consume: ConsumeOptions{
			ConsumerTag:  DefaultConsumerTag,
			DrainTimeout: DefaultDrainTimeout,
		},
	}
}

// Validate reports every problem found in c, joined into one error that wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Endpoint.Host == "" {
		add("endpoint host is required")
	}
	if c.Endpoint.Port == 0 || c.Endpoint.Port > 65535 {
		add("endpoint port %d is out of range", c.Endpoint.Port)
	}
	if c.Endpoint.ConnectTimeout <= 0 {
		add("connect timeout must be positive")
	}
	switch c.Endpoint.TLSVersion {
	case "", "1.2", "1.3":
	default:
		add("unsupported TLS version %q", c.Endpoint.TLSVersion)
	}
	if c.Endpoint.UseCert && (c.Endpoint.ClientCertPath == "" || c.Endpoint.ClientKeyPath == "") {
		add("client certificate and key paths are required when UseCert is set")
	}

	if c.Backoff.BaseDelay <= 0 {
		add("backoff base delay must be positive")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		add("backoff max delay %s is below base delay %s", c.Backoff.MaxDelay, c.Backoff.BaseDelay)
	}
	if c.Backoff.Factor < 1 {
		add("backoff factor %.2f must be at least 1", c.Backoff.Factor)
	}

	if c.Publish.ReadyTimeout <= 0 {
		add("publish ready timeout must be positive")
	}
	if c.Publish.ConfirmTimeout <= 0 {
		add("publish confirm timeout must be positive")
	}
	if c.Publish.Interval < 0 {
		add("publish interval must not be negative")
	}

	if c.Consume.PrefetchCount < 0 {
		add("prefetch count must not be negative")
	}
	if c.Consume.MaxMessages < 0 {
		add("max messages must not be negative")
	}

	if c.Target.Declare {
		switch c.Target.ExchangeType {
		case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
		default:
			add("unsupported exchange type %q", c.Target.ExchangeType)
		}
		if c.Target.ExchangeName == "" {
			add("the default exchange cannot be declared")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Logger is the logging contract of the engine. *logger.LoggerClient satisfies it.
type Logger interface {
	// DebugWithContext logs a debug message with trace context.
	DebugWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// InfoWithContext logs an informational message with trace context.
	InfoWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// WarnWithContext logs a warning message with trace context.
	WarnWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})

	// ErrorWithContext logs an error message with trace context.
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}

// Propagator moves trace context in and out of message headers.
// *tracer.Tracer satisfies it.
type Propagator interface {
	GetCarrier(ctx context.Context) map[string]string
	SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context
}
