// Package config resolves the amqpcli settings from layered YAML files,
// command line flags and credential sources, and converts them into the
// configuration structs of the rabbit, logger, metrics and tracer packages.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aleph-Alpha/amqpcli/v1/logger"
	"github.com/Aleph-Alpha/amqpcli/v1/metrics"
	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
	"github.com/Aleph-Alpha/amqpcli/v1/tracer"
)

// ServiceName is reported by the logger, metrics and tracer.
const ServiceName = "amqpcli"

// FileName is the name of the configuration file in the default locations.
const FileName = "config.yml"

// SystemConfigPath is the system wide configuration file.
var SystemConfigPath = filepath.Join("/etc", "amqpcli", FileName)

// Config holds every setting of the CLI. The YAML layout follows the dotted
// keys of the settings, e.g. conn.host or ssl.version.
type Config struct {
	Auth      AuthConfig      `yaml:"auth"`
	Conn      ConnConfig      `yaml:"conn"`
	SSL       SSLConfig       `yaml:"ssl"`
	Logging   LoggingConfig   `yaml:"logging"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Publisher PublisherConfig `yaml:"publisher"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// AuthConfig holds broker credentials.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PasswordFile is read when set; its first line replaces Password.
	PasswordFile string `yaml:"password_file"`
}

// ConnConfig holds the broker address and connection tuning.
type ConnConfig struct {
	Host           string        `yaml:"host"`
	Port           uint          `yaml:"port"`
	VHost          string        `yaml:"vhost"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	Name           string        `yaml:"name"`
}

// SSLConfig holds TLS settings.
type SSLConfig struct {
	Enable     bool   `yaml:"enable"`
	Version    string `yaml:"version"` // "1.2", "1.3", "tlsv1.2", "tlsv1.3" or empty
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	ServerName string `yaml:"server_name"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackoffConfig holds the reconnect schedule.
type BackoffConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Factor     float64       `yaml:"factor"`
	Jitter     bool          `yaml:"jitter"`
	MaxRetries int           `yaml:"max_retries"`
}

// PublisherConfig holds the publish command settings.
type PublisherConfig struct {
	Exchange       string        `yaml:"exchange"`
	ExchangeType   string        `yaml:"exchange_type"`
	RoutingKey     string        `yaml:"routing_key"`
	ContentType    string        `yaml:"content_type"`
	Persistent     bool          `yaml:"persistent"`
	Mandatory      bool          `yaml:"mandatory"`
	Declare        bool          `yaml:"declare"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	Interval       time.Duration `yaml:"interval"`
}

// ConsumerConfig holds the consume command settings.
type ConsumerConfig struct {
	Queue        string        `yaml:"queue"`
	Tag          string        `yaml:"tag"`
	Prefetch     int           `yaml:"prefetch"`
	AckPolicy    string        `yaml:"ack_policy"`
	Exclusive    bool          `yaml:"exclusive"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	MaxMessages  int           `yaml:"max_messages"`
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// TracingConfig controls trace propagation and export.
type TracingConfig struct {
	Enable bool   `yaml:"enable"`
	Export bool   `yaml:"export"`
	AppEnv string `yaml:"app_env"`
}

// Default returns the settings used when no file or flag overrides them.
func Default() *Config {
	rc := rabbit.DefaultConfig()
	return &Config{
		Conn: ConnConfig{
			Host:           rc.Endpoint.Host,
			Port:           rc.Endpoint.Port,
			VHost:          rc.Endpoint.VirtualHost,
			ConnectTimeout: rc.Endpoint.ConnectTimeout,
			Heartbeat:      rc.Endpoint.Heartbeat,
		},
		Logging: LoggingConfig{
			Level:  logger.Info,
			Format: logger.FormatConsole,
		},
		Backoff: BackoffConfig{
			BaseDelay:  rc.Backoff.BaseDelay,
			MaxDelay:   rc.Backoff.MaxDelay,
			Factor:     rc.Backoff.Factor,
			Jitter:     rc.Backoff.Jitter,
			MaxRetries: rc.Backoff.MaxRetries,
		},
		Publisher: PublisherConfig{
			Exchange:       rc.Target.ExchangeName,
			ExchangeType:   rc.Target.ExchangeType,
			RoutingKey:     rc.Target.RoutingKey,
			ContentType:    rc.Publish.ContentType,
			Persistent:     rc.Publish.Persistent,
			Mandatory:      rc.Publish.Mandatory,
			ReadyTimeout:   rc.Publish.ReadyTimeout,
			ConfirmTimeout: rc.Publish.ConfirmTimeout,
		},
		Consumer: ConsumerConfig{
			Queue:        rc.Target.QueueName,
			Tag:          rc.Consume.ConsumerTag,
			AckPolicy:    rabbit.ManualAck.String(),
			DrainTimeout: rc.Consume.DrainTimeout,
		},
	}
}

// DefaultPaths returns the system and user configuration files in load order.
func DefaultPaths() []string {
	paths := []string{SystemConfigPath}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "amqpcli", FileName))
	}
	return paths
}

// Load starts from Default and applies every existing file in order, later
// files overriding earlier ones key by key. Missing files are skipped.
// A leading "~/" is expanded to the home directory.
func Load(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if path == "" {
			continue
		}
		path, err := expandHome(path)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}

// Validate checks the CLI level settings and the resulting rabbit.Config.
// Failures wrap rabbit.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if _, err := normalizeLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", logger.FormatJSON, logger.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if _, err := normalizeTLSVersion(c.SSL.Version); err != nil {
		errs = append(errs, err)
	}
	if _, err := rabbit.ParseAckPolicy(c.Consumer.AckPolicy); err != nil {
		errs = append(errs, err)
	}
	if err := c.Rabbit().Validate(); err != nil {
		errs = append(errs, err)
	}

	joined := errors.Join(errs...)
	if joined == nil || errors.Is(joined, rabbit.ErrInvalidConfig) {
		return joined
	}
	return fmt.Errorf("%w: %w", rabbit.ErrInvalidConfig, joined)
}

// PasswordPrompt asks the user for a password.
type PasswordPrompt func(prompt string) (string, error)

// ResolveCredentials reads Auth.PasswordFile when set and, if a username is
// configured without a password, asks prompt. A nil prompt skips asking.
func (c *Config) ResolveCredentials(prompt PasswordPrompt) error {
	if c.Auth.PasswordFile != "" {
		password, err := readPasswordFile(c.Auth.PasswordFile)
		if err != nil {
			return err
		}
		if password != "" {
			c.Auth.Password = password
		}
	}

	if c.Auth.Username != "" && c.Auth.Password == "" && prompt != nil {
		password, err := prompt(fmt.Sprintf("Password for %s: ", c.Auth.Username))
		if err != nil {
			return fmt.Errorf("password prompt terminated: %w", err)
		}
		c.Auth.Password = password
	}
	return nil
}

func readPasswordFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("unable to open password file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("unable to read password file: %w", err)
	}
	return "", nil
}

// AckPolicy returns the parsed consumer acknowledgment policy.
func (c *Config) AckPolicy() (rabbit.AckPolicy, error) {
	return rabbit.ParseAckPolicy(c.Consumer.AckPolicy)
}

// Rabbit converts the settings into the messaging engine configuration.
func (c *Config) Rabbit() rabbit.Config {
	rc := rabbit.DefaultConfig()
	tlsVersion, _ := normalizeTLSVersion(c.SSL.Version)

	rc.Endpoint = rabbit.Endpoint{
		Host:           c.Conn.Host,
		Port:           c.Conn.Port,
		VirtualHost:    c.Conn.VHost,
		User:           c.Auth.Username,
		Password:       c.Auth.Password,
		IsSSLEnabled:   c.SSL.Enable,
		TLSVersion:     tlsVersion,
		UseCert:        c.SSL.ClientCert != "" || c.SSL.ClientKey != "",
		CACertPath:     c.SSL.CACert,
		ClientCertPath: c.SSL.ClientCert,
		ClientKeyPath:  c.SSL.ClientKey,
		ServerName:     c.SSL.ServerName,
		ConnectTimeout: c.Conn.ConnectTimeout,
		Heartbeat:      c.Conn.Heartbeat,
		ConnectionName: c.Conn.Name,
	}
	rc.Target = rabbit.Target{
		ExchangeName: c.Publisher.Exchange,
		ExchangeType: c.Publisher.ExchangeType,
		RoutingKey:   c.Publisher.RoutingKey,
		QueueName:    c.Consumer.Queue,
		Declare:      c.Publisher.Declare,
	}
	rc.Backoff = rabbit.Backoff{
		BaseDelay:  c.Backoff.BaseDelay,
		MaxDelay:   c.Backoff.MaxDelay,
		Factor:     c.Backoff.Factor,
		Jitter:     c.Backoff.Jitter,
		MaxRetries: c.Backoff.MaxRetries,
	}
	rc.Publish = rabbit.PublishOptions{
		ReadyTimeout:   c.Publisher.ReadyTimeout,
		ConfirmTimeout: c.Publisher.ConfirmTimeout,
		Interval:       c.Publisher.Interval,
		Mandatory:      c.Publisher.Mandatory,
		Persistent:     c.Publisher.Persistent,
		ContentType:    c.Publisher.ContentType,
	}
	rc.Consume = rabbit.ConsumeOptions{
		ConsumerTag:   c.Consumer.Tag,
		PrefetchCount: c.Consumer.Prefetch,
		Exclusive:     c.Consumer.Exclusive,
		DrainTimeout:  c.Consumer.DrainTimeout,
		MaxMessages:   c.Consumer.MaxMessages,
	}
	return rc
}

// Logger converts the logging settings.
func (c *Config) Logger() logger.Config {
	level, _ := normalizeLevel(c.Logging.Level)
	return logger.Config{
		Level:         level,
		Format:        c.Logging.Format,
		EnableTracing: c.Tracing.Enable,
		ServiceName:   ServiceName,
	}
}

// MetricsEnabled reports whether the Prometheus endpoint should be served.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Address != ""
}

// MetricsConfig converts the metrics settings.
func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Address:                 c.Metrics.Address,
		EnableDefaultCollectors: true,
		Namespace:               ServiceName,
		ServiceName:             ServiceName,
	}
}

// Tracer converts the tracing settings.
func (c *Config) Tracer() tracer.Config {
	return tracer.Config{
		ServiceName:  ServiceName,
		AppEnv:       c.Tracing.AppEnv,
		EnableExport: c.Tracing.Export,
	}
}

// normalizeLevel accepts the logger levels case-insensitively plus "warn".
func normalizeLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", logger.Info:
		return logger.Info, nil
	case logger.Debug:
		return logger.Debug, nil
	case logger.Warning, "warn":
		return logger.Warning, nil
	case logger.Error:
		return logger.Error, nil
	default:
		return "", fmt.Errorf("logging.level %q must be one of debug, info, warning, error", level)
	}
}

// normalizeTLSVersion maps the accepted spellings to "1.2", "1.3" or "".
func normalizeTLSVersion(version string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(version)) {
	case "":
		return "", nil
	case "1.2", "tlsv1.2", "tls1.2":
		return "1.2", nil
	case "1.3", "tlsv1.3", "tls1.3":
		return "1.3", nil
	default:
		return "", fmt.Errorf("ssl.version %q is not supported, use 1.2 or 1.3", version)
	}
}
