package cli

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/Aleph-Alpha/amqpcli/internal/config"
)

// binding copies the value of one flag into the configuration.
type binding func(fs *pflag.FlagSet, name string, cfg *config.Config) error

// bindings maps flag names to the config field they override. Only flags the
// user set explicitly are applied, so file values survive flag defaults.
type bindings map[string]binding

// apply copies every changed flag of fs that has a binding into cfg.
func (b bindings) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		bind, ok := b[f.Name]
		if !ok || err != nil {
			return
		}
		err = bind(fs, f.Name, cfg)
	})
	return err
}

func stringField(field func(*config.Config) *string) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

func boolField(field func(*config.Config) *bool) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetBool(name)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

// invertedBoolField stores the negation of a --no-* flag.
func invertedBoolField(field func(*config.Config) *bool) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetBool(name)
		if err != nil {
			return err
		}
		*field(cfg) = !v
		return nil
	}
}

func intField(field func(*config.Config) *int) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

func uintField(field func(*config.Config) *uint) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetUint(name)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

func floatField(field func(*config.Config) *float64) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetFloat64(name)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

func durationField(field func(*config.Config) *time.Duration) binding {
	return func(fs *pflag.FlagSet, name string, cfg *config.Config) error {
		v, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

// addGlobalFlags registers the connection, authentication, logging, backoff
// and observability flags shared by every command.
func addGlobalFlags(fs *pflag.FlagSet, def *config.Config) bindings {
	// Connection
	fs.StringP("hostname", "H", def.Conn.Host, "MQ host")
	fs.UintP("port", "P", def.Conn.Port, "MQ port")
	fs.StringP("vhost", "V", def.Conn.VHost, "Virtual host")
	fs.Duration("connect-timeout", def.Conn.ConnectTimeout, "Timeout of a single connection attempt")
	fs.Duration("heartbeat", def.Conn.Heartbeat, "Heartbeat interval")
	fs.String("connection-name", def.Conn.Name, "Connection name reported to the broker")

	// SSL
	fs.BoolP("ssl", "s", def.SSL.Enable, "Use SSL")
	fs.Bool("no-ssl", !def.SSL.Enable, "Do not use SSL")
	fs.String("ssl-version", def.SSL.Version, "Pin the TLS version (1.2 or 1.3)")
	fs.String("ca-cert", def.SSL.CACert, "CA certificate file")
	fs.String("client-cert", def.SSL.ClientCert, "Client certificate file")
	fs.String("client-key", def.SSL.ClientKey, "Client certificate key file")
	fs.String("server-name", def.SSL.ServerName, "Server name for certificate verification")

	// Authentication
	fs.StringP("username", "u", def.Auth.Username, "Username")
	fs.StringP("password", "p", def.Auth.Password, "Password")
	fs.String("password-file", def.Auth.PasswordFile, "Read the password from the first line of FILE")

	// Logging
	fs.String("log-level", def.Logging.Level, "Logging level (debug, info, warning, error)")
	fs.String("log-format", def.Logging.Format, "Log encoding (console or json)")

	// Reconnect
	fs.Duration("retry-base-delay", def.Backoff.BaseDelay, "First reconnect delay")
	fs.Duration("retry-max-delay", def.Backoff.MaxDelay, "Upper bound of the reconnect delay")
	fs.Float64("retry-factor", def.Backoff.Factor, "Growth factor of the reconnect delay")
	fs.Int("max-retries", def.Backoff.MaxRetries, "Reconnect attempts before giving up, negative retries forever")
	fs.Bool("no-jitter", !def.Backoff.Jitter, "Disable reconnect delay jitter")

	// Observability
	fs.String("metrics-address", def.Metrics.Address, "Serve Prometheus metrics on this address")
	fs.Bool("tracing", def.Tracing.Enable, "Propagate trace context in message headers")
	fs.Bool("trace-export", def.Tracing.Export, "Export spans through OTLP/HTTP")

	fs.SortFlags = false

	return bindings{
		"hostname":        stringField(func(c *config.Config) *string { return &c.Conn.Host }),
		"port":            uintField(func(c *config.Config) *uint { return &c.Conn.Port }),
		"vhost":           stringField(func(c *config.Config) *string { return &c.Conn.VHost }),
		"connect-timeout": durationField(func(c *config.Config) *time.Duration { return &c.Conn.ConnectTimeout }),
		"heartbeat":       durationField(func(c *config.Config) *time.Duration { return &c.Conn.Heartbeat }),
		"connection-name": stringField(func(c *config.Config) *string { return &c.Conn.Name }),

		"ssl":         boolField(func(c *config.Config) *bool { return &c.SSL.Enable }),
		"no-ssl":      invertedBoolField(func(c *config.Config) *bool { return &c.SSL.Enable }),
		"ssl-version": stringField(func(c *config.Config) *string { return &c.SSL.Version }),
		"ca-cert":     stringField(func(c *config.Config) *string { return &c.SSL.CACert }),
		"client-cert": stringField(func(c *config.Config) *string { return &c.SSL.ClientCert }),
		"client-key":  stringField(func(c *config.Config) *string { return &c.SSL.ClientKey }),
		"server-name": stringField(func(c *config.Config) *string { return &c.SSL.ServerName }),

		"username":      stringField(func(c *config.Config) *string { return &c.Auth.Username }),
		"password":      stringField(func(c *config.Config) *string { return &c.Auth.Password }),
		"password-file": stringField(func(c *config.Config) *string { return &c.Auth.PasswordFile }),

		"log-level":  stringField(func(c *config.Config) *string { return &c.Logging.Level }),
		"log-format": stringField(func(c *config.Config) *string { return &c.Logging.Format }),

		"retry-base-delay": durationField(func(c *config.Config) *time.Duration { return &c.Backoff.BaseDelay }),
		"retry-max-delay":  durationField(func(c *config.Config) *time.Duration { return &c.Backoff.MaxDelay }),
		"retry-factor":     floatField(func(c *config.Config) *float64 { return &c.Backoff.Factor }),
		"max-retries":      intField(func(c *config.Config) *int { return &c.Backoff.MaxRetries }),
		"no-jitter":        invertedBoolField(func(c *config.Config) *bool { return &c.Backoff.Jitter }),

		"metrics-address": stringField(func(c *config.Config) *string { return &c.Metrics.Address }),
		"tracing":         boolField(func(c *config.Config) *bool { return &c.Tracing.Enable }),
		"trace-export":    boolField(func(c *config.Config) *bool { return &c.Tracing.Export }),
	}
}

// addTargetFlags registers the exchange and routing flags used by both
// commands; consume needs them to bind the queue when --declare is set.
func addTargetFlags(fs *pflag.FlagSet, def *config.Config) bindings {
	fs.StringP("exchange", "e", def.Publisher.Exchange, "Exchange")
	fs.String("exchange-type", def.Publisher.ExchangeType, "Exchange type used with --declare")
	fs.StringP("routing-key", "k", def.Publisher.RoutingKey, "Routing key")
	fs.Bool("declare", def.Publisher.Declare, "Declare the exchange, queue and binding before use")

	return bindings{
		"exchange":      stringField(func(c *config.Config) *string { return &c.Publisher.Exchange }),
		"exchange-type": stringField(func(c *config.Config) *string { return &c.Publisher.ExchangeType }),
		"routing-key":   stringField(func(c *config.Config) *string { return &c.Publisher.RoutingKey }),
		"declare":       boolField(func(c *config.Config) *bool { return &c.Publisher.Declare }),
	}
}

func merge(all ...bindings) bindings {
	out := bindings{}
	for _, b := range all {
		for name, bind := range b {
			out[name] = bind
		}
	}
	return out
}
