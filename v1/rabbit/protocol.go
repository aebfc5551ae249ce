package rabbit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections. AMQPDialer is the production implementation;
// tests substitute an in-memory broker.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint Endpoint) (Connection, error)

// Dial calls f(ctx, endpoint).
func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	return f(ctx, endpoint)
}

// Connection is the subset of *amqp.Connection the Manager relies on.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the engines rely on.
// Ack and Nack take the delivery tag explicitly; the tag is the only key.
type Channel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithConfirm(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyReturn(receiver chan amqp.Return) chan amqp.Return
	IsClosed() bool
	Close() error
}

// Confirmation is the pending broker confirm of one publish.
type Confirmation interface {
	// DeliveryTag is the publish sequence number on the channel.
	DeliveryTag() uint64

	// Done is closed when the broker acks or nacks, or the channel closes.
	Done() <-chan struct{}

	// Acked reports the broker decision. False after a channel close.
	Acked() bool
}

// AMQPDialer dials real brokers through amqp091-go.
type AMQPDialer struct{}

var _ Dialer = AMQPDialer{}

// Dial connects to endpoint. amqp091-go has no context aware dial, so the
// attempt runs in a goroutine and a connection that arrives after ctx is done
// is closed.
func (AMQPDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	tlsConfig, err := newTLSConfig(endpoint)
	if err != nil {
		return nil, err
	}

	cfg := amqp.Config{
		Heartbeat:       endpoint.Heartbeat,
		TLSClientConfig: tlsConfig,
		Vhost:           endpoint.vhost(),
		Dial:            amqp.DefaultDial(endpoint.ConnectTimeout),
		Properties:      amqp.NewConnectionProperties(),
	}
	if endpoint.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(endpoint.ConnectionName)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(endpoint.URL(), cfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &amqpConnection{conn: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, ctx.Err()
	}
}

// newTLSConfig builds the TLS settings for endpoint, or nil for plain AMQP.
// It covers server verification against a custom CA, mutual TLS and a pinned
// protocol version.
func newTLSConfig(endpoint Endpoint) (*tls.Config, error) {
	if !endpoint.IsSSLEnabled {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName: endpoint.ServerName,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = endpoint.Host
	}

	switch endpoint.TLSVersion {
	case "1.2":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS12, tls.VersionTLS12
	case "1.3":
		cfg.MinVersion, cfg.MaxVersion = tls.VersionTLS13, tls.VersionTLS13
	default:
		cfg.MinVersion = tls.VersionTLS12
	}

	if endpoint.CACertPath != "" {
		caCert, err := os.ReadFile(endpoint.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrCertificate, endpoint.CACertPath)
		}
		cfg.RootCAs = pool
	}

	if endpoint.UseCert {
		cert, err := tls.LoadX509KeyPair(endpoint.ClientCertPath, endpoint.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) Close() error { return c.conn.Close() }

// amqpChannel adapts *amqp.Channel. Every method except PublishWithConfirm is
// promoted from the embedded channel.
type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) PublishWithConfirm(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("rabbit: channel is not in confirm mode")
	}
	return deferredConfirmation{dc: dc}, nil
}

type deferredConfirmation struct {
	dc *amqp.DeferredConfirmation
}

func (d deferredConfirmation) DeliveryTag() uint64 { return d.dc.DeliveryTag }

func (d deferredConfirmation) Done() <-chan struct{} { return d.dc.Done() }

func (d deferredConfirmation) Acked() bool { return d.dc.Acked() }
