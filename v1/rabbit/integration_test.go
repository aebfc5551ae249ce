//go:build integration

package rabbit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// TestBrokerRoundTrip publishes three confirmed messages through a real
// broker and consumes them back with manual acknowledgments.
//
// Test Scenario:
//  1. Starts a RabbitMQ container
//  2. Wires the Manager and both engines through FXModule with provisioning on
//  3. Publishes three messages and expects three Confirmed outcomes in order
//  4. Consumes with ManualAck until MaxMessages is reached
func TestBrokerRoundTrip(t *testing.T) {
	ctx := context.Background()
	host, port, containerInstance := initializeRabbitMQ(ctx)
	defer func() { _ = containerInstance.Terminate(ctx) }()
	waitForPort(t, host, port)

	cfg := integrationConfig(host, port, "roundtrip")
	cfg.Consume.MaxMessages = 3
	recorder := &Recorder{}

	var (
		publisher MessagePublisher
		consumer  MessageConsumer
	)
	app := fxtest.New(t,
		FXModule,
		fx.Supply(cfg),
		fx.Provide(func() Sink { return recorder }),
		fx.Populate(&publisher, &consumer),
	)
	app.RequireStart()
	defer app.RequireStop()

	msgs := []OutboundMessage{
		{Body: []byte("one"), CorrelationID: "c-1"},
		{Body: []byte("two"), CorrelationID: "c-2"},
		{Body: []byte("three"), CorrelationID: "c-3"},
	}
	results, err := publisher.PublishBatch(ctx, cfg.Target, msgs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, Confirmed, r.Outcome, "message %d", i)
		assert.Equal(t, uint64(i+1), r.Sequence)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = consumer.Consume(consumeCtx, cfg.Target, ManualAck, func(_ context.Context, msg InboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Body))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, seen)
	assert.Len(t, recorder.Acked(), 3)
}

// TestBrokerUnroutableIsRejected publishes with the mandatory flag to an
// exchange without bindings and expects a Rejected outcome.
func TestBrokerUnroutableIsRejected(t *testing.T) {
	ctx := context.Background()
	host, port, containerInstance := initializeRabbitMQ(ctx)
	defer func() { _ = containerInstance.Terminate(ctx) }()
	waitForPort(t, host, port)

	cfg := integrationConfig(host, port, "unroutable")
	m := NewManager(cfg, nil)
	defer m.Close()

	_, err := m.EnsureReady(ctx)
	require.NoError(t, err)

	target := cfg.Target
	target.RoutingKey = "nobody-listens"
	result, err := NewPublisher(m, cfg.Publish).Publish(ctx, target, OutboundMessage{Body: []byte("lost")})
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrMessageReturned)
}

// TestBrokerRequeueRedelivers nacks the first delivery with requeue and
// expects the broker to redeliver it.
func TestBrokerRequeueRedelivers(t *testing.T) {
	ctx := context.Background()
	host, port, containerInstance := initializeRabbitMQ(ctx)
	defer func() { _ = containerInstance.Terminate(ctx) }()
	waitForPort(t, host, port)

	cfg := integrationConfig(host, port, "requeue")
	cfg.Consume.MaxMessages = 2
	m := NewManager(cfg, nil)
	defer m.Close()

	_, err := NewPublisher(m, cfg.Publish).Publish(ctx, cfg.Target, OutboundMessage{Body: []byte("again")})
	require.NoError(t, err)

	var redelivered []bool
	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = NewConsumer(m, cfg.Consume).Consume(consumeCtx, cfg.Target, Requeue, func(_ context.Context, msg InboundMessage) error {
		redelivered = append(redelivered, msg.Redelivered)
		if !msg.Redelivered {
			return errors.New("try again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, redelivered)
}

// TestBrokerRefusesBadCredentials expects a FatalConnectionError after the
// first attempt when the broker refuses the login.
func TestBrokerRefusesBadCredentials(t *testing.T) {
	ctx := context.Background()
	host, port, containerInstance := initializeRabbitMQ(ctx)
	defer func() { _ = containerInstance.Terminate(ctx) }()
	waitForPort(t, host, port)

	cfg := integrationConfig(host, port, "credentials")
	cfg.Endpoint.Password = "wrong"
	m := NewManager(cfg, nil)
	defer m.Close()

	_, err := m.EnsureReady(ctx)
	var fatal *FatalConnectionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, fatal.Attempts)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func integrationConfig(host string, port int, name string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint.Host = host
	cfg.Endpoint.Port = uint(port)
	cfg.Endpoint.User = "guest"
	cfg.Endpoint.Password = "guest"
	cfg.Endpoint.ConnectionName = "amqpcli-integration-" + name
	cfg.Target = Target{
		ExchangeName: "it-" + name,
		ExchangeType: "direct",
		RoutingKey:   "rk-" + name,
		QueueName:    "q-" + name,
		Declare:      true,
	}
	cfg.Backoff.BaseDelay = 100 * time.Millisecond
	cfg.Backoff.MaxDelay = time.Second
	return cfg
}

func waitForPort(t *testing.T, host string, port int) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 2*time.Second)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 60*time.Second, 500*time.Millisecond, "RabbitMQ port not ready")
}

func initializeRabbitMQ(ctx context.Context) (string, int, testcontainers.Container) {
	hostPort, err := getFreePort()
	if err != nil {
		log.Fatalf("Failed to find free port: %v", err)
	}

	containerInstance, err := createRabbitMQContainer(ctx, hostPort)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}

	port, err := containerInstance.MappedPort(ctx, "5672")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}
	host, err := containerInstance.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get host: %v", err)
	}
	return host, port.Int(), containerInstance
}

// createRabbitMQContainer starts a RabbitMQ container bound to hostPort and
// waits until the broker reports healthy. Docker socket hiccups are retried.
func createRabbitMQContainer(ctx context.Context, hostPort string) (testcontainers.Container, error) {
	var containerInstance testcontainers.Container
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		portBindings := nat.PortMap{
			"5672/tcp": []nat.PortBinding{{HostPort: hostPort}},
		}

		req := testcontainers.ContainerRequest{
			Image:        "rabbitmq:4-management",
			ExposedPorts: []string{"5672/tcp"},
			HostConfigModifier: func(cfg *container.HostConfig) {
				cfg.PortBindings = portBindings
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp").WithStartupTimeout(20*time.Second),
				wait.ForExec([]string{"rabbitmq-diagnostics", "status"}).WithExitCodeMatcher(func(exitCode int) bool {
					return exitCode == 0
				}).WithStartupTimeout(10*time.Second),
			),
		}

		containerInstance, lastErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if lastErr == nil {
			return containerInstance, nil
		}

		if strings.Contains(lastErr.Error(), "docker.sock") || errors.Is(lastErr, io.EOF) {
			log.Printf("Attempt %d: Docker socket error, retrying in %d seconds: %v", attempt+1, attempt+1, lastErr)
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}

		break
	}

	return nil, fmt.Errorf("failed to start RabbitMQ container after %d attempts: %w", 3, lastErr)
}

func getFreePort() (string, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", err
	}
	defer func() { _ = l.Close() }()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port), nil
}
