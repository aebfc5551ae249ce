package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpcli/v1/observability"
)

// Manager owns the broker connection and its single confirm-mode channel.
//
// It is the only writer of the connection state. Engines never hold the
// channel directly: they ask for a *Session through EnsureReady or WaitReady,
// which only return while the Manager is Ready, and watch Session.Lost to
// learn that the session went away.
type Manager struct {
	instrumentation

	cfg    Config
	dialer Dialer
	sink   Sink

	state *stateSignal

	// mu guards everything below and serializes state transitions.
	mu           sync.Mutex
	session      *Session
	sessions     uint64
	reconnecting bool
	lastErr      error
	fatal        error
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager in state Disconnected. No connection is opened
// until Connect, Start or EnsureReady is called. A nil dialer uses AMQPDialer.
//
// Example:
//
//	m := rabbit.NewManager(cfg, nil).WithLogger(log).WithSink(sink)
//	defer m.Close()
//	sess, err := m.EnsureReady(ctx)
func NewManager(cfg Config, dialer Dialer) *Manager {
	if dialer == nil {
		dialer = AMQPDialer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		sink:   discardSink{},
		state:  newStateSignal(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger attaches a logger and returns the Manager for chaining.
func (m *Manager) WithLogger(logger Logger) *Manager {
	m.logger = logger
	return m
}

// WithObserver attaches an observer for connect and reconnect operations.
func (m *Manager) WithObserver(observer observability.Observer) *Manager {
	m.observer = observer
	return m
}

// WithSink sets the sink receiving StateChanged events. The engines created
// from this Manager inherit it.
func (m *Manager) WithSink(sink Sink) *Manager {
	if sink == nil {
		sink = discardSink{}
	}
	m.sink = sink
	return m
}

// Config returns the configuration the Manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	state, _ := m.state.load()
	return state
}

// Watch returns the current state and a channel that is closed on the next change.
func (m *Manager) Watch() (ConnectionState, <-chan struct{}) {
	return m.state.load()
}

// Connect performs a single connection attempt. It returns a *ConnectError if
// the broker is unreachable within Endpoint.ConnectTimeout or refuses the
// credentials. If a session already exists it is returned; if a reconnect
// cycle is running Connect waits for it like EnsureReady.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrManagerClosed
	case m.fatal != nil:
		err := m.fatal
		m.mu.Unlock()
		return nil, err
	case m.session != nil:
		sess := m.session
		m.mu.Unlock()
		return sess, nil
	case m.reconnecting:
		m.mu.Unlock()
		return m.EnsureReady(ctx)
	}
	m.reconnecting = true
	m.mu.Unlock()

	sess, err := m.attempt(ctx, 1)

	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
	return sess, err
}

// Start launches the background reconnect task without waiting for it.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		m.startReconnectLocked(false)
	}
}

// EnsureReady blocks until the Manager is Ready and returns the live session.
// From Disconnected or Degraded it triggers the reconnect task if none runs.
// It fails with *FatalConnectionError once the retry budget is exhausted,
// ErrManagerClosed after Close, or ctx.Err().
func (m *Manager) EnsureReady(ctx context.Context) (*Session, error) {
	for {
		m.mu.Lock()
		switch {
		case m.closed:
			m.mu.Unlock()
			return nil, ErrManagerClosed
		case m.fatal != nil:
			err := m.fatal
			m.mu.Unlock()
			return nil, err
		case m.session != nil:
			sess := m.session
			m.mu.Unlock()
			return sess, nil
		}
		m.startReconnectLocked(false)
		_, changed := m.state.load()
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitReady is EnsureReady bounded by timeout. It returns *NotReadyError when
// the timeout passes and *CancelledError when ctx is cancelled first.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) (*Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := m.EnsureReady(waitCtx)
	if err == nil {
		return sess, nil
	}
	if ctx.Err() != nil {
		return nil, &CancelledError{Op: "wait ready", Err: ctx.Err()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		m.mu.Lock()
		last := m.lastErr
		m.mu.Unlock()
		return nil, &NotReadyError{State: m.State(), Timeout: timeout, Err: last}
	}
	return nil, err
}

// Close moves the Manager to Closing, stops the reconnect task and closes the
// channel, then the connection. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.transitionLocked(Closing, nil)
	sess := m.session
	m.session = nil
	m.cancel()
	m.mu.Unlock()

	var err error
	if sess != nil {
		sess.markLost(ErrManagerClosed)
		err = sess.close()
	}
	m.wg.Wait()

	m.logInfo(context.Background(), "Connection manager closed", map[string]interface{}{
		"address": m.cfg.Endpoint.Address(),
	})
	return err
}

// transitionLocked stores the next state and emits StateChanged. m.mu must be held.
func (m *Manager) transitionLocked(to ConnectionState, cause error) bool {
	from, ok := m.state.store(to)
	if !ok {
		return false
	}
	m.sink.Emit(StateChanged{At: time.Now(), From: from, To: to, Err: cause})
	m.logDebug(context.Background(), "Connection state changed", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
	return true
}

// attempt runs one Connecting cycle: dial, open the channel, enable confirms
// and provision the target. It ends in Ready or Disconnected.
func (m *Manager) attempt(ctx context.Context, n int) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.transitionLocked(Connecting, nil)
	m.mu.Unlock()

	m.logInfo(ctx, "Connecting to broker", map[string]interface{}{
		"address": m.cfg.Endpoint.Address(),
		"attempt": n,
	})

	start := time.Now()
	conn, ch, err := m.open(ctx)
	m.observeOperation("connect", m.cfg.Endpoint.Address(), "", time.Since(start), err, 0)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if err == nil {
			_ = ch.Close()
			_ = conn.Close()
		}
		return nil, ErrManagerClosed
	}
	if err != nil {
		cerr := &ConnectError{
			Addr:      m.cfg.Endpoint.Address(),
			Attempt:   n,
			Err:       TranslateError(err),
			Timestamp: time.Now(),
		}
		m.lastErr = cerr
		m.transitionLocked(Disconnected, cerr)
		return nil, cerr
	}

	m.sessions++
	sess := newSession(m.sessions, conn, ch)
	m.session = sess
	m.lastErr = nil
	m.transitionLocked(Ready, nil)

	m.wg.Add(1)
	go m.supervise(sess)

	m.logInfo(ctx, "Connected to broker", map[string]interface{}{
		"address": m.cfg.Endpoint.Address(),
		"session": sess.id,
	})
	return sess, nil
}

// open dials the endpoint and prepares a confirm-mode channel.
func (m *Manager) open(ctx context.Context) (Connection, Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Endpoint.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.Endpoint)
	if err != nil {
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrConnectTimeout) {
			err = fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err = ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if m.cfg.Target.Declare {
		if err = provision(ch, m.cfg.Target, m.cfg.DeadLetter); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}

	return conn, ch, nil
}

// provision declares the target exchange and, when a queue is named, the
// queue and its binding. A configured dead-letter exchange and queue are
// declared first and attached to the queue.
func provision(ch Channel, target Target, deadLetter DeadLetter) error {
	err := ch.ExchangeDeclare(
		target.ExchangeName,
		target.ExchangeType,
		true,  // Durable
		false, // AutoDelete
		false, // Internal
		false, // NoWait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", target.ExchangeName, err)
	}

	if target.QueueName == "" {
		return nil
	}

	var queueArgs amqp.Table
	if deadLetter.ExchangeName != "" {
		err = ch.ExchangeDeclare(
			deadLetter.ExchangeName,
			amqp.ExchangeDirect,
			true,  // Durable
			false, // AutoDelete
			false, // Internal
			false, // NoWait
			nil,   // Arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare dead letter exchange: %w", err)
		}

		if deadLetter.QueueName != "" {
			if _, err = ch.QueueDeclare(deadLetter.QueueName, true, false, false, false, nil); err != nil {
				return fmt.Errorf("failed to declare dead letter queue: %w", err)
			}
			if err = ch.QueueBind(deadLetter.QueueName, deadLetter.RoutingKey, deadLetter.ExchangeName, false, nil); err != nil {
				return fmt.Errorf("failed to bind dead letter queue: %w", err)
			}
		}

		queueArgs = amqp.Table{
			"x-dead-letter-exchange":    deadLetter.ExchangeName,
			"x-dead-letter-routing-key": deadLetter.RoutingKey,
		}
		if deadLetter.Ttl > 0 {
			queueArgs["x-message-ttl"] = deadLetter.Ttl * 1000
		}
	}

	if _, err = ch.QueueDeclare(
		target.QueueName,
		true,      // Durable
		false,     // AutoDelete
		false,     // Exclusive
		false,     // NoWait
		queueArgs, // Arguments including dead letter config
	); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", target.QueueName, err)
	}

	if err = ch.QueueBind(target.QueueName, target.RoutingKey, target.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", target.QueueName, err)
	}
	return nil
}
