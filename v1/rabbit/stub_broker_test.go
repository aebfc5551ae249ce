package rabbit

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// stubBroker is an in-memory broker implementing Dialer. Every successful dial
// creates a stubConnection with one stubChannel.
type stubBroker struct {
	mu sync.Mutex

	dials     int
	failDials int // dials that fail before one succeeds, -1 fails forever
	dialErr   error

	holdConfirms bool              // leave confirms pending
	nackConfirms bool              // nack every publish
	unroutable   map[string]bool   // routing keys that are returned when mandatory
	consumeErr   error             // returned by Consume
	publishErr   error             // returned by PublishWithConfirm
	connections  []*stubConnection // in dial order
}

var _ Dialer = (*stubBroker)(nil)

func newStubBroker() *stubBroker {
	return &stubBroker{unroutable: make(map[string]bool)}
}

func (b *stubBroker) Dial(ctx context.Context, _ Endpoint) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials != 0 {
		if b.failDials > 0 {
			b.failDials--
		}
		err := b.dialErr
		if err == nil {
			err = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := &stubConnection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

func (b *stubBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *stubBroker) setFailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

func (b *stubBroker) setHoldConfirms(hold bool) {
	b.mu.Lock()
	b.holdConfirms = hold
	b.mu.Unlock()
}

// latest returns the channel of the most recent connection.
func (b *stubBroker) latest(t *testing.T) *stubChannel {
	t.Helper()
	var ch *stubChannel
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.connections) == 0 {
			return false
		}
		conn := b.connections[len(b.connections)-1]
		conn.mu.Lock()
		defer conn.mu.Unlock()
		ch = conn.channel
		return ch != nil
	}, 2*time.Second, time.Millisecond)
	return ch
}

func (b *stubBroker) connection(i int) *stubConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections[i]
}

type stubConnection struct {
	broker *stubBroker

	mu      sync.Mutex
	closed  bool
	closes  []chan *amqp.Error
	channel *stubChannel
}

func (c *stubConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.channel = &stubChannel{
		broker:    c.broker,
		pending:   make(map[uint64]*stubConfirmation),
		consumers: make(map[string]chan amqp.Delivery),
	}
	return c.channel, nil
}

func (c *stubConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *stubConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubConnection) Close() error {
	c.shutdown(nil)
	return nil
}

// drop simulates a broker side connection failure.
func (c *stubConnection) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func (c *stubConnection) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		ch.shutdown(cause)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, receiver := range c.closes {
		if cause != nil {
			receiver <- cause
		}
		close(receiver)
	}
	c.closes = nil
	c.closed = true
}

type stubPublish struct {
	exchange   string
	key        string
	mandatory  bool
	sequence   uint64
	publishing amqp.Publishing
}

type stubNack struct {
	tag     uint64
	requeue bool
}

type stubChannel struct {
	broker *stubBroker

	mu          sync.Mutex
	closed      bool
	confirm     bool
	seq         uint64
	deliveryTag uint64
	pending     map[uint64]*stubConfirmation
	published   []stubPublish
	consumers   map[string]chan amqp.Delivery
	cancelled   []string
	acks        []uint64
	nacks       []stubNack
	qos         int
	exchanges   map[string]string
	queues      map[string]amqp.Table
	bindings    []string
	closes      []chan *amqp.Error
	returns     []chan amqp.Return
}

func (c *stubChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirm = true
	return nil
}

func (c *stubChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return nil
}

func (c *stubChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchanges == nil {
		c.exchanges = make(map[string]string)
	}
	c.exchanges[name] = kind
	return nil
}

func (c *stubChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queues == nil {
		c.queues = make(map[string]amqp.Table)
	}
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *stubChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (c *stubChannel) PublishWithConfirm(_ context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	c.broker.mu.Lock()
	hold, nack, unroutable := c.broker.holdConfirms, c.broker.nackConfirms, c.broker.unroutable[key]
	publishErr := c.broker.publishErr
	c.broker.mu.Unlock()
	if publishErr != nil {
		return nil, publishErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.seq++
	conf := &stubConfirmation{tag: c.seq, done: make(chan struct{})}
	c.published = append(c.published, stubPublish{
		exchange:   exchange,
		key:        key,
		mandatory:  mandatory,
		sequence:   c.seq,
		publishing: msg,
	})

	if mandatory && unroutable {
		for _, receiver := range c.returns {
			receiver <- amqp.Return{
				ReplyCode:  amqp.NoRoute,
				ReplyText:  "NO_ROUTE",
				Exchange:   exchange,
				RoutingKey: key,
				MessageId:  msg.MessageId,
			}
		}
	}

	if hold {
		c.pending[conf.tag] = conf
		return conf, nil
	}
	conf.resolve(!nack)
	return conf, nil
}

func (c *stubChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	err := c.broker.consumeErr
	c.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 64)
	c.consumers[consumer] = deliveries
	return deliveries, nil
}

func (c *stubChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.cancelled = append(c.cancelled, consumer)
	if deliveries, ok := c.consumers[consumer]; ok {
		close(deliveries)
		delete(c.consumers, consumer)
	}
	return nil
}

func (c *stubChannel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.acks = append(c.acks, tag)
	return nil
}

func (c *stubChannel) Nack(tag uint64, _, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.nacks = append(c.nacks, stubNack{tag: tag, requeue: requeue})
	return nil
}

func (c *stubChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *stubChannel) NotifyReturn(receiver chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returns = append(c.returns, receiver)
	return receiver
}

func (c *stubChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown follows the order of amqp091-go: close listeners hear the cause,
// the channel is marked closed, consumers are closed and pending confirms
// resolve as nacks.
func (c *stubChannel) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for _, receiver := range c.closes {
		if cause != nil {
			receiver <- cause
		}
	}
	c.closed = true
	for _, receiver := range c.closes {
		close(receiver)
	}
	c.closes = nil

	for tag, deliveries := range c.consumers {
		close(deliveries)
		delete(c.consumers, tag)
	}
	for tag, conf := range c.pending {
		conf.resolve(false)
		delete(c.pending, tag)
	}
}

// deliver pushes a message to the consumer with the given tag and returns its
// delivery tag.
func (c *stubChannel) deliver(t *testing.T, consumer string, body string) uint64 {
	t.Helper()
	var deliveries chan amqp.Delivery
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		deliveries = c.consumers[consumer]
		return deliveries != nil
	}, 2*time.Second, time.Millisecond, "consumer %q not subscribed", consumer)

	c.mu.Lock()
	c.deliveryTag++
	tag := c.deliveryTag
	c.mu.Unlock()

	deliveries <- amqp.Delivery{
		ConsumerTag:  consumer,
		DeliveryTag:  tag,
		Exchange:     "ex1",
		RoutingKey:   "rk1",
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(body),
	}
	return tag
}

// confirmAll resolves every pending confirm.
func (c *stubChannel) confirmAll(ack bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, conf := range c.pending {
		conf.resolve(ack)
		delete(c.pending, tag)
	}
}

func (c *stubChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *stubChannel) publishes() []stubPublish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stubPublish(nil), c.published...)
}

func (c *stubChannel) ackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acks...)
}

func (c *stubChannel) nackedTags() []stubNack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stubNack(nil), c.nacks...)
}

func (c *stubChannel) cancelledConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

type stubConfirmation struct {
	tag   uint64
	once  sync.Once
	acked bool
	done  chan struct{}
}

func (c *stubConfirmation) resolve(ack bool) {
	c.once.Do(func() {
		c.acked = ack
		close(c.done)
	})
}

func (c *stubConfirmation) DeliveryTag() uint64 { return c.tag }

func (c *stubConfirmation) Done() <-chan struct{} { return c.done }

func (c *stubConfirmation) Acked() bool {
	<-c.done
	return c.acked
}

// testConfig returns a configuration with delays short enough for unit tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint.ConnectTimeout = time.Second
	cfg.Target = Target{
		ExchangeName: "ex1",
		ExchangeType: amqp.ExchangeDirect,
		RoutingKey:   "rk1",
		QueueName:    "q1",
	}
	cfg.Backoff = Backoff{
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Factor:     2,
		Jitter:     true,
		MaxRetries: 5,
	}
	cfg.Publish.ReadyTimeout = 2 * time.Second
	cfg.Publish.ConfirmTimeout = time.Second
	cfg.Consume.ConsumerTag = "test-consumer"
	cfg.Consume.DrainTimeout = time.Second
	return cfg
}

// newTestManager returns a Manager on a fresh stub broker, closed at test end.
func newTestManager(t *testing.T, cfg Config) (*Manager, *stubBroker, *Recorder) {
	t.Helper()
	broker := newStubBroker()
	recorder := &Recorder{}
	m := NewManager(cfg, broker).WithSink(recorder)
	t.Cleanup(func() { _ = m.Close() })
	return m, broker, recorder
}
