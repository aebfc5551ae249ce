package rabbit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpcli/v1/observability"
)

// AckPolicy decides how a delivery is settled after the handler returns.
type AckPolicy int

const (
	// AutoAck lets the broker consider a message delivered as soon as it is
	// sent. Handler failures cannot cause redelivery; use it for inspection only.
	AutoAck AckPolicy = iota

	// ManualAck acks after the handler succeeds. A failed delivery is left
	// unacknowledged and the broker redelivers it once the channel closes.
	ManualAck

	// ManualNack acks after the handler succeeds and rejects a failed
	// delivery without requeue, so it is dropped or dead-lettered.
	ManualNack

	// Requeue acks after the handler succeeds and rejects a failed delivery
	// with requeue, so the broker redelivers it immediately.
	Requeue
)

// String returns the policy name as accepted by ParseAckPolicy.
func (p AckPolicy) String() string {
	switch p {
	case AutoAck:
		return "auto"
	case ManualAck:
		return "ack"
	case ManualNack:
		return "nack"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("AckPolicy(%d)", int(p))
	}
}

// ParseAckPolicy parses a policy name.
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "auto-ack":
		return AutoAck, nil
	case "ack", "manual-ack":
		return ManualAck, nil
	case "nack", "manual-nack", "reject":
		return ManualNack, nil
	case "requeue":
		return Requeue, nil
	}
	return 0, fmt.Errorf("%w: unknown ack policy %q", ErrInvalidConfig, s)
}

// Handler processes one delivery. Returning an error marks it failed; the
// AckPolicy decides what happens to it. The context is not cancelled when the
// consume loop is, so a handler always runs to completion.
type Handler func(ctx context.Context, msg InboundMessage) error

// errResubscribe ends one subscription so the loop starts the next one on a
// fresh session.
var errResubscribe = errors.New("rabbit: resubscribe")

// Consumer runs consume loops on the Manager's channel.
type Consumer struct {
	instrumentation

	manager    *Manager
	opts       ConsumeOptions
	sink       Sink
	propagator Propagator

	mu     sync.Mutex
	active map[string]struct{}
}

// NewConsumer creates a Consumer bound to m. It inherits the Manager's
// logger, observer and sink.
func NewConsumer(m *Manager, opts ConsumeOptions) *Consumer {
	return &Consumer{
		instrumentation: m.instrumentation,
		manager:         m,
		opts:            opts,
		sink:            m.sink,
		active:          make(map[string]struct{}),
	}
}

// WithLogger overrides the logger inherited from the Manager.
func (c *Consumer) WithLogger(logger Logger) *Consumer {
	c.logger = logger
	return c
}

// WithObserver overrides the observer inherited from the Manager.
func (c *Consumer) WithObserver(observer observability.Observer) *Consumer {
	c.observer = observer
	return c
}

// WithSink overrides the sink inherited from the Manager.
func (c *Consumer) WithSink(sink Sink) *Consumer {
	if sink == nil {
		sink = discardSink{}
	}
	c.sink = sink
	return c
}

// WithPropagator extracts trace context from message headers into the handler context.
func (c *Consumer) WithPropagator(propagator Propagator) *Consumer {
	c.propagator = propagator
	return c
}

// subscription is one basic.consume on one session.
type subscription struct {
	sess       *Session
	queue      string
	tag        string
	policy     AckPolicy
	deliveries <-chan amqp.Delivery
}

// Consume subscribes to target.QueueName and hands every delivery to handler,
// in broker order, settling it according to policy.
//
// It runs until ctx is cancelled (*CancelledError), the Manager gives up
// (*FatalConnectionError) or the broker refuses the subscription
// (*ProtocolError). When ConsumeOptions.MaxMessages is reached it stops the
// same way as on cancellation and returns nil. A lost session is recovered by
// waiting for Ready and subscribing again; deliveries of the lost session are
// never settled.
//
// Parameters:
//   - ctx: Cancelling it stops the loop after the delivery in progress
//   - target: QueueName names the queue to subscribe to
//   - policy: AutoAck, ManualAck, ManualNack or Requeue
//   - handler: Called once per delivery. Its error decides the settlement under
//     the manual policies.
//
// Returns:
//   - error: nil after MaxMessages deliveries, otherwise the error that ended the loop
//
// Example:
//
//	c := rabbit.NewConsumer(m, rabbit.ConsumeOptions{PrefetchCount: 10})
//	err := c.Consume(ctx, target, rabbit.ManualAck, func(ctx context.Context, msg rabbit.InboundMessage) error {
//	    return process(ctx, msg.Body)
//	})
func (c *Consumer) Consume(ctx context.Context, target Target, policy AckPolicy, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: consume handler is nil", ErrInvalidConfig)
	}
	if policy < AutoAck || policy > Requeue {
		return fmt.Errorf("%w: unknown ack policy %d", ErrInvalidConfig, int(policy))
	}

	queue := target.QueueName
	if !c.acquire(queue) {
		return fmt.Errorf("%w: %q", ErrAlreadyConsuming, queue)
	}
	defer c.release(queue)

	tag := c.opts.ConsumerTag
	if tag == "" {
		tag = "amqpcli-" + uuid.NewString()
	}

	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return &CancelledError{Op: "consume", Err: err}
		}

		sess, err := c.manager.EnsureReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return &CancelledError{Op: "consume", Err: ctx.Err()}
			}
			return err
		}

		sub, err := c.subscribe(sess, queue, tag, policy)
		if err != nil {
			if isProtocolError(err) {
				return newProtocolError("consume", err)
			}
			c.logWarn(ctx, "Subscription failed, waiting for a new session", err, map[string]interface{}{
				"queue":   queue,
				"session": sess.ID(),
			})
			select {
			case <-sess.Lost():
				continue
			case <-ctx.Done():
				return &CancelledError{Op: "consume", Err: ctx.Err()}
			}
		}

		err = c.run(ctx, sub, handler, &handled)
		if errors.Is(err, errResubscribe) {
			continue
		}
		return err
	}
}

func (c *Consumer) acquire(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[queue]; busy {
		return false
	}
	c.active[queue] = struct{}{}
	return true
}

func (c *Consumer) release(queue string) {
	c.mu.Lock()
	delete(c.active, queue)
	c.mu.Unlock()
}

func (c *Consumer) subscribe(sess *Session, queue, tag string, policy AckPolicy) (*subscription, error) {
	ch := sess.channel
	if c.opts.PrefetchCount > 0 {
		if err := ch.Qos(c.opts.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch count: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		policy == AutoAck, // AutoAck
		c.opts.Exclusive,  // Exclusive
		false,             // NoLocal
		false,             // NoWait
		nil,               // Arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from queue %q: %w", queue, err)
	}

	c.logInfo(context.Background(), "Subscribed to queue", map[string]interface{}{
		"queue":        queue,
		"consumer_tag": tag,
		"ack_policy":   policy.String(),
		"session":      sess.ID(),
	})

	return &subscription{
		sess:       sess,
		queue:      queue,
		tag:        tag,
		policy:     policy,
		deliveries: deliveries,
	}, nil
}

// run dispatches deliveries of sub until it ends. It returns errResubscribe
// when the session or the subscription went away underneath it.
func (c *Consumer) run(ctx context.Context, sub *subscription, handler Handler, handled *int) error {
	for {
		if err := ctx.Err(); err != nil {
			c.shutdown(ctx, sub, handler)
			return &CancelledError{Op: "consume", Err: err}
		}

		select {
		case <-ctx.Done():
			c.shutdown(ctx, sub, handler)
			return &CancelledError{Op: "consume", Err: ctx.Err()}

		case <-sub.sess.Lost():
			return c.afterLoss(sub)

		case d, ok := <-sub.deliveries:
			if !ok || sub.sess.isLost() {
				if ok {
					// The broker redelivers it on the next session.
					c.logDebug(ctx, "Dropping delivery of lost session", map[string]interface{}{
						"queue":        sub.queue,
						"delivery_tag": d.DeliveryTag,
					})
				} else if !sub.sess.isLost() {
					c.logWarn(ctx, "Subscription cancelled by broker", ErrSubscriptionCancelled, map[string]interface{}{
						"queue":        sub.queue,
						"consumer_tag": sub.tag,
					})
				}
				// Wait for the loss to be noticed so the next EnsureReady
				// does not hand back the same session.
				if sub.sess.channel.IsClosed() && !sub.sess.isLost() {
					select {
					case <-sub.sess.Lost():
					case <-ctx.Done():
						return &CancelledError{Op: "consume", Err: ctx.Err()}
					}
				}
				return c.afterLoss(sub)
			}

			c.dispatch(ctx, sub, d, handler)
			*handled++
			if c.opts.MaxMessages > 0 && *handled >= c.opts.MaxMessages {
				c.shutdown(ctx, sub, nil)
				c.logInfo(ctx, "Message limit reached", map[string]interface{}{
					"queue":    sub.queue,
					"messages": *handled,
				})
				return nil
			}
		}
	}
}

// afterLoss decides how run ends once the subscription went away. A broker
// exception that closed the channel ends the consume loop with
// *ProtocolError; any other loss resubscribes on the next session.
func (c *Consumer) afterLoss(sub *subscription) error {
	if !sub.sess.isLost() {
		return errResubscribe
	}
	if protocolErr := sub.sess.protocolError("consume"); protocolErr != nil {
		c.logError(context.Background(), "Consume loop ended by broker exception", protocolErr, map[string]interface{}{
			"queue":        sub.queue,
			"consumer_tag": sub.tag,
		})
		return protocolErr
	}
	return errResubscribe
}

// dispatch runs handler for one delivery and settles it.
func (c *Consumer) dispatch(ctx context.Context, sub *subscription, d amqp.Delivery, handler Handler) {
	msg := newInboundMessage(d, sub.queue, sub.sess.ID())
	c.sink.Emit(MessageReceived{At: time.Now(), Message: msg})

	handlerCtx := context.WithoutCancel(ctx)
	if c.propagator != nil && len(msg.Headers) > 0 {
		handlerCtx = c.propagator.SetCarrierOnContext(handlerCtx, msg.Headers)
	}

	start := time.Now()
	err := invokeHandler(handlerCtx, handler, msg)
	c.settle(handlerCtx, sub, msg, err)
	c.observeOperation("consume", sub.queue, sub.tag, time.Since(start), err, int64(len(msg.Body)))
}

func invokeHandler(ctx context.Context, handler Handler, msg InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// settle applies the ack policy to msg given the handler result.
func (c *Consumer) settle(ctx context.Context, sub *subscription, msg InboundMessage, handlerErr error) {
	fields := map[string]interface{}{
		"queue":        sub.queue,
		"delivery_tag": msg.DeliveryTag,
		"session":      msg.Session,
		"ack_policy":   sub.policy.String(),
	}

	switch {
	case sub.policy == AutoAck:
		if handlerErr != nil {
			c.logWarn(ctx, "Handler failed on auto-acked delivery", handlerErr, fields)
		}
	case handlerErr == nil:
		c.ack(ctx, sub, msg, fields)
	case sub.policy == ManualAck:
		c.logWarn(ctx, "Handler failed, leaving delivery unacknowledged", handlerErr, fields)
	default:
		c.nack(ctx, sub, msg, sub.policy == Requeue, handlerErr, fields)
	}
}

func (c *Consumer) ack(ctx context.Context, sub *subscription, msg InboundMessage, fields map[string]interface{}) {
	err := sub.sess.settle(msg.DeliveryTag, func(ch Channel) error {
		return ch.Ack(msg.DeliveryTag, false)
	})
	if err != nil {
		c.logWarn(ctx, "Failed to acknowledge delivery", err, fields)
		return
	}
	c.sink.Emit(MessageAcked{At: time.Now(), Queue: sub.queue, Session: msg.Session, DeliveryTag: msg.DeliveryTag})
	c.logDebug(ctx, "Delivery acknowledged", fields)
}

func (c *Consumer) nack(ctx context.Context, sub *subscription, msg InboundMessage, requeue bool, cause error, fields map[string]interface{}) {
	err := sub.sess.settle(msg.DeliveryTag, func(ch Channel) error {
		return ch.Nack(msg.DeliveryTag, false, requeue)
	})
	if err != nil {
		c.logWarn(ctx, "Failed to reject delivery", err, fields)
		return
	}
	c.sink.Emit(MessageNacked{
		At:          time.Now(),
		Queue:       sub.queue,
		Session:     msg.Session,
		DeliveryTag: msg.DeliveryTag,
		Requeue:     requeue,
		Err:         cause,
	})
	fields["requeue"] = requeue
	c.logDebug(ctx, "Delivery rejected", fields)
}

// shutdown cancels sub and settles what the broker already pushed: with
// AutoAck those deliveries are handled, otherwise they are rejected with
// requeue. A nil handler means the message limit was reached; auto-acked
// deliveries past the limit are then discarded with a warning, since the
// broker already counts them as delivered. Draining stops after DrainTimeout;
// anything still unsettled then is requeued by the broker when the channel
// closes.
func (c *Consumer) shutdown(ctx context.Context, sub *subscription, handler Handler) {
	ctx = context.WithoutCancel(ctx)
	if sub.sess.isLost() {
		return
	}
	if err := sub.sess.channel.Cancel(sub.tag, false); err != nil {
		c.logWarn(ctx, "Failed to cancel subscription", err, map[string]interface{}{
			"queue":        sub.queue,
			"consumer_tag": sub.tag,
		})
		return
	}

	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()

	drained := 0
	for {
		select {
		case d, ok := <-sub.deliveries:
			if !ok {
				c.logInfo(ctx, "Subscription closed", map[string]interface{}{
					"queue":        sub.queue,
					"consumer_tag": sub.tag,
					"drained":      drained,
				})
				return
			}
			drained++
			if sub.policy == AutoAck {
				if handler == nil {
					c.logWarn(ctx, "Discarding auto-acked delivery past the message limit", nil, map[string]interface{}{
						"queue":        sub.queue,
						"delivery_tag": d.DeliveryTag,
					})
					continue
				}
				c.dispatch(ctx, sub, d, handler)
				continue
			}
			msg := newInboundMessage(d, sub.queue, sub.sess.ID())
			c.nack(ctx, sub, msg, true, ErrSubscriptionCancelled, map[string]interface{}{
				"queue":        sub.queue,
				"delivery_tag": msg.DeliveryTag,
				"session":      msg.Session,
				"ack_policy":   sub.policy.String(),
			})
		case <-sub.sess.Lost():
			return
		case <-timer.C:
			c.logWarn(ctx, "Drain timeout reached, leaving remaining deliveries to the broker", nil, map[string]interface{}{
				"queue":   sub.queue,
				"drained": drained,
			})
			return
		}
	}
}
