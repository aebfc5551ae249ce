package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/Aleph-Alpha/amqpcli/v1/observability"
)

// maxInFlight bounds unresolved confirms of a batch or stream.
const maxInFlight = 256

// DeliveryOutcome is the final state of one publish.
type DeliveryOutcome int

const (
	// Confirmed means the broker acked the message.
	Confirmed DeliveryOutcome = iota

	// Rejected means the broker nacked the message or returned it as unroutable.
	Rejected

	// TimedOut means no confirm arrived within the confirm timeout.
	TimedOut

	// ConnectionLost means the session ended before a confirm arrived.
	// Delivery must not be assumed.
	ConnectionLost
)

// String returns the outcome name.
func (o DeliveryOutcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	case ConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// PublishResult is the per-message report of a publish.
type PublishResult struct {
	// Session and Sequence identify the publish. Sequence is the channel's
	// publish sequence number and is 0 when the message never reached the wire.
	Session  uint64
	Sequence uint64

	MessageID     string
	CorrelationID string
	Outcome       DeliveryOutcome

	// Err explains any outcome other than Confirmed.
	Err error

	Size     int
	Duration time.Duration
}

// PublishSummary counts outcomes of a stream.
type PublishSummary struct {
	Sent           int
	Confirmed      int
	Rejected       int
	TimedOut       int
	ConnectionLost int
}

func (s *PublishSummary) add(r PublishResult) {
	s.Sent++
	switch r.Outcome {
	case Confirmed:
		s.Confirmed++
	case Rejected:
		s.Rejected++
	case TimedOut:
		s.TimedOut++
	case ConnectionLost:
		s.ConnectionLost++
	}
}

// Failed returns the number of messages that were not confirmed.
func (s PublishSummary) Failed() int {
	return s.Sent - s.Confirmed
}

// Publisher sends messages through the Manager's channel with publisher
// confirms and reports one outcome per message. It is safe for concurrent use.
type Publisher struct {
	instrumentation

	manager    *Manager
	opts       PublishOptions
	sink       Sink
	propagator Propagator
}

// NewPublisher creates a Publisher bound to m. It inherits the Manager's
// logger, observer and sink.
//
// Parameters:
//   - m: The Manager owning the connection and the confirm-mode channel
//   - opts: Ready and confirm timeouts, the send interval and message defaults
//
// Returns:
//   - *Publisher: A publisher ready for use once m is started
//
// Example:
//
//	m := rabbit.NewManager(cfg, nil).WithLogger(log).WithSink(sink)
//	m.Start()
//	defer m.Close()
//
//	p := rabbit.NewPublisher(m, cfg.Publish)
//	result, err := p.Publish(ctx, cfg.Target, rabbit.OutboundMessage{Body: []byte("hello")})
func NewPublisher(m *Manager, opts PublishOptions) *Publisher {
	return &Publisher{
		instrumentation: m.instrumentation,
		manager:         m,
		opts:            opts,
		sink:            m.sink,
	}
}

// WithLogger overrides the logger inherited from the Manager.
func (p *Publisher) WithLogger(logger Logger) *Publisher {
	p.logger = logger
	return p
}

// WithObserver overrides the observer inherited from the Manager.
func (p *Publisher) WithObserver(observer observability.Observer) *Publisher {
	p.observer = observer
	return p
}

// WithSink overrides the sink inherited from the Manager.
func (p *Publisher) WithSink(sink Sink) *Publisher {
	if sink == nil {
		sink = discardSink{}
	}
	p.sink = sink
	return p
}

// WithPropagator injects trace context of the publish context into message headers.
func (p *Publisher) WithPropagator(propagator Propagator) *Publisher {
	p.propagator = propagator
	return p
}

// pendingPublish is a sent message waiting for its confirm.
type pendingPublish struct {
	sess    *Session
	conf    Confirmation
	sendErr error
	target  Target
	result  PublishResult
	start   time.Time
}

// Publish sends msg to target and waits for its confirm.
//
// Parameters:
//   - ctx: Bounds the ready wait and the send; cancelling it yields *CancelledError
//   - target: Exchange and routing key of the message
//   - msg: Body, headers and properties. Empty MessageID and ContentType are filled in.
//
// Returns:
//   - PublishResult: The outcome of the message: Confirmed, Rejected, TimedOut
//     or ConnectionLost, together with its sequence and session
//   - error: Reserved for failures that end the operation: *NotReadyError,
//     *FatalConnectionError, *ProtocolError and *CancelledError
//
// A broker exception closing the channel before the confirm, e.g. a publish to
// a missing exchange, returns a Rejected result together with *ProtocolError.
// Every result is also emitted to the sink as MessagePublished.
//
// Example:
//
//	result, err := p.Publish(ctx, target, rabbit.OutboundMessage{
//	    Body:        []byte(`{"id":1}`),
//	    ContentType: "application/json",
//	})
//	if err != nil {
//	    return err
//	}
//	if result.Outcome != rabbit.Confirmed {
//	    log.Warn("Message not confirmed", result.Err, nil)
//	}
func (p *Publisher) Publish(ctx context.Context, target Target, msg OutboundMessage) (PublishResult, error) {
	pending, err := p.send(ctx, target, msg)
	if err != nil {
		return PublishResult{}, err
	}
	return p.await(pending)
}

// PublishBatch sends msgs in order, Interval apart, and resolves their
// confirms concurrently. Each outcome is emitted as soon as it resolves.
//
// Parameters:
//   - ctx: Cancelling it stops sending; confirms of sent messages are still awaited
//   - target: Exchange and routing key shared by all messages
//   - msgs: The messages in send order
//
// Returns:
//   - []PublishResult: The results of every message that was sent, in send order
//   - error: The first error that ended the batch. Nothing is sent after it,
//     and the slice is shorter than msgs when sending stopped early.
func (p *Publisher) PublishBatch(ctx context.Context, target Target, msgs []OutboundMessage) ([]PublishResult, error) {
	results := make([]PublishResult, len(msgs))
	sent, err := p.stream(ctx, target, len(msgs), func(i int) OutboundMessage { return msgs[i] }, func(i int, r PublishResult) {
		results[i] = r
	})
	return results[:sent], err
}

// PublishRepeated sends count copies of msg, interval apart. A negative count
// streams until ctx is cancelled, in which case the returned error is a
// *CancelledError and the summary covers everything sent so far.
//
// Example:
//
//	summary, err := p.PublishRepeated(ctx, target, msg, 100, 10*time.Millisecond)
//	fmt.Printf("%d sent, %d confirmed\n", summary.Sent, summary.Confirmed)
func (p *Publisher) PublishRepeated(ctx context.Context, target Target, msg OutboundMessage, count int, interval time.Duration) (PublishSummary, error) {
	var (
		mu      sync.Mutex
		summary PublishSummary
	)
	local := *p
	local.opts.Interval = interval

	_, err := local.stream(ctx, target, count, func(int) OutboundMessage { return msg }, func(_ int, r PublishResult) {
		mu.Lock()
		summary.add(r)
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	return summary, err
}

// stream sends count messages produced by next (count < 0 means unbounded)
// and hands every resolved result to collect, possibly concurrently.
func (p *Publisher) stream(ctx context.Context, target Target, count int, next func(i int) OutboundMessage, collect func(i int, r PublishResult)) (int, error) {
	var g errgroup.Group
	g.SetLimit(maxInFlight)

	var (
		mu      sync.Mutex
		termErr error
	)
	terminated := func() error {
		mu.Lock()
		defer mu.Unlock()
		return termErr
	}

	sent := 0
	var sendErr error
	for i := 0; count < 0 || i < count; i++ {
		if terminated() != nil {
			break
		}
		if i > 0 && p.opts.Interval > 0 {
			if err := sleepContext(ctx, p.opts.Interval); err != nil {
				sendErr = &CancelledError{Op: "publish", Err: err}
				break
			}
		}

		pending, err := p.send(ctx, target, next(i))
		if err != nil {
			sendErr = err
			break
		}
		sent++

		idx := i
		g.Go(func() error {
			result, err := p.await(pending)
			collect(idx, result)
			if err != nil {
				mu.Lock()
				if termErr == nil {
					termErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	if sendErr == nil {
		sendErr = terminated()
	}
	return sent, sendErr
}

// send waits for a ready session and puts msg on the wire.
func (p *Publisher) send(ctx context.Context, target Target, msg OutboundMessage) (*pendingPublish, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Op: "publish", Err: err}
	}

	sess, err := p.manager.WaitReady(ctx, p.opts.ReadyTimeout)
	if err != nil {
		return nil, err
	}

	publishing := p.publishing(ctx, msg)
	pending := &pendingPublish{
		sess:   sess,
		target: target,
		start:  time.Now(),
		result: PublishResult{
			Session:       sess.ID(),
			MessageID:     publishing.MessageId,
			CorrelationID: publishing.CorrelationId,
			Size:          len(msg.Body),
		},
	}

	conf, err := sess.channel.PublishWithConfirm(ctx, target.ExchangeName, target.RoutingKey, p.opts.Mandatory, publishing)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &CancelledError{Op: "publish", Err: ctx.Err()}
		}
		pending.sendErr = err
		return pending, nil
	}

	pending.conf = conf
	pending.result.Sequence = conf.DeliveryTag()
	return pending, nil
}

// await resolves the confirm of pending, emits MessagePublished and returns
// the result. The wait ignores cancellation of the publish context; it is
// bounded by the confirm timeout instead. The error is a *ProtocolError when
// a broker exception closed the channel under the message.
func (p *Publisher) await(pending *pendingPublish) (PublishResult, error) {
	result := pending.result
	var err error

	switch {
	case pending.conf == nil:
		err = p.lost(pending.sess, &result)
		if err == nil {
			result.Err = fmt.Errorf("%w: %w", ErrConnectionLost, pending.sendErr)
		}
	default:
		timer := time.NewTimer(p.opts.ConfirmTimeout)
		select {
		case <-pending.conf.Done():
			err = p.resolveConfirm(pending, &result)
		case <-pending.sess.Lost():
			select {
			case <-pending.conf.Done():
				err = p.resolveConfirm(pending, &result)
			default:
				err = p.lost(pending.sess, &result)
			}
		case <-timer.C:
			result.Outcome = TimedOut
			result.Err = &ConfirmTimeoutError{Sequence: result.Sequence, Timeout: p.opts.ConfirmTimeout}
		}
		timer.Stop()
	}

	result.Duration = time.Since(pending.start)
	p.report(pending.target, result)
	return result, err
}

func (p *Publisher) resolveConfirm(pending *pendingPublish, result *PublishResult) error {
	switch {
	case pending.conf.Acked():
		if ret, returned := pending.sess.takeReturn(result.MessageID); returned {
			result.Outcome = Rejected
			result.Err = fmt.Errorf("%w: %d %s", ErrMessageReturned, ret.ReplyCode, ret.ReplyText)
			return nil
		}
		result.Outcome = Confirmed
		return nil
	case pending.sess.isLost() || pending.sess.channel.IsClosed():
		return p.lost(pending.sess, result)
	default:
		result.Outcome = Rejected
		result.Err = ErrMessageNacked
		return nil
	}
}

// lost fills result for a message whose session went away before its confirm.
// The broker's close reason is kept in result.Err. A broker exception rejects
// the message and is returned as *ProtocolError to end the operation.
func (p *Publisher) lost(sess *Session, result *PublishResult) error {
	cause := sess.cause()
	if protocolErr := sess.protocolError("publish"); protocolErr != nil {
		result.Outcome = Rejected
		result.Err = protocolErr
		return protocolErr
	}
	result.Outcome = ConnectionLost
	result.Err = cause
	return nil
}

func (p *Publisher) report(target Target, result PublishResult) {
	p.sink.Emit(MessagePublished{At: time.Now(), Target: target, Result: result})
	p.observeOperation("publish", target.ExchangeName, target.RoutingKey, result.Duration, result.Err, int64(result.Size))

	fields := map[string]interface{}{
		"exchange":    target.ExchangeName,
		"routing_key": target.RoutingKey,
		"session":     result.Session,
		"sequence":    result.Sequence,
		"outcome":     result.Outcome.String(),
	}
	if result.Outcome == Confirmed {
		p.logDebug(context.Background(), "Message confirmed", fields)
		return
	}
	p.logWarn(context.Background(), "Message not confirmed", result.Err, fields)
}

// publishing converts msg to the wire representation.
func (p *Publisher) publishing(ctx context.Context, msg OutboundMessage) amqp.Publishing {
	headers := headersToTable(msg.Headers)
	if p.propagator != nil {
		for k, v := range p.propagator.GetCarrier(ctx) {
			if headers == nil {
				headers = amqp.Table{}
			}
			if _, exists := headers[k]; !exists {
				headers[k] = v
			}
		}
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = p.opts.ContentType
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	deliveryMode := amqp.Transient
	if p.opts.Persistent {
		deliveryMode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  deliveryMode,
		CorrelationId: msg.CorrelationID,
		MessageId:     messageID,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTerminal reports whether err ends a publish or consume operation with a
// failure, as opposed to a cancellation.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var cancelled *CancelledError
	return !errors.As(err, &cancelled)
}
