// Package rabbit is the messaging engine of amqpcli: connection lifecycle,
// publishing with broker confirms and consuming with an acknowledgment policy
// against an AMQP 0.9.1 broker.
//
// # Architecture
//
// The package is built from four parts:
//   - Manager: owns the connection and its single confirm-mode channel, runs
//     the reconnect task and is the only writer of the ConnectionState
//   - Publisher: sends messages and resolves one DeliveryOutcome per message
//   - Consumer: runs a consume loop and settles each delivery per AckPolicy
//   - Sink: receives the events of all three
//
// The AMQP client library is reached through the Dialer, Connection and
// Channel interfaces in protocol.go. AMQPDialer implements them with
// github.com/rabbitmq/amqp091-go; tests use an in-memory broker.
//
// # Connection states
//
//	Disconnected -> Connecting -> Ready -> Degraded -> Connecting -> ...
//	                     |
//	                     +-> Disconnected (attempt failed, backoff)
//	any -> Closing (Close, terminal)
//
// Every transition is emitted as a StateChanged event. The reconnect task
// retries with an exponential, non-decreasing backoff until Backoff.MaxRetries
// retries have failed, then every waiting operation receives a
// *FatalConnectionError. Refused credentials, an unknown virtual host or a
// certificate error end the task immediately.
//
// Operations only get a *Session from EnsureReady or WaitReady. A session is
// one connection plus channel; publish sequence numbers and delivery tags are
// scoped to it. After a reconnect the Consumer never acks or nacks a tag of
// the previous session.
//
// # Direct Usage (Without FX)
//
//	cfg := rabbit.DefaultConfig()
//	cfg.Target.ExchangeName = "events"
//	cfg.Target.RoutingKey = "user.created"
//	cfg.Target.Declare = true
//
//	sink := rabbit.NewAsyncSink(func(e rabbit.Event) { fmt.Println(e.Kind()) })
//	defer sink.Close()
//
//	manager := rabbit.NewManager(cfg, nil).WithLogger(log).WithSink(sink)
//	defer manager.Close()
//
//	publisher := rabbit.NewPublisher(manager, cfg.Publish)
//	result, err := publisher.Publish(ctx, cfg.Target, rabbit.OutboundMessage{
//		Body:        []byte(`{"id": "123"}`),
//		ContentType: "application/json",
//	})
//	if err != nil {
//		return err // NotReady, Fatal, Protocol or Cancelled
//	}
//	if result.Outcome != rabbit.Confirmed {
//		log.Warn("message not confirmed", result.Err, nil)
//	}
//
// Consuming:
//
//	consumer := rabbit.NewConsumer(manager, cfg.Consume)
//	err := consumer.Consume(ctx, cfg.Target, rabbit.ManualAck,
//		func(ctx context.Context, msg rabbit.InboundMessage) error {
//			return process(msg.Body)
//		})
//	var cancelled *rabbit.CancelledError
//	if errors.As(err, &cancelled) {
//		// normal shutdown
//	}
//
// # Publish outcomes
//
//   - Confirmed: the broker acked the sequence number
//   - Rejected: the broker nacked it, or returned it as unroutable (Mandatory)
//   - TimedOut: no confirm within PublishOptions.ConfirmTimeout
//   - ConnectionLost: the session ended first; delivery must not be assumed
//
// Outcomes are per message. The error returned by Publish, PublishBatch and
// PublishRepeated is reserved for failures that end the whole operation.
//
// # Acknowledgment policies
//
//   - AutoAck: the broker acks on send; handler failures are only logged
//   - ManualAck: ack on success; failures stay unacknowledged
//   - ManualNack: ack on success; failures are nacked without requeue
//   - Requeue: ack on success; failures are nacked with requeue
//
// On cancellation the Consumer cancels the subscription, settles the
// deliveries the broker had already pushed and returns a *CancelledError.
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		rabbit.FXModule,
//		fx.Supply(cfg),
//		fx.Provide(func() rabbit.Sink { return sink }),
//		fx.Invoke(func(p *rabbit.Publisher) { ... }),
//	)
//
// # Observability
//
// Connect, reconnect, publish and consume operations are reported to an
// optional observability.Observer with component "rabbit". A Propagator
// (for example *tracer.Tracer) moves trace context through message headers.
//
// # Thread Safety
//
// Manager, Publisher and Consumer are safe for concurrent use. A Consumer
// allows one consume loop per queue.
package rabbit
