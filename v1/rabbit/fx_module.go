package rabbit

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/amqpcli/v1/observability"
)

// FXModule is an fx.Module that provides the connection Manager and both
// engines.
//
// The module provides:
//  1. *Manager and the ConnectionManager interface
//  2. *Publisher and the MessagePublisher interface
//  3. *Consumer and the MessageConsumer interface
//  4. Lifecycle management: the reconnect task starts with the application
//     and the connection is closed when it stops
//
// Usage:
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    fx.Supply(cfg),
//	    // optionally logger.FXModule, metrics.FXModule, a rabbit.Sink ...
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewManagerWithDI,
		fx.Annotate(
			func(m *Manager) ConnectionManager { return m },
			fx.As(new(ConnectionManager)),
		),
		NewPublisherWithDI,
		fx.Annotate(
			func(p *Publisher) MessagePublisher { return p },
			fx.As(new(MessagePublisher)),
		),
		NewConsumerWithDI,
		fx.Annotate(
			func(c *Consumer) MessageConsumer { return c },
			fx.As(new(MessageConsumer)),
		),
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// RabbitParams groups the dependencies needed to create a Manager.
type RabbitParams struct {
	fx.In

	Config     Config
	Dialer     Dialer                 `optional:"true"`
	Logger     Logger                 `optional:"true"`
	Observer   observability.Observer `optional:"true"`
	Sink       Sink                   `optional:"true"`
	Propagator Propagator             `optional:"true"`
}

// NewManagerWithDI validates the configuration and creates a Manager with the
// optional dependencies injected.
func NewManagerWithDI(params RabbitParams) (*Manager, error) {
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	m := NewManager(params.Config, params.Dialer)
	if params.Logger != nil {
		m.WithLogger(params.Logger)
	}
	if params.Observer != nil {
		m.WithObserver(params.Observer)
	}
	if params.Sink != nil {
		m.WithSink(params.Sink)
	}
	return m, nil
}

// EngineParams groups the dependencies shared by both engines.
type EngineParams struct {
	fx.In

	Manager    *Manager
	Config     Config
	Propagator Propagator `optional:"true"`
}

// NewPublisherWithDI creates the Publisher for the injected Manager.
func NewPublisherWithDI(params EngineParams) *Publisher {
	p := NewPublisher(params.Manager, params.Config.Publish)
	if params.Propagator != nil {
		p.WithPropagator(params.Propagator)
	}
	return p
}

// NewConsumerWithDI creates the Consumer for the injected Manager.
func NewConsumerWithDI(params EngineParams) *Consumer {
	c := NewConsumer(params.Manager, params.Config.Consume)
	if params.Propagator != nil {
		c.WithPropagator(params.Propagator)
	}
	return c
}

// RabbitLifecycleParams groups the dependencies needed for lifecycle management.
type RabbitLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Manager   *Manager
}

// RegisterRabbitLifecycle starts the reconnect task when the application
// starts and closes the channel and connection when it stops. Start does not
// wait for the broker; operations wait for Ready on their own.
func RegisterRabbitLifecycle(params RabbitLifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			params.Manager.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := params.Manager.Close(); err != nil {
				params.Manager.logWarn(ctx, "Failed to close broker connection", err, map[string]interface{}{
					"address": params.Manager.Config().Endpoint.Address(),
				})
			}
			return nil
		},
	})
}
