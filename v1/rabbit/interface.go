package rabbit

import (
	"context"
	"time"
)

// ConnectionManager is the contract of the connection lifecycle owner.
// Engines and the CLI depend on it rather than on *Manager directly.
type ConnectionManager interface {
	// Connect performs a single connection attempt.
	Connect(ctx context.Context) (*Session, error)

	// Start launches the background reconnect task.
	Start()

	// EnsureReady blocks until a session is Ready or the Manager gives up.
	EnsureReady(ctx context.Context) (*Session, error)

	// WaitReady is EnsureReady bounded by timeout.
	WaitReady(ctx context.Context, timeout time.Duration) (*Session, error)

	// State returns the current connection state.
	State() ConnectionState

	// Watch returns the current state and a channel closed on the next change.
	Watch() (ConnectionState, <-chan struct{})

	// Close shuts the channel and connection down.
	Close() error
}

// MessagePublisher publishes with confirms and reports one outcome per message.
type MessagePublisher interface {
	Publish(ctx context.Context, target Target, msg OutboundMessage) (PublishResult, error)
	PublishBatch(ctx context.Context, target Target, msgs []OutboundMessage) ([]PublishResult, error)
	PublishRepeated(ctx context.Context, target Target, msg OutboundMessage, count int, interval time.Duration) (PublishSummary, error)
}

// MessageConsumer runs a consume loop with an acknowledgment policy.
type MessageConsumer interface {
	Consume(ctx context.Context, target Target, policy AckPolicy, handler Handler) error
}

var (
	_ ConnectionManager = (*Manager)(nil)
	_ MessagePublisher  = (*Publisher)(nil)
	_ MessageConsumer   = (*Consumer)(nil)
)
