package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aleph-Alpha/amqpcli/internal/config"
	"github.com/Aleph-Alpha/amqpcli/internal/render"
	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
)

func newConsumeCommand(state *rootState, def *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages from a queue and print them",
		Long: `Consume messages from a queue and print a Metadata and a Body block for
each delivery, or one JSON object per line with --output json.

The ack policy decides what happens to a delivery after it was printed:
  auto     the broker considers it delivered on send
  ack      ack after printing; a delivery that failed to print stays unacked
  nack     ack after printing, nack without requeue on failure
  requeue  ack after printing, nack with requeue on failure

Interrupting the command cancels the subscription; buffered deliveries are
returned to the queue before the connection closes.`,
		Example: `  amqpcli consume -q orders --prefetch 10
  amqpcli consume -q orders --ack-policy auto -n 5 -o json`,
		Args: cobra.NoArgs,
	}

	fs := cmd.Flags()
	target := addTargetFlags(fs, def)
	fs.StringP("queue", "q", def.Consumer.Queue, "Queue")
	fs.StringP("tag", "t", def.Consumer.Tag, "Consumer tag, empty generates one")
	fs.Int("prefetch", def.Consumer.Prefetch, "Unacknowledged deliveries per consumer, 0 is unlimited")
	fs.String("ack-policy", def.Consumer.AckPolicy, "Ack policy (auto, ack, nack, requeue)")
	fs.Bool("exclusive", def.Consumer.Exclusive, "Request exclusive access to the queue")
	fs.Duration("drain-timeout", def.Consumer.DrainTimeout, "How long cancellation waits for buffered deliveries")
	fs.IntP("count", "n", def.Consumer.MaxMessages, "Stop after this many messages, 0 consumes until interrupted")

	local := merge(target, bindings{
		"queue":         stringField(func(c *config.Config) *string { return &c.Consumer.Queue }),
		"tag":           stringField(func(c *config.Config) *string { return &c.Consumer.Tag }),
		"prefetch":      intField(func(c *config.Config) *int { return &c.Consumer.Prefetch }),
		"ack-policy":    stringField(func(c *config.Config) *string { return &c.Consumer.AckPolicy }),
		"exclusive":     boolField(func(c *config.Config) *bool { return &c.Consumer.Exclusive }),
		"drain-timeout": durationField(func(c *config.Config) *time.Duration { return &c.Consumer.DrainTimeout }),
		"count":         intField(func(c *config.Config) *int { return &c.Consumer.MaxMessages }),
	})

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := state.resolve(cmd, local)
		if err != nil {
			return err
		}
		policy, err := cfg.AckPolicy()
		if err != nil {
			return err
		}
		out, err := state.renderer()
		if err != nil {
			return err
		}
		return runConsume(cmd.Context(), cfg, state.opts.Dialer, out, policy)
	}
	return cmd
}

// runConsume prints every delivery, its settlement and connection losses until
// ctx is done or the configured number of messages was handled. A delivery that cannot be written counts as a
// handler failure.
func runConsume(ctx context.Context, cfg *config.Config, dialer rabbit.Dialer, out *render.Renderer, policy rabbit.AckPolicy) error {
	rc := cfg.Rabbit()

	sink := rabbit.NewAsyncSink(out.Emit)
	var e engines
	app := newApp(cfg, dialer, sink, &e)

	err := runApp(ctx, app, func(ctx context.Context) error {
		e.Log.InfoWithContext(ctx, "Waiting for messages", nil, map[string]interface{}{
			"queue":  rc.Target.QueueName,
			"policy": policy.String(),
		})
		attrs := map[string]interface{}{
			"messaging.source": rc.Target.QueueName,
			"ack_policy":       policy.String(),
		}
		return traced(ctx, cfg, e.Tracer, "amqpcli.consume", attrs, func(ctx context.Context) error {
			return e.Consumer.Consume(ctx, rc.Target, policy, func(_ context.Context, msg rabbit.InboundMessage) error {
				return out.Message(msg)
			})
		})
	})
	sink.Close()
	return err
}
