package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aleph-Alpha/amqpcli/internal/config"
	"github.com/Aleph-Alpha/amqpcli/internal/render"
	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
)

type publishFlags struct {
	headers       []string
	correlationID string
	count         int
}

func newPublishCommand(state *rootState, def *config.Config) *cobra.Command {
	flags := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish [FILE]",
		Short: "Publish a message read from FILE or stdin",
		Long: `Publish the contents of FILE, or stdin when FILE is omitted or "-", and wait
for the broker confirm. Every message reports one outcome: confirmed,
rejected, timed_out or connection_lost. Unconfirmed messages are reported but
do not fail the command; it exits non-zero only when the broker cannot be
reached or refuses the operation.`,
		Example: `  amqpcli publish -e orders -k created order.json -t application/json
  echo ping | amqpcli publish --count 10 --interval 500ms`,
		Args: cobra.MaximumNArgs(1),
	}

	fs := cmd.Flags()
	target := addTargetFlags(fs, def)
	fs.StringP("content-type", "t", def.Publisher.ContentType, "Content type")
	fs.Bool("transient", !def.Publisher.Persistent, "Publish with the transient delivery mode")
	fs.Bool("no-mandatory", !def.Publisher.Mandatory, "Do not ask the broker to return unroutable messages")
	fs.Duration("ready-timeout", def.Publisher.ReadyTimeout, "How long to wait for a usable connection")
	fs.Duration("confirm-timeout", def.Publisher.ConfirmTimeout, "How long to wait for each broker confirm")
	fs.Duration("interval", def.Publisher.Interval, "Delay between repeated messages")
	fs.StringArrayVarP(&flags.headers, "header", "", nil, "Message header as key=value, repeatable")
	fs.StringVar(&flags.correlationID, "correlation-id", "", "Correlation id of the message")
	fs.IntVarP(&flags.count, "count", "n", 1, "Number of copies to publish, 0 publishes until interrupted")

	local := merge(target, bindings{
		"content-type":    stringField(func(c *config.Config) *string { return &c.Publisher.ContentType }),
		"transient":       invertedBoolField(func(c *config.Config) *bool { return &c.Publisher.Persistent }),
		"no-mandatory":    invertedBoolField(func(c *config.Config) *bool { return &c.Publisher.Mandatory }),
		"ready-timeout":   durationField(func(c *config.Config) *time.Duration { return &c.Publisher.ReadyTimeout }),
		"confirm-timeout": durationField(func(c *config.Config) *time.Duration { return &c.Publisher.ConfirmTimeout }),
		"interval":        durationField(func(c *config.Config) *time.Duration { return &c.Publisher.Interval }),
	})

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := state.resolve(cmd, local)
		if err != nil {
			return err
		}
		if flags.count < 0 {
			return fmt.Errorf("%w: --count must not be negative", rabbit.ErrInvalidConfig)
		}
		headers, err := parseHeaders(flags.headers)
		if err != nil {
			return err
		}
		body, err := readBody(state.opts.Stdin, args)
		if err != nil {
			return err
		}
		out, err := state.renderer()
		if err != nil {
			return err
		}

		msg := rabbit.OutboundMessage{
			Body:          body,
			ContentType:   cfg.Publisher.ContentType,
			Headers:       headers,
			CorrelationID: flags.correlationID,
		}
		return runPublish(cmd.Context(), cfg, state.opts.Dialer, out, msg, flags.count)
	}
	return cmd
}

// runPublish publishes count copies of msg (0 meaning until ctx is done),
// renders each outcome as it resolves and a summary for repeated publishes.
// Outcomes other than Confirmed are not errors.
func runPublish(ctx context.Context, cfg *config.Config, dialer rabbit.Dialer, out *render.Renderer, msg rabbit.OutboundMessage, count int) error {
	sink := rabbit.NewAsyncSink(out.Emit)
	var e engines
	app := newApp(cfg, dialer, sink, &e)

	var summary rabbit.PublishSummary
	target := cfg.Rabbit().Target
	err := runApp(ctx, app, func(ctx context.Context) error {
		n := count
		if n == 0 {
			n = -1
		}
		attrs := map[string]interface{}{
			"messaging.destination": target.String(),
			"messaging.count":       count,
		}
		return traced(ctx, cfg, e.Tracer, "amqpcli.publish", attrs, func(ctx context.Context) error {
			var err error
			summary, err = e.Publisher.PublishRepeated(ctx, target, msg, n, cfg.Publisher.Interval)
			return err
		})
	})
	sink.Close()

	if count != 1 && summary.Sent > 0 {
		if rerr := out.Summary(summary); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// readBody reads the message body from the file argument, or stdin when no
// argument or "-" is given.
func readBody(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read message from stdin: %w", err)
		}
		return body, nil
	}

	body, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}
	return body, nil
}

// parseHeaders turns repeated key=value flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: header %q must be key=value", rabbit.ErrInvalidConfig, kv)
		}
		headers[key] = value
	}
	return headers, nil
}
