package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap/zapcore"

	"github.com/Aleph-Alpha/amqpcli/internal/config"
	"github.com/Aleph-Alpha/amqpcli/v1/logger"
	"github.com/Aleph-Alpha/amqpcli/v1/metrics"
	"github.com/Aleph-Alpha/amqpcli/v1/rabbit"
	"github.com/Aleph-Alpha/amqpcli/v1/tracer"
)

const (
	startTimeout = 15 * time.Second
	stopTimeout  = 15 * time.Second
)

// engines is populated from the fx graph of a command.
type engines struct {
	Log       *logger.LoggerClient
	Tracer    *tracer.Tracer
	Manager   rabbit.ConnectionManager
	Publisher rabbit.MessagePublisher
	Consumer  rabbit.MessageConsumer
}

// newApp assembles the logger, tracer, optional metrics and rabbit modules
// for cfg. sink receives engine events, behind the event metrics when the
// Prometheus endpoint is enabled; dialer may be nil.
func newApp(cfg *config.Config, dialer rabbit.Dialer, sink rabbit.Sink, out *engines) *fx.App {
	opts := []fx.Option{
		fx.Supply(cfg.Logger(), cfg.Tracer(), cfg.Rabbit()),
		logger.FXModule,
		tracer.FXModule,
		rabbit.FXModule,
		fx.Provide(func(l *logger.LoggerClient) rabbit.Logger { return l }),
		fx.WithLogger(func(l *logger.LoggerClient) fxevent.Logger {
			zl := &fxevent.ZapLogger{Logger: l.Zap}
			zl.UseLogLevel(zapcore.DebugLevel)
			return zl
		}),
		fx.Populate(&out.Log, &out.Tracer, &out.Manager, &out.Publisher, &out.Consumer),
	}

	if dialer != nil {
		opts = append(opts, fx.Provide(func() rabbit.Dialer { return dialer }))
	}
	if cfg.Tracing.Enable {
		opts = append(opts, fx.Provide(func(t *tracer.Tracer) rabbit.Propagator { return t }))
	}
	if cfg.MetricsEnabled() {
		opts = append(opts,
			fx.Supply(cfg.MetricsConfig()),
			metrics.FXModule,
			fx.Provide(func(m *metrics.Metrics) rabbit.Sink { return newEventMetrics(m, sink) }),
		)
	} else {
		opts = append(opts, fx.Provide(func() rabbit.Sink { return sink }))
	}

	return fx.New(opts...)
}

// runApp starts the application, runs op and stops the application again.
// The stop error is only reported when op succeeded.
func runApp(ctx context.Context, app *fx.App, op func(ctx context.Context) error) (err error) {
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if stopErr := app.Stop(stopCtx); stopErr != nil && err == nil {
			err = fmt.Errorf("failed to stop: %w", stopErr)
		}
	}()

	return op(ctx)
}

// traced runs op inside a span named name when tracing is enabled. Published
// messages carry the span context in their headers.
func traced(ctx context.Context, cfg *config.Config, t *tracer.Tracer, name string, attrs map[string]interface{}, op func(ctx context.Context) error) error {
	if !cfg.Tracing.Enable {
		return op(ctx)
	}

	ctx, span := t.StartSpan(ctx, name)
	defer span.End()
	t.SetAttributes(span, attrs)

	err := op(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.RecordErrorOnSpan(span, err)
	}
	return err
}
