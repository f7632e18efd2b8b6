package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/odvcencio/headlesslogs/pkg/config"
)

const tracerName = "github.com/odvcencio/headlesslogs"

// TracerProvider holds the tracer provider the bridge hands to its
// components. It is never installed as the global provider.
type TracerProvider struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	out      io.Closer
}

// NewTracerProvider exports spans as JSON lines to w.
func NewTracerProvider(serviceName, version string, w io.Writer) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &TracerProvider{provider: provider, sdk: provider}, nil
}

// NewTracing builds the tracer provider described by cfg. Disabled tracing
// yields a no-op provider.
func NewTracing(cfg config.TracingConfig, version string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{provider: noop.NewTracerProvider()}, nil
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	if out := strings.TrimSpace(cfg.Output); out != "" && out != "stdout" {
		f, err := os.OpenFile(out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace output: %w", err)
		}
		w, closer = f, f
	}

	tp, err := NewTracerProvider(cfg.ServiceName, version, w)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	tp.out = closer
	return tp, nil
}

// Tracer returns the bridge tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.provider.Tracer(tracerName)
}

// Shutdown flushes pending spans and releases the output.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if tp.sdk != nil {
		errs = append(errs, tp.sdk.Shutdown(ctx))
	}
	if tp.out != nil {
		errs = append(errs, tp.out.Close())
	}
	return errors.Join(errs...)
}
