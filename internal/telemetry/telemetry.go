// Package telemetry installs the process-wide OpenTelemetry tracer
// provider. RPC calls are traced by the otelhttp transport in package chain
// and every broadcast pipeline opens a span in package broadcast; both use
// the global provider set here.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporters accepted by Setup.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

var ErrUnknownExporter = errors.New("unknown OTEL_EXPORTER (want none or stdout)")

// Shutdown flushes and stops the installed provider.
type Shutdown func(context.Context) error

// Setup installs a tracer provider exporting to exporter. An empty exporter
// or "none" installs nothing, leaving otel's no-op provider in place.
// Spans of the stdout exporter are written to w as JSON.
func Setup(exporter string, w io.Writer) (Shutdown, error) {
	switch strings.ToLower(strings.TrimSpace(exporter)) {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, exporter)
	}
}
