package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Sets up the OTLP HTTP trace exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set (eg,
// http://localhost:4318). Other exporter settings come from the standard OTEL_* variables.
//
// WARDEN_TRACE_SAMPLE_RATIO (0 to 1, default 1) samples root spans, such as rule firings and
// admin requests; child spans follow their parent.
//
// Returns a function which flushes and stops the exporter.
func configOTEL(serviceName string) (func(), error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}, nil
	}

	ratio := 1.0
	if raw := os.Getenv("WARDEN_TRACE_SAMPLE_RATIO"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil || r < 0 || r > 1 {
			slog.Warn("ignoring invalid trace sample ratio", "value", raw)
		} else {
			ratio = r
		}
	}

	exp, err := otlptracehttp.New(context.Background())
	if err != nil {
		return nil, err
	}
	slog.Info("exporting traces", "endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "sample_ratio", ratio)

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(ratio))),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(versioninfo.Short()),
			attribute.String("environment", os.Getenv("ENVIRONMENT")),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to flush traces", "err", err)
		}
	}, nil
}
