// Package observability wires OpenTelemetry tracing to a local OTLP
// agent. The retrieval fan-out and the Genkit generate loop both emit
// spans; this package gives them a shared exporter.
//
// Environment variables (optional):
//   - OTEL_EXPORTER_OTLP_ENDPOINT: override agent host (default: localhost:4318)
//
// Config file (~/.mindframe/config.yaml):
//
//	otlp:
//	  enabled: true
//	  endpoint: "localhost:4318"
//	  service_name: "mindframe"
//	  environment: "dev"
package observability

import (
	"context"
	"log/slog"

	gtracing "github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/mindframe0/mindframe/internal/log"
)

// DefaultEndpoint is the default OTLP HTTP agent endpoint.
const DefaultEndpoint = "localhost:4318"

// Config for the OTLP trace exporter.
type Config struct {
	Endpoint    string // OTLP HTTP endpoint, host:port
	ServiceName string
	Environment string // dev, staging, prod
}

// Setup registers an OTLP HTTP exporter for both the application's
// global tracer provider and Genkit's internal one. Returns a shutdown
// function that flushes pending spans. Exporter construction failure
// disables tracing rather than failing startup.
func Setup(ctx context.Context, cfg Config, logger log.Logger) (shutdown func(context.Context) error, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "mindframe"
	}

	// The local agent terminates TLS upstream.
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating OTLP exporter failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	// Genkit keeps its own provider for generate-loop spans; share the
	// exporter so both pipelines land at the same agent.
	gtracing.TracerProvider().RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)

	return func(ctx context.Context) error {
		gerr := gtracing.TracerProvider().Shutdown(ctx)
		if perr := provider.Shutdown(ctx); perr != nil {
			return perr
		}
		return gerr
	}, nil
}
