// Package telemetry configures OpenTelemetry tracing for capture jobs.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

const instrumentationName = "github.com/JakeFAU/gated-doc-capture"

// Config controls tracing.
type Config struct {
	ServiceName string
	Version     string
	// ProjectID enables export to Google Cloud Trace. Without it spans are
	// recorded but not exported.
	ProjectID string
	// SampleRatio is the fraction of root spans sampled; values >= 1 sample everything.
	SampleRatio float64
}

// InitTracerProvider installs the global tracer provider and the W3C trace
// context propagator used by the publisher.
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "doccapture"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

// StartJob opens the root span of one capture job.
func StartJob(ctx context.Context, item capture.QueueItem) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "capture.job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", item.JobID),
			attribute.String("job.requester_id", item.Request.RequesterID),
			attribute.String("document.id", item.Request.Locator.DocumentID),
			attribute.Int("job.pages_requested", len(item.Request.Pages)),
		),
	)
}

// EndJob records the job outcome on span and ends it.
func EndJob(span trace.Span, res capture.Result, err error) {
	defer span.End()
	if err != nil {
		span.SetAttributes(attribute.String("job.error_kind", string(capture.KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(capture.KindOf(err)))
		return
	}
	span.SetAttributes(
		attribute.Int("job.page_count", res.PageCount),
		attribute.Int("job.byte_size", res.ByteSize),
		attribute.Bool("job.large_output", res.LargeOutput),
	)
	span.SetStatus(codes.Ok, "")
}
