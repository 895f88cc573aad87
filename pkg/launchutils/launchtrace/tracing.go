// Copyright (c) 2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package launchtrace

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultCollectorEndpoint = "http://localhost:14268/api/traces"

// logSpanExporter logs every span it is handed, so that traces can be
// followed in the launcher log even without a collector.
type logSpanExporter struct{}

var _ sdktrace.SpanExporter = (*logSpanExporter)(nil)

func (e *logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		traceLogger.WithFields(logrus.Fields{
			"span":     span.Name(),
			"trace-id": span.SpanContext().TraceID().String(),
			"duration": span.EndTime().Sub(span.StartTime()),
		}).Trace("reporting span")
	}
	return nil
}

func (e *logSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

var provider *sdktrace.TracerProvider

var traceLogger = logrus.WithField("subsystem", "trace")

// tracing determines whether tracing is enabled.
var tracing bool

// SetTracing turns tracing on or off. Called by the configuration.
func SetTracing(isTracing bool) {
	tracing = isTracing
}

// SetLogger sets the logger used for span reports.
func SetLogger(logger *logrus.Entry) {
	fields := traceLogger.Data
	traceLogger = logger.WithFields(fields)
}

// JaegerConfig defines necessary Jaeger config for exporting traces.
type JaegerConfig struct {
	JaegerEndpoint string
	JaegerUser     string
	JaegerPassword string
}

// CreateTracer installs the global tracer provider. Spans go to the log and
// to the Jaeger collector; with tracing off a no-op provider is used.
func CreateTracer(name string, config *JaegerConfig) error {
	if !tracing {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return nil
	}

	collectorEndpoint := defaultCollectorEndpoint
	var user, password string
	if config != nil {
		if config.JaegerEndpoint != "" {
			collectorEndpoint = config.JaegerEndpoint
		}
		user, password = config.JaegerUser, config.JaegerPassword
	}

	jaegerExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(collectorEndpoint),
		jaeger.WithUsername(user),
		jaeger.WithPassword(password),
	))
	if err != nil {
		return err
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(&logSpanExporter{}),
		sdktrace.WithSyncer(jaegerExporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", name),
			attribute.String("exporter", "jaeger"),
			attribute.String("lib", "opentelemetry"),
		)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// StopTracing ends the root span in ctx and flushes every span to the
// collector.
func StopTracing(ctx context.Context) {
	if !tracing {
		return
	}

	otelTrace.SpanFromContext(ctx).End()

	if provider != nil {
		if err := provider.Shutdown(ctx); err != nil {
			traceLogger.WithError(err).Warn("failed to flush traces")
		}
		provider = nil
	}
}

// Trace creates a new tracing span based on the specified name and parent
// context. Tag keys and values are strings.
func Trace(parent context.Context, logger *logrus.Entry, name string, tags ...map[string]string) (otelTrace.Span, context.Context) {
	if parent == nil {
		if logger == nil {
			logger = traceLogger
		}
		logger.WithField("type", "bug").Error("trace called before context set")
		parent = context.Background()
	}

	var attrs []attribute.KeyValue
	if tracing {
		for _, tagSet := range tags {
			for k, v := range tagSet {
				attrs = append(attrs, attribute.String(k, v))
			}
		}
	}

	ctx, span := otel.Tracer("cvm-launch").Start(parent, name, otelTrace.WithAttributes(attrs...))

	if tracing {
		traceLogger.Debugf("created span %s", name)
	}

	return span, ctx
}

// AddTags adds string key-value pairs to a span. Keys must be strings.
func AddTags(span otelTrace.Span, keyValues ...interface{}) {
	if !tracing {
		return
	}
	if len(keyValues)%2 != 0 {
		traceLogger.WithField("type", "bug").Error("number of attribute keyValues is not even")
		return
	}
	for i := 0; i < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			traceLogger.WithField("type", "bug").Error("key in attributes is not a string")
			continue
		}
		switch v := keyValues[i+1].(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case uint32:
			span.SetAttributes(attribute.Int64(key, int64(v)))
		case uint64:
			span.SetAttributes(attribute.Int64(key, int64(v)))
		case error:
			span.SetAttributes(attribute.String(key, v.Error()))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}
