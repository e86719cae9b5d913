package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"event-store/relay"
	"event-store/storage"
)

// setupTracing installs the global tracer provider. Spans are exported over
// OTLP/gRPC when an endpoint is configured; otherwise they only carry trace
// ids into the logs.
func setupTracing(ctx context.Context, cfg config) (*sdktrace.TracerProvider, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// registerStoreMetrics exposes log size and relay progress as gauges read at
// scrape time. rl may be nil.
func registerStoreMetrics(reg prometheus.Registerer, l *storage.Log, rl *relay.Relay) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "eventstore",
			Name:      "events",
			Help:      "Number of committed events in the log.",
		}, func() float64 { return float64(l.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "eventstore",
			Name:      "segments",
			Help:      "Number of segment files.",
		}, func() float64 { return float64(l.Stats().Segments) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "eventstore",
			Name:      "log_bytes",
			Help:      "Total size of the segment files in bytes.",
		}, func() float64 { return float64(l.Stats().Bytes) }),
	}
	if rl != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "eventstore",
				Subsystem: "relay",
				Name:      "lag",
				Help:      "Committed events not yet delivered to every sink.",
			}, func() float64 { return float64(rl.Stats().Lag) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "eventstore",
				Subsystem: "relay",
				Name:      "delivered_total",
				Help:      "Events delivered since start.",
			}, func() float64 { return float64(rl.Stats().Delivered) }),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
