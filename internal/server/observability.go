package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider
	RunCounter    metric.Int64Counter
	CaseDuration  metric.Int64Histogram
	AuditSampled  metric.Int64Counter
	CaseSkipped   metric.Int64Counter
	BudgetBlocked metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "verify-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	runCounter, _ := meter.Int64Counter("verify_run_total")
	caseDuration, _ := meter.Int64Histogram("verify_case_duration_ms")
	auditSampled, _ := meter.Int64Counter("verify_audit_sampled_total")
	caseSkipped, _ := meter.Int64Counter("verify_case_skipped_total")
	budgetBlocked, _ := meter.Int64Counter("verify_budget_block_total")
	return &Observability{
		Tracer:        tracer,
		Meter:         meter,
		traceProvider: tp,
		RunCounter:    runCounter,
		CaseDuration:  caseDuration,
		AuditSampled:  auditSampled,
		CaseSkipped:   caseSkipped,
		BudgetBlocked: budgetBlocked,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	ctx, cancel := withTimeout(ctx, 10*time.Second)
	defer cancel()
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkRun(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkCase(ctx context.Context, caseID, status string, durationMS int64) {
	if o == nil {
		return
	}
	o.CaseDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("case_id", caseID),
		attribute.String("status", status),
	))
	if status == "skip" {
		o.CaseSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("case_id", caseID)))
	}
}

func (o *Observability) MarkAuditSampled(ctx context.Context, caseID string) {
	if o == nil {
		return
	}
	o.AuditSampled.Add(ctx, 1, metric.WithAttributes(attribute.String("case_id", caseID)))
}

func (o *Observability) MarkBudgetBlocked(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.BudgetBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
