package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/accord/internal/orchestrator"

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics() {
	var err error

	e.transitionCounter, err = e.meter.Int64Counter(
		"accord.orchestration.transitions_total",
		metric.WithDescription("Total number of phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		e.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	e.gateCounter, err = e.meter.Int64Counter(
		"accord.orchestration.gates_total",
		metric.WithDescription("Total number of gate outcomes by result"),
		metric.WithUnit("{gate}"),
	)
	if err != nil {
		e.logger.Warn("failed to create gate counter", zap.Error(err))
	}

	e.decisionCounter, err = e.meter.Int64Counter(
		"accord.orchestration.decisions_total",
		metric.WithDescription("Total number of recorded decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		e.logger.Warn("failed to create decision counter", zap.Error(err))
	}

	e.rejectionCounter, err = e.meter.Int64Counter(
		"accord.orchestration.rejections_total",
		metric.WithDescription("Total number of operations refused by validation"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		e.logger.Warn("failed to create rejection counter", zap.Error(err))
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
