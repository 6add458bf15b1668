package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Recorder wraps the operation-latency histogram recorded around every
// routed LLM call and MCP dispatch. It reads the global meter provider,
// so it keeps working as a noop when telemetry is disabled.
type Recorder struct {
	latency metric.Float64Histogram
	logger  *zap.Logger
}

// NewRecorder creates the recorder on the global meter.
func NewRecorder(logger *zap.Logger) *Recorder {
	meter := otel.Meter("nexus/gateway")
	latency, err := meter.Float64Histogram(
		"nexus.operation.duration",
		metric.WithDescription("Gateway operation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("histogram creation failed, telemetry recording disabled", zap.Error(err))
	}
	return &Recorder{latency: latency, logger: logger}
}

// RecordOperation records one operation's latency with its outcome.
func (r *Recorder) RecordOperation(ctx context.Context, op, provider, model string, start time.Time, err error) {
	if r.latency == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.latency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		),
	)
}
