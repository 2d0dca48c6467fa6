package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PerfectlyContent/cardmaker/internal/platform/requestctx"
)

const upstreamMetricNamespace = "github.com/PerfectlyContent/cardmaker/internal/upstream"

// Upstream call outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomeEmpty    = "empty"
)

// UpstreamRecorder counts and times calls to third-party APIs.
type UpstreamRecorder struct {
	provider string
	logger   *zap.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewUpstreamRecorder registers the upstream instruments for provider. A nil
// meter selects the global provider.
func NewUpstreamRecorder(provider string, meter metric.Meter, logger *zap.Logger) *UpstreamRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(upstreamMetricNamespace)
	}
	rec := &UpstreamRecorder{provider: provider, logger: logger.With(zap.String("provider", provider))}

	requests, err := meter.Int64Counter(
		"cardmaker.upstream.requests",
		metric.WithDescription("Count of upstream API calls by provider and outcome"),
	)
	if err != nil {
		rec.logger.Warn("upstream: unable to register request counter", zap.Error(err))
	} else {
		rec.requests = requests
	}

	latency, err := meter.Float64Histogram(
		"cardmaker.upstream.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of upstream API calls"),
	)
	if err != nil {
		rec.logger.Warn("upstream: unable to register latency metric", zap.Error(err))
	} else {
		rec.latency = latency
	}
	return rec
}

// Record emits the metrics for one call and logs failures.
func (r *UpstreamRecorder) Record(ctx context.Context, outcome string, started time.Time, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", r.provider),
		attribute.String("outcome", outcome),
	)
	if r.requests != nil {
		r.requests.Add(ctx, 1, attrs)
	}
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	if r.latency != nil {
		r.latency.Record(ctx, elapsed, attrs)
	}

	logger := r.logger
	if ctxLogger := FromContext(ctx); ctxLogger != requestctx.NoopLogger() {
		logger = ctxLogger.With(zap.String("provider", r.provider))
	}
	if err != nil {
		logger.Warn("upstream call failed", zap.String("outcome", outcome), zap.Float64("latency_ms", elapsed), zap.Error(err))
		return
	}
	logger.Debug("upstream call", zap.String("outcome", outcome), zap.Float64("latency_ms", elapsed))
}
