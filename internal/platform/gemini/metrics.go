package gemini

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type geminiMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
}

var (
	geminiMetricsOnce sync.Once
	geminiMetricsOK   bool
	metrics           geminiMetrics
)

func ensureGeminiMetrics() {
	geminiMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/medglosa/medglosa/gemini")

		requestCount, err := meter.Int64Counter(
			"ai.gemini.request.count",
			metric.WithDescription("Number of Gemini requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"ai.gemini.request.duration",
			metric.WithDescription("Gemini request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"ai.gemini.request.errors",
			metric.WithDescription("Number of Gemini request errors"),
		)
		if err != nil {
			return
		}

		metrics = geminiMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
		}
		geminiMetricsOK = true
	})
}

func recordGeminiMetric(ctx context.Context, model string, statusCode int, duration time.Duration, err error) {
	ensureGeminiMetrics()
	if !geminiMetricsOK {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", "gemini"),
		attribute.String("ai.model", model),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	metrics.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		metrics.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
