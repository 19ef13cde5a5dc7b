// Package telemetry wires the OpenTelemetry metrics SDK for the server and
// records HTTP server metrics for every request.
//
// When no OTLP endpoint is configured and no reader is supplied, the global
// meter provider is left untouched and instruments become no-ops.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/medglosa/medglosa/http"

// Config holds the telemetry settings.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string
	MetricsInterval time.Duration

	// Reader overrides the OTLP exporter. Tests pass a ManualReader.
	Reader sdkmetric.Reader
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "medglosa-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// Provider owns the meter provider and the HTTP server instruments.
type Provider struct {
	cfg Config
	mp  *sdkmetric.MeterProvider

	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
}

// Setup builds the meter provider and registers it globally. The returned
// Provider must be shut down to flush pending metrics.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	p := &Provider{cfg: cfg}

	reader := cfg.Reader
	if reader == nil && cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.MetricsInterval))
	}

	meter := otel.Meter(meterName)
	if reader != nil {
		res := resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		)
		p.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.mp)
		meter = p.mp.Meter(meterName)
	}

	var err error
	p.requestCount, err = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}
	p.requestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	p.activeRequests, err = meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Enabled reports whether metrics leave the process.
func (p *Provider) Enabled() bool {
	return p.mp != nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}

// MetricsMiddleware records request count, duration and in-flight requests
// labelled by method, route pattern and status code.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			p.activeRequests.Add(ctx, 1)
			start := time.Now()

			err := next(c)

			p.activeRequests.Add(ctx, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			attrs := metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			p.requestCount.Add(ctx, 1, attrs)
			p.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

			return err
		}
	}
}
