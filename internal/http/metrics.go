package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/itemforge/internal/http"

// HTTPMetrics records request metrics through the otel meter.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates metrics on meter, or on the global meter provider
// when meter is nil.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"itemforge.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, route and status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"itemforge.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"itemforge.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// Middleware returns an echo middleware that records request metrics.
// Routes are labeled by their pattern (/api/v1/runs/:id) so run IDs never
// become label values.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is final.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return nil
		}
	}
}

func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
