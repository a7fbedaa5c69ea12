package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return c.String(http.StatusOK, "ok")
	})

	for _, path := range []string{"/api/v1/runs/a", "/api/v1/runs/b", "/api/v1/runs/missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byStatus := map[int64]int64{}
	var durations uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "itemforge.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("route"))
					assert.Equal(t, "/api/v1/runs/:id", route.AsString(), "run IDs never become labels")
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					byStatus[status.AsInt64()] += dp.Value
				}
			case "itemforge.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					durations += dp.Count
				}
			}
		}
	}
	assert.Equal(t, map[int64]int64{200: 2, 404: 1}, byStatus)
	assert.Equal(t, uint64(3), durations)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/runs/:id", routeLabel("/api/v1/runs/:id"))
}
