package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry creates telemetry backed by in-memory exporters.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		SpanRecorder: recorder,
		MetricReader: reader,
	}
}

// SpansNamed returns ended spans with the given name.
func (t *TestTelemetry) SpansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range t.SpanRecorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// AssertSpanAttribute fails tb unless some span named spanName carries key=expected.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected interface{}) {
	tb.Helper()
	for _, s := range t.SpansNamed(spanName) {
		for _, kv := range s.Attributes() {
			if string(kv.Key) == key && attrValue(kv.Value) == expected {
				return
			}
		}
	}
	tb.Errorf("no span %q with attribute %s=%v", spanName, key, expected)
}

// CounterValue sums an int64 counter across all data points.
func (t *TestTelemetry) CounterValue(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.MetricReader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func attrValue(v attribute.Value) interface{} {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
