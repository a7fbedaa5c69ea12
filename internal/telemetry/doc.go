// Package telemetry wires OpenTelemetry tracing and metrics for itemforge.
//
// Spans are emitted around every provider call, every retry attempt and every
// pipeline node; counters track provider fallbacks and node failures. Data is
// exported over OTLP (gRPC or HTTP/protobuf) to a collector.
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//	tracer := tel.Tracer("github.com/fyrsmithlabs/itemforge/internal/reliability")
//
// Tests use NewTestTelemetry, which records spans in memory and exposes a
// manual metric reader.
package telemetry
