// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry via the otelzap bridge)
//   - Automatic context field injection (trace_id, run_id, caller_id, request_id)
//   - Redaction of API keys and bearer tokens
//   - Level-aware sampling (errors are never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithCallerID(ctx, "alice")
//	logger.Info(ctx, "phase completed", zap.String("phase", "review"))
//
// Output:
//
//	{"ts":"2026-03-02T10:15:30Z","level":"info","msg":"phase completed",
//	 "run.id":"7c9e...","caller.id":"alice","phase":"review"}
//
// Packages deeper in the stack take a *zap.Logger; use Underlying() to hand
// one over and ContextFields(ctx) to attach correlation fields manually.
//
// # Testing
//
//	logger := logging.NewTestLogger()
//	svc := NewService(logger.Underlying())
//	logger.AssertLogged(t, zapcore.InfoLevel, "run finished")
package logging
