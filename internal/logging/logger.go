package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps Zap with context-aware methods.
type Logger struct {
	zap    *zap.Logger
	ctxZap *zap.Logger // skips the wrapper frames when reporting callers
	config *Config
}

func wrap(z *zap.Logger, cfg *Config) *Logger {
	return &Logger{zap: z, ctxZap: z.WithOptions(zap.AddCallerSkip(2)), config: cfg}
}

// NewLogger creates a logger writing to stdout.
// otelProvider can be nil to disable OTEL output.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	return newLogger(cfg, os.Stdout, otelProvider)
}

// NewLoggerTo creates a logger writing to w instead of stdout.
func NewLoggerTo(cfg *Config, w io.Writer, otelProvider log.LoggerProvider) (*Logger, error) {
	return newLogger(cfg, w, otelProvider)
}

func newLogger(cfg *Config, w io.Writer, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	core, err := newCore(cfg, w, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create core: %w", err)
	}

	opts := []zap.Option{}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.Stacktrace != "" {
		lvl, _ := LevelFromString(cfg.Stacktrace)
		opts = append(opts, zap.AddStacktrace(lvl))
	}

	zapLogger := zap.New(core, opts...)

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		zapLogger = zapLogger.With(fields...)
	}

	return wrap(zapLogger, cfg), nil
}

// newCore tees the stdout and OTEL cores and wraps the result with sampling.
func newCore(cfg *Config, w io.Writer, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(w), cfg.level()))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("itemforge", otelzap.WithLoggerProvider(otelProvider)))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := zapcore.NewTee(cores...)
	if !cfg.Sampling.Enabled {
		return core, nil
	}

	// Errors and above bypass the sampler.
	errorCore := &levelFilterCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	belowError := &levelFilterCore{Core: core, min: TraceLevel, max: zapcore.WarnLevel}
	sampled := zapcore.NewSamplerWithOptions(belowError,
		cfg.Sampling.Tick.Duration(), cfg.Sampling.Initial, cfg.Sampling.Thereafter)

	return zapcore.NewTee(errorCore, sampled), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// levelFilterCore passes only entries with min <= level <= max.
type levelFilterCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}

func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.ctxZap.Check(lvl, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// With returns a child logger with constant fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return wrap(l.zap.With(fields...), l.config)
}

// Named returns a child logger with a name segment.
func (l *Logger) Named(name string) *Logger {
	return wrap(l.zap.Named(name), l.config)
}

// Enabled reports whether the level is enabled.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Sync flushes buffered entries. EINVAL/ENOTTY from syncing a terminal are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if err != nil && errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

// Underlying returns the wrapped *zap.Logger.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return wrap(zap.NewNop(), NewDefaultConfig())
}
