package reliability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/provider"
)

const instrumentationName = "github.com/fyrsmithlabs/itemforge/internal/reliability"

// Invoker runs one logical call through retry and the fallback chain.
// It is safe for concurrent use.
type Invoker struct {
	chain  *Chain
	policy RetryPolicy
	logger *zap.Logger

	tracer           trace.Tracer
	callCounter      metric.Int64Counter
	fallbackCounter  metric.Int64Counter
	exhaustedCounter metric.Int64Counter
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(inv *Invoker) {
		if l != nil {
			inv.logger = l
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(inv *Invoker) { inv.tracer = t }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(inv *Invoker) { inv.initMetrics(m) }
}

// NewInvoker creates an invoker for chain under policy.
func NewInvoker(chain *Chain, policy RetryPolicy, opts ...Option) *Invoker {
	policy.applyDefaults()
	inv := &Invoker{
		chain:  chain,
		policy: policy,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	inv.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) initMetrics(m metric.Meter) {
	var err error
	inv.callCounter, err = m.Int64Counter(
		"itemforge.provider.calls_total",
		metric.WithDescription("Total number of provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		inv.logger.Warn("failed to create call counter", zap.Error(err))
	}
	inv.fallbackCounter, err = m.Int64Counter(
		"itemforge.provider.fallbacks_total",
		metric.WithDescription("Total number of fallbacks to the next provider"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		inv.logger.Warn("failed to create fallback counter", zap.Error(err))
	}
	inv.exhaustedCounter, err = m.Int64Counter(
		"itemforge.provider.exhausted_total",
		metric.WithDescription("Total number of calls that exhausted all retries"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		inv.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}
}

// Chain returns the chain this invoker calls.
func (inv *Invoker) Chain() *Chain { return inv.chain }

// Call runs req through the chain, retrying whole passes with backoff.
func (inv *Invoker) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	ctx, span := inv.tracer.Start(ctx, "reliability.call")
	defer span.End()
	span.SetAttributes(
		attribute.Int("max_attempts", inv.policy.MaxAttempts),
		attribute.StringSlice("providers", inv.chain.Providers()),
	)

	var last *ChainError
	for attempt := 1; attempt <= inv.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, err
		}

		resp, chainErr, err := inv.attempt(ctx, attempt, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if chainErr == nil {
			span.SetAttributes(
				attribute.Int("attempts", attempt),
				attribute.String("provider", resp.Provider),
			)
			if attempt > 1 {
				inv.logger.Info("provider call recovered after retries",
					zap.Int("attempts", attempt),
					zap.String("provider", resp.Provider))
			}
			return resp, nil
		}
		last = chainErr

		if attempt == inv.policy.MaxAttempts {
			break
		}

		wait := inv.policy.backoff(attempt)
		inv.logger.Warn("provider chain failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(chainErr))

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	exhausted := &ExhaustedError{Attempts: inv.policy.MaxAttempts, Last: last}
	if inv.exhaustedCounter != nil {
		inv.exhaustedCounter.Add(ctx, 1)
	}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "retries exhausted")
	inv.logger.Error("provider retries exhausted", zap.Error(exhausted))
	return nil, exhausted
}

// attempt runs one full chain pass. A non-nil err means the caller's context
// ended and no further attempts should be made.
func (inv *Invoker) attempt(ctx context.Context, n int, req provider.Request) (*provider.Response, *ChainError, error) {
	ctx, span := inv.tracer.Start(ctx, "reliability.attempt",
		trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	chainErr := &ChainError{}
	for i, link := range inv.chain.links {
		resp, rej := inv.callLink(ctx, link, req)
		if rej == nil {
			return resp, nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		chainErr.Rejections = append(chainErr.Rejections, *rej)
		if i < len(inv.chain.links)-1 && inv.fallbackCounter != nil {
			inv.fallbackCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("from", rej.Provider),
				attribute.String("reason", rej.Reason),
			))
		}
		inv.logger.Debug("provider rejected, falling back",
			zap.String("provider", rej.Provider),
			zap.String("reason", rej.Reason),
			zap.Error(rej.Err))
	}
	span.SetStatus(codes.Error, "chain exhausted")
	return nil, chainErr, nil
}

func (inv *Invoker) callLink(ctx context.Context, link Link, req provider.Request) (*provider.Response, *Rejection) {
	name := link.name()
	ctx, span := inv.tracer.Start(ctx, "provider.call",
		trace.WithAttributes(attribute.String("provider", name)))
	defer span.End()

	if link.Model != "" {
		req.Model = link.Model
	}
	callCtx := ctx
	if link.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, link.Timeout)
		defer cancel()
	}

	resp, err := complete(callCtx, link.Client, req)
	var rej *Rejection
	switch {
	case err != nil:
		rej = &Rejection{Provider: name, Reason: rejectReason(callCtx, err), Err: err}
	case resp == nil:
		rej = &Rejection{Provider: name, Reason: "malformed", Err: provider.ErrMalformed}
	case link.MinResponseLength > 0 && len(resp.Text) < link.MinResponseLength:
		rej = &Rejection{Provider: name, Reason: "short_response", Err: ErrShortResponse}
	}

	outcome := "success"
	if rej != nil {
		outcome = rej.Reason
		span.SetStatus(codes.Error, rej.Reason)
	}
	if inv.callCounter != nil {
		inv.callCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", name),
			attribute.String("outcome", outcome),
		))
	}
	if rej != nil {
		return nil, rej
	}
	if resp.Provider == "" {
		resp.Provider = name
	}
	return resp, nil
}

type completion struct {
	resp *provider.Response
	err  error
}

// complete returns when c answers or ctx ends, whichever comes first. A
// client that ignores ctx is left to finish in the background.
func complete(ctx context.Context, c provider.Client, req provider.Request) (*provider.Response, error) {
	done := make(chan completion, 1)
	go func() {
		resp, err := c.Complete(ctx, req)
		done <- completion{resp: resp, err: err}
	}()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func rejectReason(callCtx context.Context, err error) string {
	switch {
	case errors.Is(err, provider.ErrTimeout), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, provider.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, provider.ErrMalformed):
		return "malformed"
	default:
		return "unavailable"
	}
}
