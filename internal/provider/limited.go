package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles calls to a Client with a token bucket.
type Limited struct {
	Client
	limiter *rate.Limiter
}

// WithRateLimit wraps c so that at most rps calls per second (burst) reach it.
func WithRateLimit(c Client, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{Client: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete waits for a token, then delegates.
func (l *Limited) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, wrapContextErr(l.Name(), err)
	}
	return l.Client.Complete(ctx, req)
}
