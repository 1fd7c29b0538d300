package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Middleware decorates an LLMClient to inject cross-cutting concerns
// (rate limiting, logging).
type Middleware func(LLMClient) LLMClient

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner LLMClient, mws ...Middleware) LLMClient {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

type ctxKeyUnit struct{}

// WithUnit tags ctx with the unit key a request is made for, so middlewares
// can attribute their log lines.
func WithUnit(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKeyUnit{}, key)
}

func UnitFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUnit{}).(string); ok {
		return v
	}
	return ""
}

// -------- Rate Limiting --------

// RateLimit limits the request rate with a token bucket.
// If rps <= 0, the limiter is disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next LLMClient) LLMClient {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		return &rateLimited{next: next, rl: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimited struct {
	next LLMClient
	rl   *rate.Limiter
}

func (c *rateLimited) Name() string { return c.next.Name() }
func (c *rateLimited) Close() error { return c.next.Close() }
func (c *rateLimited) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.GenerateJSON(ctx, prompt, input)
}

// -------- Logging --------

// WithLogging logs request sizes, latency and errors. A nil logger uses
// slog.Default().
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next LLMClient) LLMClient {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next LLMClient
	log  *slog.Logger
}

func (l *logging) Name() string { return l.next.Name() }
func (l *logging) Close() error { return l.next.Close() }
func (l *logging) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	in, _ := json.Marshal(input)
	start := time.Now()
	l.log.DebugContext(ctx, "llm request", "client", l.next.Name(), "unit", UnitFrom(ctx), "bytes", len(prompt)+len(in))
	raw, err := l.next.GenerateJSON(ctx, prompt, input)
	if err != nil {
		l.log.WarnContext(ctx, "llm error", "client", l.next.Name(), "unit", UnitFrom(ctx), "permanent", IsPermanent(err), "error", err)
		return nil, err
	}
	l.log.DebugContext(ctx, "llm reply", "client", l.next.Name(), "unit", UnitFrom(ctx), "bytes", len(raw), "elapsed", time.Since(start))
	return raw, nil
}
