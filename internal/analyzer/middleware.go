package analyzer

import (
	"context"
	"log"
	"time"
)

// Middleware decorates a Provider with cross-cutting concerns.
type Middleware func(Provider) Provider

// Wrap applies middlewares in left-to-right order:
// Wrap(inner, A, B) => A(B(inner)).
func Wrap(inner Provider, mws ...Middleware) Provider {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// -------- Retry with exponential backoff --------

// Retry retries Analyze up to maxAttempts with exponential backoff starting
// at baseDelay. Permanent errors are returned immediately; a canceled
// context stops the loop.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Provider) Provider {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Provider
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }
func (r *retrying) Close() error { return r.next.Close() }

func (r *retrying) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	var last error
	for i := 0; i < r.max; i++ {
		res, err := r.next.Analyze(ctx, prompt, files)
		if err == nil {
			return res, nil
		}
		if IsPermanent(err) {
			return nil, err
		}
		last = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.base * time.Duration(1<<i)):
		}
	}
	return nil, last
}

// -------- Rate limiting --------

// RateLimit throttles Analyze to at most rps calls per second with the given
// burst. rps <= 0 disables the limiter.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Provider) Provider {
		return &rateLimited{next: next, rl: newRPSLimiter(rps, burst)}
	}
}

type rateLimited struct {
	next Provider
	rl   *rpsLimiter
}

func (c *rateLimited) Name() string { return c.next.Name() }
func (c *rateLimited) Close() error {
	c.rl.Stop()
	return c.next.Close()
}

func (c *rateLimited) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return nil, err
	}
	return c.next.Analyze(ctx, prompt, files)
}

// rpsLimiter is a channel token bucket refilled at a fixed period.
type rpsLimiter struct {
	tokens chan struct{}
	stopCh chan struct{}
}

func newRPSLimiter(rps float64, burst int) *rpsLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &rpsLimiter{
		tokens: make(chan struct{}, burst),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		l.tokens <- struct{}{}
	}
	period := time.Duration(float64(time.Second) / rps)
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case l.tokens <- struct{}{}:
				default:
					// bucket full
				}
			case <-l.stopCh:
				return
			}
		}
	}()
	return l
}

func (l *rpsLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return context.Canceled
	case <-l.tokens:
		return nil
	}
}

func (l *rpsLimiter) Stop() {
	if l == nil {
		return
	}
	close(l.stopCh)
}

// -------- Logging --------

// WithLogging logs request size, usage and errors. A nil logger means
// log.Default().
func WithLogging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Provider) Provider {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Provider
	log  *log.Logger
}

func (l *logging) Name() string { return l.next.Name() }
func (l *logging) Close() error { return l.next.Close() }

func (l *logging) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	size := len(prompt)
	for name, content := range files {
		size += len(name) + len(content)
	}
	l.log.Printf("analysis request (%s): %d files, %d bytes", l.next.Name(), len(files), size)
	res, err := l.next.Analyze(ctx, prompt, files)
	if err != nil {
		l.log.Printf("analysis error (%s): %v", l.next.Name(), err)
		return nil, err
	}
	l.log.Printf("analysis done (%s): %d tokens", l.next.Name(), res.Usage.Total)
	return res, nil
}
